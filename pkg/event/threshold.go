package event

import (
	"fmt"
	"math/big"
)

// Fraction is a signing weight expressed as Num/Den.
type Fraction struct {
	Num uint64 `json:"num"`
	Den uint64 `json:"den"`
}

// Threshold is a k-of-n signing rule. With Weights empty it is a simple
// count: at least Count distinct authorized keys must sign. With Weights set
// (one per key, positionally) the rule is satisfied when the weights of the
// signing keys sum to at least 1.
type Threshold struct {
	Count   uint       `json:"count,omitempty"`
	Weights []Fraction `json:"weights,omitempty"`
}

func (t Threshold) IsWeighted() bool { return len(t.Weights) > 0 }

// Validate checks the threshold is satisfiable against a key list of size n.
func (t Threshold) Validate(n int) error {
	if t.IsWeighted() {
		if len(t.Weights) != n {
			return fmt.Errorf("threshold has %d weights for %d keys", len(t.Weights), n)
		}
		for i, w := range t.Weights {
			if w.Den == 0 || w.Num == 0 {
				return fmt.Errorf("threshold weight %d is zero-valued", i)
			}
		}
		return nil
	}
	if t.Count == 0 {
		return fmt.Errorf("threshold count is zero")
	}
	if int(t.Count) > n {
		return fmt.Errorf("threshold count %d exceeds %d keys", t.Count, n)
	}
	return nil
}

// Satisfied reports whether the given distinct key indices meet the rule.
// Indices out of range are ignored.
func (t Threshold) Satisfied(indices []int, n int) bool {
	seen := make(map[int]struct{}, len(indices))
	for _, i := range indices {
		if i >= 0 && i < n {
			seen[i] = struct{}{}
		}
	}
	if !t.IsWeighted() {
		return uint(len(seen)) >= t.Count && t.Count > 0
	}
	sum := new(big.Rat)
	for i := range seen {
		if i < len(t.Weights) {
			w := t.Weights[i]
			sum.Add(sum, new(big.Rat).SetFrac64(int64(w.Num), int64(w.Den)))
		}
	}
	return sum.Cmp(big.NewRat(1, 1)) >= 0
}

// Equal reports structural equality, used to hold rotations to the
// previously committed next-threshold.
func (t Threshold) Equal(o Threshold) bool {
	if t.Count != o.Count || len(t.Weights) != len(o.Weights) {
		return false
	}
	for i := range t.Weights {
		if t.Weights[i] != o.Weights[i] {
			return false
		}
	}
	return true
}
