package event

import (
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
)

// Identifier is a self-certifying name for a controller. Basic identifiers
// are derived from a single public key; self-addressing identifiers are
// derived from the digest of their own inception event content. The textual
// form is "B.<key>" or "E.<digest>" and is immutable once created.
type Identifier string

const (
	basicPrefix          = "B."
	selfAddressingPrefix = "E."
)

// NewBasicIdentifier derives an identifier directly from a public key.
func NewBasicIdentifier(k PublicKey) Identifier {
	return Identifier(basicPrefix + k.String())
}

// NewSelfAddressingIdentifier wraps an inception-content digest.
func NewSelfAddressingIdentifier(d cid.Cid) Identifier {
	return Identifier(selfAddressingPrefix + d.String())
}

func (i Identifier) IsZero() bool { return i == "" }

func (i Identifier) IsBasic() bool { return strings.HasPrefix(string(i), basicPrefix) }

func (i Identifier) IsSelfAddressing() bool {
	return strings.HasPrefix(string(i), selfAddressingPrefix)
}

// Key recovers the public key a basic identifier was derived from.
func (i Identifier) Key() (PublicKey, error) {
	if !i.IsBasic() {
		return PublicKey{}, fmt.Errorf("identifier %q is not basic", i)
	}
	return ParsePublicKey(strings.TrimPrefix(string(i), basicPrefix))
}

// SelfAddress recovers the inception-content digest of a self-addressing
// identifier.
func (i Identifier) SelfAddress() (cid.Cid, error) {
	if !i.IsSelfAddressing() {
		return cid.Undef, fmt.Errorf("identifier %q is not self-addressing", i)
	}
	d, err := cid.Decode(strings.TrimPrefix(string(i), selfAddressingPrefix))
	if err != nil {
		return cid.Undef, fmt.Errorf("identifier %q: %w", i, err)
	}
	return d, nil
}

func (i Identifier) String() string { return string(i) }
