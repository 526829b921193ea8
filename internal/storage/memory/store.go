// Package memory implements the storage contract on an in-process
// go-datastore, for tests and embedded use. A single store-wide mutex makes
// every multi-key operation (append+state, seal indexing) atomic.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"

	"github.com/kelworks/keld/internal/storage"
	"github.com/kelworks/keld/pkg/event"
	"github.com/kelworks/keld/pkg/keystate"
)

// Store is an in-memory EventStore.
type Store struct {
	mu sync.RWMutex
	db ds.Datastore
}

var _ storage.EventStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{db: ds.NewMapDatastore()}
}

// NewWithDatastore wraps an existing datastore. The caller must not use it
// concurrently outside this store.
func NewWithDatastore(d ds.Datastore) *Store {
	return &Store{db: d}
}

func stateKey(id event.Identifier) ds.Key {
	return ds.NewKey("/state/" + id.String())
}

func kelKey(id event.Identifier, sn uint64) ds.Key {
	return ds.NewKey(fmt.Sprintf("/kel/%s/%020d", id, sn))
}

func receiptKey(body event.Receipt, witness event.PublicKey) ds.Key {
	return ds.NewKey(fmt.Sprintf("/receipt/%s/%020d/%s/%s",
		body.Identifier, body.SN, body.EventDigest, witness))
}

func transReceiptKey(r *event.TransferableReceipt) ds.Key {
	return ds.NewKey(fmt.Sprintf("/treceipt/%s/%020d/%s/%d",
		r.Body.Identifier, r.Body.SN, r.SignerSeal.Identifier, r.SignerSeal.SN))
}

func sealKey(delegator event.Identifier, s event.Seal) ds.Key {
	return ds.NewKey(fmt.Sprintf("/seal/%s/%s/%d/%s",
		delegator, s.Identifier, s.SN, s.Digest))
}

func escrowKey(reason storage.EscrowReason, id event.Identifier, sn uint64, digest cid.Cid) ds.Key {
	return ds.NewKey(fmt.Sprintf("/escrow/%s/%s/%020d/%s", reason, id, sn, digest))
}

func (s *Store) GetKeyState(ctx context.Context, id event.Identifier) (*keystate.KeyState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := s.db.Get(ctx, stateKey(id))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var st keystate.KeyState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode key state for %q: %w", id, err)
	}
	return &st, nil
}

func (s *Store) GetEvent(ctx context.Context, id event.Identifier, sn uint64) (*event.SignedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEventLocked(ctx, id, sn)
}

func (s *Store) getEventLocked(ctx context.Context, id event.Identifier, sn uint64) (*event.SignedEvent, error) {
	raw, err := s.db.Get(ctx, kelKey(id, sn))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var msg event.SignedEvent
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode event %q sn %d: %w", id, sn, err)
	}
	return &msg, nil
}

func (s *Store) AppendEvent(ctx context.Context, msg *event.SignedEvent, st *keystate.KeyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, sn := msg.Event.Identifier, msg.Event.SN
	if _, err := s.getEventLocked(ctx, id, sn); err == nil {
		return fmt.Errorf("append %q sn %d: event already exists", id, sn)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	rawEvent, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	rawState, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode key state: %w", err)
	}

	if err := s.db.Put(ctx, kelKey(id, sn), rawEvent); err != nil {
		return err
	}
	if err := s.db.Put(ctx, stateKey(id), rawState); err != nil {
		return err
	}
	for _, seal := range msg.Event.Seals {
		if err := s.db.Put(ctx, sealKey(id, seal), []byte{1}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) KeyEventLog(ctx context.Context, id event.Identifier) ([]*event.SignedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results, err := s.db.Query(ctx, dsq.Query{
		Prefix: "/kel/" + id.String(),
		Orders: []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return nil, err
	}
	defer results.Close()

	var out []*event.SignedEvent
	for r := range results.Next() {
		if r.Error != nil {
			return nil, r.Error
		}
		var msg event.SignedEvent
		if err := json.Unmarshal(r.Value, &msg); err != nil {
			return nil, fmt.Errorf("decode event at %s: %w", r.Key, err)
		}
		out = append(out, &msg)
	}
	return out, nil
}

func (s *Store) Identifiers(ctx context.Context) ([]event.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results, err := s.db.Query(ctx, dsq.Query{Prefix: "/state", KeysOnly: true})
	if err != nil {
		return nil, err
	}
	defer results.Close()

	var out []event.Identifier
	for r := range results.Next() {
		if r.Error != nil {
			return nil, r.Error
		}
		out = append(out, event.Identifier(ds.RawKey(r.Key).BaseNamespace()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) AddReceipt(ctx context.Context, body event.Receipt, couplet event.WitnessReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(storage.ReceiptRecord{Body: body, Couplet: couplet})
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	return s.db.Put(ctx, receiptKey(body, couplet.Witness), raw)
}

func (s *Store) Receipts(ctx context.Context, id event.Identifier, sn uint64) ([]storage.ReceiptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results, err := s.db.Query(ctx, dsq.Query{
		Prefix: fmt.Sprintf("/receipt/%s/%020d", id, sn),
		Orders: []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return nil, err
	}
	defer results.Close()

	var out []storage.ReceiptRecord
	for r := range results.Next() {
		if r.Error != nil {
			return nil, r.Error
		}
		var rec storage.ReceiptRecord
		if err := json.Unmarshal(r.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode receipt at %s: %w", r.Key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) AddTransferableReceipt(ctx context.Context, r *event.TransferableReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode transferable receipt: %w", err)
	}
	return s.db.Put(ctx, transReceiptKey(r), raw)
}

func (s *Store) TransferableReceipts(ctx context.Context, id event.Identifier, sn uint64) ([]*event.TransferableReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results, err := s.db.Query(ctx, dsq.Query{
		Prefix: fmt.Sprintf("/treceipt/%s/%020d", id, sn),
		Orders: []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return nil, err
	}
	defer results.Close()

	var out []*event.TransferableReceipt
	for r := range results.Next() {
		if r.Error != nil {
			return nil, r.Error
		}
		var rec event.TransferableReceipt
		if err := json.Unmarshal(r.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode transferable receipt at %s: %w", r.Key, err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (s *Store) HasSeal(ctx context.Context, delegator event.Identifier, seal event.Seal) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Has(ctx, sealKey(delegator, seal))
}

func (s *Store) EscrowInsert(ctx context.Context, reason storage.EscrowReason, msg *event.SignedEvent) error {
	digest, err := msg.Digest()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode escrow entry: %w", err)
	}
	return s.db.Put(ctx, escrowKey(reason, msg.Event.Identifier, msg.Event.SN, digest), raw)
}

func (s *Store) EscrowList(ctx context.Context, reason storage.EscrowReason, id event.Identifier, sn uint64) ([]*event.SignedEvent, error) {
	return s.escrowQuery(ctx, fmt.Sprintf("/escrow/%s/%s/%020d", reason, id, sn))
}

func (s *Store) EscrowAll(ctx context.Context, reason storage.EscrowReason) ([]*event.SignedEvent, error) {
	return s.escrowQuery(ctx, fmt.Sprintf("/escrow/%s", reason))
}

func (s *Store) escrowQuery(ctx context.Context, prefix string) ([]*event.SignedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results, err := s.db.Query(ctx, dsq.Query{
		Prefix: prefix,
		Orders: []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return nil, err
	}
	defer results.Close()

	var out []*event.SignedEvent
	for r := range results.Next() {
		if r.Error != nil {
			return nil, r.Error
		}
		var msg event.SignedEvent
		if err := json.Unmarshal(r.Value, &msg); err != nil {
			return nil, fmt.Errorf("decode escrow entry at %s: %w", r.Key, err)
		}
		out = append(out, &msg)
	}
	return out, nil
}

func (s *Store) EscrowRemove(ctx context.Context, reason storage.EscrowReason, id event.Identifier, sn uint64, digest cid.Cid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(ctx, escrowKey(reason, id, sn, digest))
}
