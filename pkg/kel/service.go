// Package kel is the application-facing service over the event processor:
// message admission, cached key-state reads, log retrieval and escrow
// inspection.
package kel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kelworks/keld/internal/storage"
	"github.com/kelworks/keld/pkg/event"
	"github.com/kelworks/keld/pkg/keystate"
	"github.com/kelworks/keld/pkg/processor"
)

// ErrUnknownIdentifier is returned when no key state exists for an
// identifier.
var ErrUnknownIdentifier = errors.New("unknown identifier")

const defaultCacheSize = 1024

// Service wraps a processor and its store with a read-through key-state
// cache. The cache is invalidated from the processor's own notification bus,
// so cascaded escrow promotions invalidate it too.
type Service struct {
	store  storage.EventStore
	proc   *processor.Processor
	states *lru.Cache[event.Identifier, *keystate.KeyState]
	logger *slog.Logger
}

// Config holds the service's tunables.
type Config struct {
	// CacheSize bounds the key-state cache; zero means the default.
	CacheSize int
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// New creates a service over the store.
func New(store storage.EventStore, cfg Config) (*Service, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	states, err := lru.New[event.Identifier, *keystate.KeyState](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create state cache: %w", err)
	}

	s := &Service{
		store:  store,
		proc:   processor.New(store, processor.WithLogger(cfg.Logger)),
		states: states,
		logger: cfg.Logger,
	}
	s.proc.Register(cacheInvalidator{states}, processor.KindKeyEventAdded)
	return s, nil
}

// cacheInvalidator drops the cached state whenever an event is finalized,
// including finalizations that happen deep in an escrow cascade.
type cacheInvalidator struct {
	states *lru.Cache[event.Identifier, *keystate.KeyState]
}

func (c cacheInvalidator) Notify(_ context.Context, _ *processor.Bus, n processor.Notification) error {
	c.states.Remove(n.Identifier())
	return nil
}

// Process admits one inbound message.
func (s *Service) Process(ctx context.Context, msg event.Message) (processor.Result, error) {
	return s.proc.Process(ctx, msg)
}

// ProcessAll admits a batch. Messages for the same identifier keep their
// relative order; distinct identifiers are processed concurrently. The first
// storage fault cancels the batch; per-message rejections are collected and
// returned joined.
func (s *Service) ProcessAll(ctx context.Context, msgs []event.Message) error {
	byID := make(map[event.Identifier][]event.Message)
	var order []event.Identifier
	for _, m := range msgs {
		id := m.MessageIdentifier()
		if _, ok := byID[id]; !ok {
			order = append(order, id)
		}
		byID[id] = append(byID[id], m)
	}

	g, ctx := errgroup.WithContext(ctx)
	rejections := make([]error, len(order))
	for i, id := range order {
		batch := byID[id]
		g.Go(func() error {
			var errs []error
			for _, m := range batch {
				if _, err := s.proc.Process(ctx, m); err != nil {
					if processor.IsRejection(err) {
						errs = append(errs, err)
						continue
					}
					return err
				}
			}
			rejections[i] = errors.Join(errs...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(rejections...)
}

// Register subscribes an observer to the underlying notification bus.
func (s *Service) Register(obs processor.Observer, kinds ...processor.Kind) {
	s.proc.Register(obs, kinds...)
}

// KeyState returns the current key state for an identifier, from cache when
// possible.
func (s *Service) KeyState(ctx context.Context, id event.Identifier) (*keystate.KeyState, error) {
	if st, ok := s.states.Get(id); ok {
		return st, nil
	}
	st, err := s.store.GetKeyState(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIdentifier, id)
	}
	if err != nil {
		return nil, err
	}
	s.states.Add(id, st)
	return st, nil
}

// KeyEventLog returns the finalized log for an identifier in sequence order.
func (s *Service) KeyEventLog(ctx context.Context, id event.Identifier) ([]*event.SignedEvent, error) {
	log, err := s.store.KeyEventLog(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(log) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIdentifier, id)
	}
	return log, nil
}

// Identifiers lists every identifier with a finalized log.
func (s *Service) Identifiers(ctx context.Context) ([]event.Identifier, error) {
	return s.store.Identifiers(ctx)
}

// Receipts returns the stored witness receipts for one event.
func (s *Service) Receipts(ctx context.Context, id event.Identifier, sn uint64) ([]storage.ReceiptRecord, error) {
	return s.store.Receipts(ctx, id, sn)
}

// Escrowed lists the events currently held in one escrow.
func (s *Service) Escrowed(ctx context.Context, reason storage.EscrowReason) ([]*event.SignedEvent, error) {
	if !reason.Valid() {
		return nil, fmt.Errorf("unknown escrow %q", reason)
	}
	return s.store.EscrowAll(ctx, reason)
}

// ReplayState independently re-derives an identifier's key state by folding
// its finalized log, verifying the stored snapshot against the event chain.
func (s *Service) ReplayState(ctx context.Context, id event.Identifier) (*keystate.KeyState, error) {
	log, err := s.store.KeyEventLog(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(log) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIdentifier, id)
	}
	events := make([]*event.KeyEvent, len(log))
	for i := range log {
		events[i] = &log[i].Event
	}
	return keystate.Replay(events)
}
