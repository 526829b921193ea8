// Package processor implements key event admission: validation against
// current key state, typed escrows for events that cannot yet be accepted,
// and the notification bus that re-drives escrowed events when their missing
// prerequisite arrives.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kelworks/keld/internal/storage"
	"github.com/kelworks/keld/pkg/event"
	"github.com/kelworks/keld/pkg/verify"
)

// Processor is the single entry point for inbound messages. Calls for the
// same identifier are serialized; calls for different identifiers may run
// concurrently.
type Processor struct {
	store     storage.EventStore
	validator *Validator
	bus       *Bus
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[event.Identifier]*sync.Mutex
}

// Option configures a Processor.
type Option func(*options)

type options struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

// WithDispatcher replaces the in-process synchronous dispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a processor over the store with the five standard escrows
// registered on its bus.
func New(store storage.EventStore, opts ...Option) *Processor {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	v := NewValidator(store)
	bus := NewBus(o.dispatcher)
	p := &Processor{
		store:     store,
		validator: v,
		bus:       bus,
		logger:    o.logger,
		locks:     make(map[event.Identifier]*sync.Mutex),
	}

	bus.Register(NewOutOfOrderEscrow(store, v, o.logger), KindOutOfOrder, KindKeyEventAdded)
	bus.Register(NewPartiallySignedEscrow(store, v, o.logger), KindPartiallySigned)
	bus.Register(NewPartiallyWitnessedEscrow(store, v, o.logger), KindPartiallyWitnessed, KindReceiptAdded)
	bus.Register(NewDelegationEscrow(store, v, o.logger), KindDelegationPending, KindKeyEventAdded)
	bus.Register(NewDuplicitousEscrow(store, o.logger), KindDuplicitous)

	return p
}

// Register subscribes an additional observer, such as a cache invalidator,
// to the processor's bus.
func (p *Processor) Register(obs Observer, kinds ...Kind) {
	p.bus.Register(obs, kinds...)
}

// Process admits one inbound message and reports what happened to it.
func (p *Processor) Process(ctx context.Context, msg event.Message) (Result, error) {
	defer p.unlock(p.lock(msg.MessageIdentifier()))

	switch m := msg.(type) {
	case *event.SignedEvent:
		return p.processEvent(ctx, m)
	case *event.SignedReceipt:
		return p.processReceipt(ctx, m)
	case *event.TransferableReceipt:
		return p.processTransferableReceipt(ctx, m)
	default:
		return Result{}, fmt.Errorf("%w: unsupported message type %T", ErrMalformedEvent, msg)
	}
}

func (p *Processor) processEvent(ctx context.Context, msg *event.SignedEvent) (Result, error) {
	res, err := p.validator.Validate(ctx, msg)
	if err != nil {
		if IsRejection(err) {
			p.logger.Warn("event rejected",
				"identifier", msg.Event.Identifier.String(),
				"sn", msg.Event.SN,
				"type", string(msg.Event.Type),
				"error", err)
		}
		return Result{}, err
	}

	p.logger.Debug("event validated",
		"identifier", msg.Event.Identifier.String(),
		"sn", msg.Event.SN,
		"type", string(msg.Event.Type),
		"outcome", res.Outcome.String())

	switch res.Outcome {
	case Accepted:
		if err := finalize(ctx, p.bus, p.store, msg, res.State); err != nil {
			return Result{}, err
		}
	case AlreadyFinalized:
		// Idempotent redelivery.
	default:
		kind, ok := deferralKind(res.Outcome)
		if !ok {
			return Result{}, fmt.Errorf("unroutable outcome %s", res.Outcome)
		}
		if err := p.bus.Notify(ctx, Notification{Kind: kind, Event: msg}); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

func (p *Processor) processReceipt(ctx context.Context, msg *event.SignedReceipt) (Result, error) {
	if msg.Body.Identifier.IsZero() || !msg.Body.EventDigest.Defined() {
		return Result{}, fmt.Errorf("%w: incomplete body", ErrInvalidReceipt)
	}

	valid := 0
	for _, c := range msg.Receipts {
		if !c.Verify(msg.Body.EventDigest) {
			continue
		}
		if err := p.store.AddReceipt(ctx, msg.Body, c); err != nil {
			return Result{}, err
		}
		valid++
	}
	if valid == 0 {
		return Result{}, fmt.Errorf("%w: no valid couplet", ErrInvalidReceipt)
	}

	// Receipts for events not yet in the log are kept as-is; they count
	// toward the witness threshold when the event arrives.
	body := msg.Body
	if err := p.bus.Notify(ctx, Notification{Kind: KindReceiptAdded, Receipt: &body}); err != nil {
		return Result{}, err
	}
	return Result{Outcome: ReceiptRecorded}, nil
}

func (p *Processor) processTransferableReceipt(ctx context.Context, msg *event.TransferableReceipt) (Result, error) {
	if msg.Body.Identifier.IsZero() || !msg.Body.EventDigest.Defined() {
		return Result{}, fmt.Errorf("%w: incomplete body", ErrInvalidReceipt)
	}

	// Resolve the signer's sealed establishment event to get the keys the
	// endorsement must verify against.
	sealed, err := p.store.GetEvent(ctx, msg.SignerSeal.Identifier, msg.SignerSeal.SN)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %q sn %d", ErrUnknownSigner, msg.SignerSeal.Identifier, msg.SignerSeal.SN)
	}
	if err != nil {
		return Result{}, err
	}
	sealedDigest, err := sealed.Digest()
	if err != nil {
		return Result{}, err
	}
	if !sealedDigest.Equals(msg.SignerSeal.Digest) {
		return Result{}, fmt.Errorf("%w: signer seal digest mismatch", ErrInvalidReceipt)
	}
	if !sealed.Event.Type.IsEstablishment() || len(sealed.Event.Keys) == 0 {
		return Result{}, fmt.Errorf("%w: signer seal does not reference an establishment event", ErrInvalidReceipt)
	}

	if !verify.TransferableReceipt(msg, sealed.Event.Keys, sealed.Event.Threshold) {
		return Result{}, fmt.Errorf("%w: endorsement below signer threshold", ErrInvalidReceipt)
	}

	if err := p.store.AddTransferableReceipt(ctx, msg); err != nil {
		return Result{}, err
	}

	body := msg.Body
	if err := p.bus.Notify(ctx, Notification{Kind: KindReceiptAdded, Receipt: &body}); err != nil {
		return Result{}, err
	}
	return Result{Outcome: ReceiptRecorded}, nil
}

// lock serializes processing per identifier.
func (p *Processor) lock(id event.Identifier) *sync.Mutex {
	p.mu.Lock()
	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}
	p.mu.Unlock()
	l.Lock()
	return l
}

func (p *Processor) unlock(l *sync.Mutex) { l.Unlock() }
