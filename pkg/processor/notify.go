package processor

import (
	"context"
	"sync"

	"github.com/kelworks/keld/pkg/event"
)

// Kind names a notification without its payload.
type Kind string

const (
	KindKeyEventAdded      Kind = "key-event-added"
	KindReceiptAdded       Kind = "receipt-added"
	KindOutOfOrder         Kind = "out-of-order"
	KindPartiallySigned    Kind = "partially-signed"
	KindPartiallyWitnessed Kind = "partially-witnessed"
	KindDelegationPending  Kind = "delegation-pending"
	KindDuplicitous        Kind = "duplicitous"
)

// Notification is an immutable fact describing a state transition. Event
// kinds carry the signed event, KindReceiptAdded carries the receipt body.
type Notification struct {
	Kind    Kind
	Event   *event.SignedEvent
	Receipt *event.Receipt
}

// Identifier returns the identifier the notification concerns.
func (n Notification) Identifier() event.Identifier {
	if n.Receipt != nil {
		return n.Receipt.Identifier
	}
	if n.Event != nil {
		return n.Event.Event.Identifier
	}
	return ""
}

// SN returns the sequence number the notification concerns.
func (n Notification) SN() uint64 {
	if n.Receipt != nil {
		return n.Receipt.SN
	}
	if n.Event != nil {
		return n.Event.Event.SN
	}
	return 0
}

// Observer reacts to notifications. The bus the notification travelled on is
// passed by parameter so observers can publish follow-ups without holding a
// back-reference.
type Observer interface {
	Notify(ctx context.Context, bus *Bus, n Notification) error
}

// Dispatcher is the swappable delivery mechanism behind a Bus. The
// in-process dispatcher delivers synchronously; alternate implementations
// may forward to an external queue without touching escrow logic.
type Dispatcher interface {
	Register(obs Observer, kinds ...Kind)
	Dispatch(ctx context.Context, bus *Bus, n Notification) error
}

// Bus is the publish/subscribe dispatcher decoupling "an event was
// finalized" from "escrows should re-check themselves".
type Bus struct {
	dispatcher Dispatcher
}

// NewBus creates a bus over the given dispatcher, defaulting to in-process
// synchronous delivery.
func NewBus(d Dispatcher) *Bus {
	if d == nil {
		d = NewInProcessDispatcher()
	}
	return &Bus{dispatcher: d}
}

// Register subscribes an observer to the given notification kinds.
func (b *Bus) Register(obs Observer, kinds ...Kind) {
	b.dispatcher.Register(obs, kinds...)
}

// Notify publishes a notification. With the in-process dispatcher every
// observer runs to completion before Notify returns, which is what makes the
// escrow cascade deterministic.
func (b *Bus) Notify(ctx context.Context, n Notification) error {
	return b.dispatcher.Dispatch(ctx, b, n)
}

// InProcessDispatcher delivers notifications synchronously on the calling
// goroutine, in registration order.
type InProcessDispatcher struct {
	mu        sync.RWMutex
	observers map[Kind][]Observer
}

var _ Dispatcher = (*InProcessDispatcher)(nil)

func NewInProcessDispatcher() *InProcessDispatcher {
	return &InProcessDispatcher{observers: make(map[Kind][]Observer)}
}

func (d *InProcessDispatcher) Register(obs Observer, kinds ...Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range kinds {
		d.observers[k] = append(d.observers[k], obs)
	}
}

func (d *InProcessDispatcher) Dispatch(ctx context.Context, bus *Bus, n Notification) error {
	d.mu.RLock()
	observers := append([]Observer(nil), d.observers[n.Kind]...)
	d.mu.RUnlock()

	for _, obs := range observers {
		if err := obs.Notify(ctx, bus, n); err != nil {
			return err
		}
	}
	return nil
}
