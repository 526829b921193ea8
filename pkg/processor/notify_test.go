package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	kinds []Kind
	fail  error
}

func (r *recordingObserver) Notify(_ context.Context, _ *Bus, n Notification) error {
	r.kinds = append(r.kinds, n.Kind)
	return r.fail
}

func TestBusDeliversByKind(t *testing.T) {
	bus := NewBus(nil)
	obs := &recordingObserver{}
	bus.Register(obs, KindKeyEventAdded, KindReceiptAdded)

	require.NoError(t, bus.Notify(context.Background(), Notification{Kind: KindKeyEventAdded}))
	require.NoError(t, bus.Notify(context.Background(), Notification{Kind: KindDuplicitous}))
	require.NoError(t, bus.Notify(context.Background(), Notification{Kind: KindReceiptAdded}))

	assert.Equal(t, []Kind{KindKeyEventAdded, KindReceiptAdded}, obs.kinds)
}

func TestBusPropagatesObserverError(t *testing.T) {
	bus := NewBus(nil)
	boom := errors.New("boom")
	first := &recordingObserver{fail: boom}
	second := &recordingObserver{}
	bus.Register(first, KindKeyEventAdded)
	bus.Register(second, KindKeyEventAdded)

	err := bus.Notify(context.Background(), Notification{Kind: KindKeyEventAdded})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, second.kinds, "delivery stops at the first failing observer")
}

// republisher publishes a follow-up on the bus it was handed, exercising the
// cascade path without any escrow machinery.
type republisher struct {
	into Kind
}

func (r republisher) Notify(ctx context.Context, bus *Bus, n Notification) error {
	return bus.Notify(ctx, Notification{Kind: r.into})
}

func TestObserverCanRepublishSynchronously(t *testing.T) {
	bus := NewBus(nil)
	seen := &recordingObserver{}
	bus.Register(republisher{into: KindReceiptAdded}, KindKeyEventAdded)
	bus.Register(seen, KindReceiptAdded)

	require.NoError(t, bus.Notify(context.Background(), Notification{Kind: KindKeyEventAdded}))
	assert.Equal(t, []Kind{KindReceiptAdded}, seen.kinds,
		"follow-up delivered before the original Notify returns")
}
