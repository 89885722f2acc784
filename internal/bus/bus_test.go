package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stationd/stationd/internal/state"
)

func TestMemBusPublishSubscribe(t *testing.T) {
	b := NewMemBus()
	ctx := context.Background()

	var got []Event
	unsub, err := b.Subscribe(ctx, func(ev Event) {
		got = append(got, ev)
	})
	require.NoError(t, err)

	ts := &state.TestState{Status: state.StatusPassed}
	require.NoError(t, b.Publish(ctx, Event{Type: TypeStateChange, Path: "G.a", State: ts}))
	require.Len(t, got, 1)
	require.Equal(t, TypeStateChange, got[0].Type)
	require.Equal(t, "G.a", got[0].Path)
	require.Equal(t, state.StatusPassed, got[0].State.Status)

	unsub()
	require.NoError(t, b.Publish(ctx, Event{Type: TypeStop}))
	require.Len(t, got, 1)
}

func TestMemBusMultipleSubscribers(t *testing.T) {
	b := NewMemBus()
	ctx := context.Background()

	count := 0
	for i := 0; i < 3; i++ {
		_, err := b.Subscribe(ctx, func(Event) { count++ })
		require.NoError(t, err)
	}
	require.NoError(t, b.Publish(ctx, Event{Type: TypeAutoRun}))
	require.Equal(t, 3, count)
}
