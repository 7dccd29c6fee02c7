package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEmitterFanOut(t *testing.T) {
	m := NewMemoryEmitter(4)
	ch1, unsub1 := m.Subscribe()
	ch2, unsub2 := m.Subscribe()
	defer unsub1()
	defer unsub2()

	require.NoError(t, m.Emit(context.Background(), Event{Type: TypePlanSubmitted, CorrelationID: "c1"}))

	select {
	case ev := <-ch1:
		assert.Equal(t, TypePlanSubmitted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ch1")
	}
	select {
	case ev := <-ch2:
		assert.Equal(t, TypePlanSubmitted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ch2")
	}
}

func TestMemoryEmitterDropsWhenFull(t *testing.T) {
	m := NewMemoryEmitter(1)
	_, unsub := m.Subscribe()
	defer unsub()

	require.NoError(t, m.Emit(context.Background(), Event{Type: TypePlanSubmitted}))
	require.NoError(t, m.Emit(context.Background(), Event{Type: TypePlanApproved}))
}

func TestMemoryEmitterCloseClosesSubscribers(t *testing.T) {
	m := NewMemoryEmitter(1)
	ch, _ := m.Subscribe()
	require.NoError(t, m.Close())

	_, ok := <-ch
	assert.False(t, ok)
	assert.NoError(t, m.Emit(context.Background(), Event{}))
}
