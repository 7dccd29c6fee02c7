package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	events []Event
	failOn error
}

func (r *recordingEmitter) Emit(_ context.Context, ev Event) error {
	if r.failOn != nil {
		return r.failOn
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) Close() error { return nil }

func TestFanoutEmitterPublishesToEveryEmitter(t *testing.T) {
	a := &recordingEmitter{}
	b := &recordingEmitter{}
	f := NewFanoutEmitter(a, b)

	ev := Event{Type: TypePlanSubmitted, Subject: "plan-1"}
	require.NoError(t, f.Emit(context.Background(), ev))

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, ev, a.events[0])
	assert.Equal(t, ev, b.events[0])
}

func TestFanoutEmitterStopsAtFirstError(t *testing.T) {
	failing := &recordingEmitter{failOn: errors.New("boom")}
	after := &recordingEmitter{}
	f := NewFanoutEmitter(failing, after)

	err := f.Emit(context.Background(), Event{Type: TypePlanSubmitted})
	assert.Error(t, err)
	assert.Empty(t, after.events)
}
