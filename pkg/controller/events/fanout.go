package events

import "context"

// FanoutEmitter publishes each Event to every wrapped Emitter in order,
// stopping at the first error.
type FanoutEmitter struct {
	emitters []Emitter
}

// NewFanoutEmitter builds a FanoutEmitter over emitters.
func NewFanoutEmitter(emitters ...Emitter) *FanoutEmitter {
	return &FanoutEmitter{emitters: emitters}
}

// Emit implements Emitter.
func (f *FanoutEmitter) Emit(ctx context.Context, ev Event) error {
	for _, e := range f.emitters {
		if err := e.Emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every wrapped Emitter, returning the first error encountered.
func (f *FanoutEmitter) Close() error {
	var first error
	for _, e := range f.emitters {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
