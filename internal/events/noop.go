package events

import "context"

// NoopEmitter drops every event. Used when emission is disabled.
type NoopEmitter struct{}

func (NoopEmitter) Emit(ctx context.Context, event Event) error {
	return nil
}
