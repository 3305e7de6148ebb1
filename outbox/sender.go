package outbox

import "context"

// Sender hands a batch of events to the bus. It must fail the whole call on
// any transport or auth error; partial success is not modeled.
//
//go:generate mockgen --destination=sender_mock.go --package=outbox . Sender
type Sender interface {
	Send(ctx context.Context, events []Event) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, events []Event) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, events []Event) error {
	return f(ctx, events)
}
