package listener

import "context"

// Notification is one asynchronous message received on a channel.
type Notification struct {
	PID     uint32
	Channel string
	Payload string
}

// Conn is a dedicated connection able to subscribe to a channel.
type Conn interface {
	Listen(ctx context.Context, channel string) error
	// WaitForNotification blocks until a notification arrives, the
	// connection fails, or ctx is done.
	WaitForNotification(ctx context.Context) (*Notification, error)
	Close(ctx context.Context) error
}

// Connector opens a new Conn per attempt.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Conn, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Scheduler receives a drain request per notification. It must not block.
type Scheduler interface {
	ScheduleDrain()
}

// LeaseHandle is a held cross-process lease.
type LeaseHandle interface {
	Extend(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Lease acquires a cross-process lease without waiting. A lease held
// elsewhere is reported as (nil, false, nil).
type Lease interface {
	TryLock(ctx context.Context, key string) (LeaseHandle, bool, error)
}

// LeaseFunc adapts a function to Lease.
type LeaseFunc func(ctx context.Context, key string) (LeaseHandle, bool, error)

// TryLock calls f.
func (f LeaseFunc) TryLock(ctx context.Context, key string) (LeaseHandle, bool, error) {
	return f(ctx, key)
}
