package pubsub

import "fmt"

// ErrTransport wraps a pub/sub transport failure. Not fatal: the broker
// reconnects on its own and subscribers resync via the OnReconnect hooks.
type ErrTransport struct {
	Op    string
	Cause error
}

func (e *ErrTransport) Error() string {
	return fmt.Sprintf("pubsub: transport %s failed: %v", e.Op, e.Cause)
}

func (e *ErrTransport) Unwrap() error { return e.Cause }
