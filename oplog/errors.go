package oplog

import "fmt"

// ErrInvalidOp is returned by Submit when an operation is structurally
// invalid. Not retryable; the client must fix the operation.
type ErrInvalidOp struct {
	Reason string
}

func (e *ErrInvalidOp) Error() string {
	return fmt.Sprintf("oplog: invalid operation: %s", e.Reason)
}
