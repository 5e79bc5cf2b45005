package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("spankv: not found")
	ErrClosed          = errors.New("spankv: closed")
	ErrInvalidArgument = errors.New("spankv: invalid argument")

	// Consensus availability.
	ErrNotLeader   = errors.New("spankv: not the leader")
	ErrUnavailable = errors.New("spankv: no quorum available")

	// Transaction outcomes. All three are retryable by the client.
	ErrLockConflict  = errors.New("spankv: lock conflict")
	ErrDeadlock      = errors.New("spankv: deadlock detected")
	ErrWriteConflict = errors.New("spankv: write conflict")

	ErrTxnFinished = errors.New("spankv: transaction already finished")
)

// Retryable reports whether the client may safely retry the whole
// transaction after backing off.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockConflict) ||
		errors.Is(err, ErrDeadlock) ||
		errors.Is(err, ErrWriteConflict)
}
