package job

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrInvalidParams     = errors.New("invalid job params")
	ErrJobNotActive      = errors.New("job is not running or paused")
	ErrNoFailedBatches   = errors.New("no failed batches for wallet")
	ErrNoBatchErrorStore = errors.New("batch error store not configured")
)

// InvalidTransitionError is returned when a lifecycle call does not match the
// job's current status. It wraps ErrInvalidTransition.
type InvalidTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot move from %s to %s", e.JobID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}
