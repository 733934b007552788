package queue

import "errors"

// WorkerLostError is recorded on jobs whose worker stopped heartbeating
// during their last allowed attempt.
const WorkerLostError = "worker lost"

var (
	// ErrJobNotFound is returned when a job id is unknown to the store.
	ErrJobNotFound = errors.New("queue: job not found")

	// ErrJobExists is returned when enqueueing with an id that is already taken.
	ErrJobExists = errors.New("queue: job already exists")

	// ErrJobActive is returned when removing a job a worker currently holds.
	ErrJobActive = errors.New("queue: job is active")

	// ErrInvalidState is returned for transitions the job's state forbids.
	ErrInvalidState = errors.New("queue: invalid state transition")

	// ErrNoJob is returned by Claim when nothing is runnable.
	ErrNoJob = errors.New("queue: no runnable job")

	// ErrStoreUnavailable is returned when the durable backend cannot be reached.
	ErrStoreUnavailable = errors.New("queue: store unavailable")
)

// IsUnavailable reports whether err signals an unreachable backend.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
