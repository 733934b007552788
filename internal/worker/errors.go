package worker

import "errors"

// ErrPoolClosed is returned by Start on a pool that has been closed.
var ErrPoolClosed = errors.New("worker: pool closed")

// PermanentError marks a handler failure that no retry can fix, such as a
// malformed payload. The job fails terminally regardless of attempts left.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the pool does not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
