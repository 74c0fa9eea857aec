package jobs

import "errors"

var (
	// ErrUnauthorized means the caller did not present the job's secret token.
	ErrUnauthorized = errors.New("invalid job token")
	// ErrInvalidTransition means the requested status is not reachable from
	// the job's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrJobActive means a job in a non-terminal status cannot be deleted.
	ErrJobActive = errors.New("job is still active")
	// ErrTileLimit means the requested tile count exceeds MaxTileCount.
	ErrTileLimit = errors.New("tile count exceeds limit")
	// ErrValidation covers malformed enqueue or callback parameters.
	ErrValidation = errors.New("invalid request")
)
