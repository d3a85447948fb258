package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrRunInProgress indicates another batch run holds the lock.
	ErrRunInProgress = errors.New("run already in progress")
)
