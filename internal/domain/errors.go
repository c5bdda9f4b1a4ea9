package domain

import "errors"

// Error taxonomy shared by the staging, commit and push services. Callers wrap these with context using
// fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInvalidState     = errors.New("invalid state")
	ErrImmutable        = errors.New("change is immutable")
	ErrAlreadyCommitted = errors.New("change already committed")
	ErrAuthRequired     = errors.New("authentication required")
	ErrBackendFailure   = errors.New("backend failure")
)
