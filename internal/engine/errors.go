package engine

import "errors"

var (
	// ErrNilDefinition is returned when the engine has no definition.
	ErrNilDefinition = errors.New("test definition is nil")

	// ErrAlreadyStarted is returned when Run is called twice.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrFault marks a run cancelled by an internal invariant violation.
	ErrFault = errors.New("internal fault")
)
