package execution

import "errors"

var (
	// ErrNilConfig is returned when the configuration is nil.
	ErrNilConfig = errors.New("execution mode config is nil")

	// ErrNilRunner is returned when no iteration runner is configured.
	ErrNilRunner = errors.New("iteration runner is nil")

	// ErrNilRecorder is returned when no sample recorder is configured.
	ErrNilRecorder = errors.New("sample recorder is nil")

	// ErrNoStages is returned when no stages are defined for ramping modes.
	ErrNoStages = errors.New("no stages defined for ramping mode")

	// ErrModeAlreadyRunning is returned when trying to start a mode that is already running.
	ErrModeAlreadyRunning = errors.New("execution mode is already running")

	// ErrUnknownMode is returned by the registry for unregistered mode names.
	ErrUnknownMode = errors.New("unknown execution mode")

	// ErrStopped is returned by Session calls made after the worker was asked to stop.
	ErrStopped = errors.New("virtual user is stopping")
)

// ErrInvalidDuration is returned when constant-vus has no positive duration.
var ErrInvalidDuration = errors.New("duration must be positive")
