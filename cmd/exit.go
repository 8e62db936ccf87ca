package cmd

import (
	"errors"
	"strconv"

	"yqhp/perfsec/pkg/types"
)

// 进程退出码
const (
	ExitPass       = 0
	ExitConfig     = 1
	ExitScanGate   = 97
	ExitThresholds = 99
	ExitCancelled  = 105
	ExitFault      = 107
)

// ExitError carries the process exit code out of a command. Err may be nil
// when the report already explains the failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return "exit status " + strconv.Itoa(e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a finished run to its exit code. An internal fault wins over
// failed thresholds, which win over cancellation and then the scan gate.
func ExitCode(r *types.RunResult) int {
	switch {
	case r == nil:
		return ExitConfig
	case r.Fault:
		return ExitFault
	case !r.ThresholdsPassed:
		return ExitThresholds
	case r.State == types.RunCancelled:
		return ExitCancelled
	case r.ScanGateFailed || r.ScanError != "":
		return ExitScanGate
	default:
		return ExitPass
	}
}

// resultError wraps the exit code of r, or nil when the run passed.
func resultError(r *types.RunResult) error {
	code := ExitCode(r)
	if code == ExitPass {
		return nil
	}
	var err error
	switch code {
	case ExitThresholds:
		err = errors.New("thresholds failed")
	case ExitScanGate:
		if r.ScanError != "" {
			err = errors.New("security scan failed: " + r.ScanError)
		} else {
			err = errors.New("security findings exceed the scan gate")
		}
	}
	return &ExitError{Code: code, Err: err}
}
