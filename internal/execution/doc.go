// Package execution drives virtual users over a staged profile. The scheduler
// owns the live-worker registry and the run state machine; workers run the
// caller's iteration strategy and report samples through their Session.
package execution
