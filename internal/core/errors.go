// Package core defines the rule and packet model shared by every component,
// together with its sentinel errors.
package core

import "errors"

// Sentinel errors. Callers match them with errors.Is; producers wrap them
// with fmt.Errorf("...: %w", err) to add context.
var (
	// Rule store errors
	ErrPersistence = errors.New("netwarden: rule persistence failed")
	ErrIndex       = errors.New("netwarden: rule index out of range")

	// Rule validation errors
	ErrValidation = errors.New("netwarden: invalid rule")

	// Kernel filter errors
	ErrReconcile = errors.New("netwarden: filter reconcile failed")

	// Capture errors
	ErrSourceClosed = errors.New("netwarden: capture source closed")

	// Configuration errors
	ErrConfigInvalid = errors.New("netwarden: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("netwarden: daemon not running")
)
