package models

import "errors"

// Validation errors for models
var (
	// Loop errors
	ErrInvalidLoopID      = errors.New("loop id is required")
	ErrInvalidTotalCycles = errors.New("total cycles must be >= 1")
	ErrInvalidDecision    = errors.New("invalid decision")

	// Pipeline errors
	ErrInvalidStepID       = errors.New("pipeline step id is required")
	ErrInvalidStepRole     = errors.New("invalid pipeline step role")
	ErrMissingStepWorkflow = errors.New("only composition steps may omit a workflow")

	// Runtime record errors
	ErrRuntimeLoopMismatch = errors.New("runtime record belongs to another loop")
)
