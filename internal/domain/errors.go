package domain

import "errors"

// Request-scoped errors. None of them leave a session outside IDLE.
var (
	ErrBusy              = errors.New("an execution is already running for this user")
	ErrFileTooLarge      = errors.New("file too large")
	ErrSpawnFailure      = errors.New("failed to start process")
	ErrTimeout           = errors.New("execution timed out")
	ErrBlocked           = errors.New("command blocked by safety filter")
	ErrInvalidIdentifier = errors.New("invalid user identifier")
	ErrUnknownModel      = errors.New("unknown model")
	ErrInvalidFilename   = errors.New("invalid filename")
	ErrEmptyTask         = errors.New("task text is empty")
)
