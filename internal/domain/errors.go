package domain

import "errors"

var (
	// ErrConnectionFailure means no transport candidate could be opened.
	ErrConnectionFailure = errors.New("connection failure")
	// ErrNotConnected means a send was attempted without an open session.
	ErrNotConnected = errors.New("not connected")
	// ErrInferenceFailure means the LLM backend failed on every attempt.
	ErrInferenceFailure = errors.New("inference failure")
	// ErrStorageFailure wraps I/O errors from the history store.
	ErrStorageFailure = errors.New("storage failure")
)
