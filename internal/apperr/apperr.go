// Package apperr defines the error kinds shared by all components.
//
// Callers wrap one of the sentinels with context and classify with errors.Is.
package apperr

import "errors"

// Error kinds.
var (
	// ErrValidation marks malformed input such as a non-numeric id.
	ErrValidation = errors.New("validation")
	// ErrNotFound marks an unknown destination, subscription or module.
	ErrNotFound = errors.New("not found")
	// ErrTransport marks a remote call that failed or returned a non-2xx status.
	ErrTransport = errors.New("transport")
	// ErrProtocol marks a webhook request that failed its checks.
	ErrProtocol = errors.New("protocol")
	// ErrStorage marks a checkpoint that could not be read or written.
	ErrStorage = errors.New("storage")
)
