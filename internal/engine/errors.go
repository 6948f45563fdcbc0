package engine

import "errors"

var (
	// ErrValidation means the caller sent a malformed request; nothing changed.
	ErrValidation = errors.New("validation error")
	// ErrUnauthorized means the requester may not read or unlock the subject.
	ErrUnauthorized = errors.New("not authorized for subject")
	// ErrSubjectNotFound means no profile is registered for the subject.
	ErrSubjectNotFound = errors.New("subject not found")
)
