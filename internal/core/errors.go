package core

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyQuestion rejects a request before any external call is made.
	ErrEmptyQuestion = errors.New("question cannot be empty")

	// ErrNoProfile means the user has no stored profile. For the question
	// flow this degrades to an unpersonalized answer; for the plan flow it
	// is a precondition failure.
	ErrNoProfile = errors.New("no profile found for user")

	// ErrAggregation wraps storage failures while building the
	// personalization bundle. Retryable; callers degrade rather than fail.
	ErrAggregation = errors.New("personalization aggregation failed")

	// ErrStreamNotFound is returned when a stream id does not exist or is
	// not visible to the requesting user.
	ErrStreamNotFound = errors.New("stream not found")
)

// GenerationError tags model/network failures from the generative backend
// and carries the provider status code when one was given.
type GenerationError struct {
	Code int
	Err  error
}

func (e *GenerationError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("generation failed (provider code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
