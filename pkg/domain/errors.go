package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Protocol handlers map these to status codes with errors.Is;
// everything else is treated as an internal failure.
var (
	// ErrValidation covers bad request shape, unknown models, duration or
	// batch limits, and missing source audio. Surfaced before a job starts,
	// never retried.
	ErrValidation = errors.New("validation error")

	// ErrModelUnavailable means the readiness/download collaborator failed;
	// distinct from an internal failure so clients can show "service not
	// ready".
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrGeneration means the engine reported failure or returned no audio.
	ErrGeneration = errors.New("generation failed")

	// ErrCancelled is the cooperative-cancellation condition. It is a silent
	// terminal state from the client's perspective.
	ErrCancelled = errors.New("generation cancelled")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Unavailablef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrModelUnavailable, fmt.Sprintf(format, args...))
}

func Generationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrGeneration, fmt.Sprintf(format, args...))
}
