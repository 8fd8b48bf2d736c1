package controllers

import (
	"errors"
	"net/http"

	"github.com/loopmaker/backend/pkg/domain"
)

// statusForError maps the domain error taxonomy onto HTTP status codes at the
// protocol boundary. Anything unrecognized is an internal error.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
