// Package cancel implements the cooperative cancellation token shared between
// a protocol session and the compute worker running its job.
package cancel

import (
	"sync/atomic"

	"github.com/loopmaker/backend/pkg/domain"
)

// Token is a set-once flag. The protocol layer calls Cancel (any goroutine,
// typically on client disconnect); the compute worker calls Check at defined
// checkpoints. Once set it is never cleared.
type Token struct {
	cancelled atomic.Bool
}

func NewToken() *Token { return &Token{} }

// Cancel marks the token. Idempotent and safe from any goroutine.
func (t *Token) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports the flag without raising.
func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Check is the worker-side checkpoint: it returns domain.ErrCancelled once the
// token is set, and nil otherwise.
func (t *Token) Check() error {
	if t.cancelled.Load() {
		return domain.ErrCancelled
	}
	return nil
}
