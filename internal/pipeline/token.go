package pipeline

import (
	"errors"
	"sync"
)

// ErrCancelled is returned by a stage that observed a cancellation request.
// It is a signal, not a failure: the driver records it as cancelled.
var ErrCancelled = errors.New("job cancelled")

// Token carries a cancellation request from the worker to the running
// stages. It is safe for concurrent use and may be cancelled more than once.
type Token struct {
	once sync.Once
	done chan struct{}
}

func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

func (t *Token) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Done is closed once the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Check returns ErrCancelled once the token is cancelled. Long stages call
// it between units of work.
func (t *Token) Check() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}
