package sshauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ErrPromptTimeout is returned when no browser response arrives before the
// prompt deadline.
var ErrPromptTimeout = errors.New("prompt timed out")

// promptCell is a single-slot rendezvous between one producer (the browser
// response) and one consumer (the keyboard-interactive callback).
//
// A cell ends in exactly one of two states: resolved (an answer was
// delivered) or abandoned (the consumer gave up, typically on deadline).
// A response arriving after abandonment is discarded silently — that is an
// ordinary race. Resolving an already-resolved cell is a programming
// error: it panics under `go test` and is dropped in production.
type promptCell struct {
	mu        sync.Mutex
	resolved  bool
	abandoned bool
	ch        chan string
}

func newPromptCell() *promptCell {
	return &promptCell{ch: make(chan string, 1)}
}

// resolve delivers the answer. Returns false when the answer is discarded
// (cell abandoned, or a second resolve).
func (c *promptCell) resolve(answer string) bool {
	c.mu.Lock()
	if c.abandoned {
		c.mu.Unlock()
		return false
	}
	if c.resolved {
		c.mu.Unlock()
		if testing.Testing() {
			panic("sshauth: prompt resolved twice")
		}
		return false
	}
	c.resolved = true
	c.mu.Unlock()

	c.ch <- answer
	return true
}

// abandon marks the cell dead so that a response arriving after the
// deadline is discarded rather than delivered. Returns false if a resolve
// won the race first.
func (c *promptCell) abandon() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved || c.abandoned {
		return false
	}
	c.abandoned = true
	return true
}

// await blocks until the answer arrives, the deadline passes, or the
// context is cancelled.
func (c *promptCell) await(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case answer := <-c.ch:
		return answer, nil
	case <-timer.C:
		return "", ErrPromptTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
