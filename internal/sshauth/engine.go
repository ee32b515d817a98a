// Package sshauth drives SSH authentication for browser-backed sessions:
// it selects auth methods per host policy and implements the
// keyboard-interactive callback that round-trips prompts to the browser
// with per-kind deadlines.
package sshauth

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Per-kind response deadlines. Warpgate continuation banners are
// auto-answered with an empty string when the user does not press Enter
// within the (shorter) window.
var (
	totpTimeout     = 60 * time.Second
	passwordTimeout = 60 * time.Second
	warpgateTimeout = 10 * time.Second
	genericTimeout  = 60 * time.Second
)

func timeoutFor(kind Kind) time.Duration {
	switch kind {
	case KindTOTP:
		return totpTimeout
	case KindPassword:
		return passwordTimeout
	case KindWarpgateContinue:
		return warpgateTimeout
	default:
		return genericTimeout
	}
}

// Prompt is one outstanding keyboard-interactive question, as surfaced to
// the browser.
type Prompt struct {
	Kind Kind
	Text string
	Echo bool
}

// Notifier delivers a prompt event to the browser. It must not block.
type Notifier func(Prompt)

// Engine owns the keyboard-interactive exchange for one session. One
// producer (the browser response) and one consumer (the SSH auth callback)
// meet at a single-slot rendezvous per outstanding prompt.
type Engine struct {
	notify Notifier

	// storedPassword, when set, auto-answers password-class prompts.
	// Used for forceKbdInteractive hosts and for jump hops where no
	// browser round-trip is possible.
	storedPassword    string
	hasStoredPassword bool

	mu        sync.Mutex
	cell      *promptCell
	cellKind  Kind
	responded bool
}

func NewEngine(notify Notifier) *Engine {
	if notify == nil {
		notify = func(Prompt) {}
	}
	return &Engine{notify: notify}
}

// SetStoredPassword makes the engine answer password prompts from the
// stored credential instead of asking the browser.
func (e *Engine) SetStoredPassword(password string) {
	e.storedPassword = password
	e.hasStoredPassword = true
}

// Responded reports whether at least one prompt was answered by the
// browser. The session uses this to defer cleanup when an auth failure
// races an outstanding prompt.
func (e *Engine) Responded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responded
}

// Outstanding reports whether a prompt is currently awaiting a response.
func (e *Engine) Outstanding() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cell != nil
}

// Respond resolves the outstanding prompt with the browser's answer.
// Returns false when there is no outstanding prompt or it already
// resolved; the late answer is discarded.
func (e *Engine) Respond(answer string) bool {
	e.mu.Lock()
	cell := e.cell
	e.mu.Unlock()

	if cell == nil {
		return false
	}
	if !cell.resolve(answer) {
		return false
	}
	e.mu.Lock()
	e.responded = true
	e.mu.Unlock()
	return true
}

// Challenge returns the ssh.KeyboardInteractiveChallenge callback bound to
// ctx. A round with zero questions finishes immediately with an empty
// answer slice, as some servers use empty rounds as a liveness probe.
func (e *Engine) Challenge(ctx context.Context) ssh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		if len(questions) == 0 {
			return []string{}, nil
		}

		answers := make([]string, len(questions))
		for i, q := range questions {
			echo := i < len(echos) && echos[i]
			kind := Classify(q, echo)

			if kind == KindPassword && e.hasStoredPassword {
				answers[i] = e.storedPassword
				continue
			}

			answer, err := e.ask(ctx, Prompt{Kind: kind, Text: q, Echo: echo})
			if err != nil {
				return nil, err
			}
			answers[i] = answer
		}
		return answers, nil
	}
}

// ask publishes one prompt to the browser and waits for its answer.
// Warpgate continuation prompts auto-answer with an empty string on
// timeout; every other kind fails the round.
func (e *Engine) ask(ctx context.Context, p Prompt) (string, error) {
	cell := newPromptCell()

	e.mu.Lock()
	e.cell = cell
	e.cellKind = p.Kind
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.cell = nil
		e.mu.Unlock()
	}()

	e.notify(p)

	answer, err := cell.await(ctx, timeoutFor(p.Kind))
	if err != nil {
		// A response racing the deadline may still land; mark the cell
		// so it is discarded instead of delivered to nobody.
		if !cell.abandon() {
			// The resolve won: take the answer after all.
			if a, raceErr := cell.await(ctx, time.Second); raceErr == nil {
				return a, nil
			}
		}
		if err == ErrPromptTimeout && p.Kind == KindWarpgateContinue {
			log.Printf("[sshauth] warpgate continuation auto-answered after %s", warpgateTimeout)
			return "", nil
		}
	}
	return answer, err
}
