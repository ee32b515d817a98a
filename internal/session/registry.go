package session

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrCapExceeded is returned when a user already holds their allowed number
// of sessions.
var ErrCapExceeded = errors.New("session cap exceeded")

// Registry tracks live sessions and enforces per-user caps atomically, so
// two simultaneous connects cannot both slip under the limit.
type Registry struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	maxTerminals int
	maxPerUser   int
}

func NewRegistry(maxTerminals, maxPerUser int) *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		maxTerminals: maxTerminals,
		maxPerUser:   maxPerUser,
	}
}

// Create reserves a registry slot and returns the new session. The cap
// check and the insert happen under one lock.
func (r *Registry) Create(userID uint, kind SessionKind, ws Conn, deps Deps) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total, terminals int
	for _, s := range r.sessions {
		if s.UserID != userID {
			continue
		}
		total++
		if s.Kind == KindTerminal {
			terminals++
		}
	}
	if r.maxPerUser > 0 && total >= r.maxPerUser {
		return nil, newError(KindSessionCapExceeded, "Too many open sessions. Close one and try again.", ErrCapExceeded)
	}
	if kind == KindTerminal && r.maxTerminals > 0 && terminals >= r.maxTerminals {
		return nil, newError(KindSessionCapExceeded, "Terminal session limit reached. Close a terminal and try again.", ErrCapExceeded)
	}

	s := &Session{
		ID:       uuid.New().String(),
		UserID:   userID,
		Kind:     kind,
		deps:     deps,
		registry: r,
		ws:       ws,
		state:    StateStarting,
	}
	r.sessions[s.ID] = s
	return s, nil
}

func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Cancel tears down one session; unknown ids are a no-op.
func (r *Registry) Cancel(id string) {
	if s, ok := r.Lookup(id); ok {
		s.close(newError(KindCancelled, "Session cancelled.", nil))
	}
}

// ForUser returns the user's live sessions in no particular order.
func (r *Registry) ForUser(userID uint) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Shutdown closes every live session with a shutdown notice. Sessions are
// closed in parallel but bounded, and the context caps the whole sweep.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	if len(live) == 0 {
		return
	}
	log.Printf("[registry] shutting down %d sessions", len(live))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, s := range live {
		s := s
		g.Go(func() error {
			s.close(newError(KindShutdown, "The server is shutting down.", nil))
			return nil
		})
	}
	g.Wait()
}
