package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/m1k1o/go-streamproxy/pkg/errs"
)

// Session is a single in-flight proxied request.
type Session struct {
	Token   string
	Started time.Time

	registry *Registry
	cancel   context.CancelCauseFunc
	once     sync.Once
}

// Cancel aborts the work bound to the session. It does not remove the
// session, Close does.
func (s *Session) Cancel(cause error) {
	s.cancel(cause)
}

// Close releases the session context and removes the session from its
// registry. Calling it more than once is a no-op.
func (s *Session) Close() {
	s.once.Do(func() {
		s.cancel(context.Canceled)
		s.registry.remove(s)
	})
}

// Registry tracks in-flight requests by session token. One token may cover
// many concurrent requests, a whole playback shares the token of its
// master playlist.
type Registry struct {
	logger zerolog.Logger

	sessions   map[string]map[*Session]struct{}
	sessionsMu sync.Mutex
}

func New() *Registry {
	return &Registry{
		logger:   log.With().Str("module", "sessions").Logger(),
		sessions: map[string]map[*Session]struct{}{},
	}
}

// NewToken returns a random session token.
func NewToken() string {
	return uuid.NewString()
}

// Register binds a new request to token and returns a context derived from
// ctx that is cancelled together with the token. Requests already running
// under the same token are left alone.
func (r *Registry) Register(ctx context.Context, token string) (context.Context, *Session) {
	if token == "" {
		token = NewToken()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	session := &Session{
		Token:    token,
		Started:  time.Now(),
		registry: r,
		cancel:   cancel,
	}

	r.sessionsMu.Lock()
	handles, found := r.sessions[token]
	if !found {
		handles = map[*Session]struct{}{}
		r.sessions[token] = handles
	}
	handles[session] = struct{}{}
	r.sessionsMu.Unlock()

	return ctx, session
}

// Cancel aborts every request registered under token and reports whether
// any was found.
func (r *Registry) Cancel(token string) bool {
	r.sessionsMu.Lock()
	handles, found := r.sessions[token]
	delete(r.sessions, token)
	r.sessionsMu.Unlock()

	if !found {
		return false
	}

	r.logger.Debug().Str("token", token).Int("requests", len(handles)).Msg("session cancelled")
	for session := range handles {
		session.Cancel(errs.ErrClientCancelled)
	}
	return true
}

func (r *Registry) Has(token string) bool {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	_, found := r.sessions[token]
	return found
}

// Len returns the number of active tokens.
func (r *Registry) Len() int {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	return len(r.sessions)
}

// Requests returns the number of in-flight requests under token.
func (r *Registry) Requests(token string) int {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	return len(r.sessions[token])
}

// Shutdown cancels every active session.
func (r *Registry) Shutdown() {
	r.sessionsMu.Lock()
	sessions := r.sessions
	r.sessions = map[string]map[*Session]struct{}{}
	r.sessionsMu.Unlock()

	for _, handles := range sessions {
		for session := range handles {
			session.Cancel(errs.ErrClientCancelled)
		}
	}
}

// remove deletes only the handle of session, the token stays registered
// while other requests still use it.
func (r *Registry) remove(session *Session) {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	handles, ok := r.sessions[session.Token]
	if !ok {
		return
	}

	delete(handles, session)
	if len(handles) == 0 {
		delete(r.sessions, session.Token)
	}
}
