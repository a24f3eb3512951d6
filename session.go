package objectbase

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SessionState is the authentication state of a Session.
type SessionState int

const (
	SessionAnonymous SessionState = iota
	SessionAuthenticating
	SessionAuthenticated
)

func (s SessionState) String() string {
	switch s {
	case SessionAuthenticating:
		return "authenticating"
	case SessionAuthenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// User is the signed-in principal of a session.
type User struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email,omitempty"`
	Role  string    `json:"role,omitempty"`
}

// IsAdmin reports whether the user may run admin tooling.
func (u User) IsAdmin() bool { return u.Role == "admin" }

// Session tracks authentication explicitly instead of through a global
// subscription. It is safe for concurrent use.
type Session struct {
	mu    sync.RWMutex
	state SessionState
	user  User
}

// NewSession returns an anonymous session.
func NewSession() *Session {
	return &Session{}
}

// AuthenticatedSession returns a session already signed in as user.
func AuthenticatedSession(user User) *Session {
	return &Session{state: SessionAuthenticated, user: user}
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// User returns the signed-in user, if any.
func (s *Session) User() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != SessionAuthenticated {
		return User{}, false
	}
	return s.user, true
}

// Begin moves Anonymous to Authenticating.
func (s *Session) Begin() error {
	return s.transition(SessionAnonymous, SessionAuthenticating, User{})
}

// Complete moves Authenticating to Authenticated.
func (s *Session) Complete(user User) error {
	if user.ID == uuid.Nil {
		return NewValidationError("user.id", "authenticated user must have an id")
	}
	return s.transition(SessionAuthenticating, SessionAuthenticated, user)
}

// Fail moves Authenticating back to Anonymous.
func (s *Session) Fail() error {
	return s.transition(SessionAuthenticating, SessionAnonymous, User{})
}

// SignOut drops to Anonymous from any state.
func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionAnonymous
	s.user = User{}
}

func (s *Session) transition(from, to SessionState, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return NewError(ErrorTypeValidation, ErrCodeInvalidTransition,
			fmt.Sprintf("cannot move session from %s to %s", s.state, to))
	}
	s.state = to
	s.user = user
	return nil
}

type sessionKey struct{}

// WithSession attaches s to ctx.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session in ctx, or a fresh anonymous one.
func SessionFromContext(ctx context.Context) *Session {
	if s, ok := ctx.Value(sessionKey{}).(*Session); ok && s != nil {
		return s
	}
	return NewSession()
}

// RequireUser returns the authenticated user of ctx or an unauthenticated error.
func RequireUser(ctx context.Context) (User, error) {
	if u, ok := SessionFromContext(ctx).User(); ok {
		return u, nil
	}
	return User{}, NewUnauthenticatedError()
}
