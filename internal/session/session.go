// Package session tracks per-connection identity and privilege state.
package session

import (
	"sync"
	"time"

	"github.com/stratonas/middled/internal/common/cnst"
)

// CredentialKind records how a session was authenticated.
type CredentialKind string

const (
	CredentialNone     CredentialKind = "none"
	CredentialPassword CredentialKind = "password"
	CredentialAPIKey   CredentialKind = "api_key"
	CredentialToken    CredentialKind = "token"
	CredentialSystem   CredentialKind = "system"
)

// Session is the mutable authentication state of one connection. It starts
// unauthenticated and changes on login/logout; it dies with its connection.
type Session struct {
	ID          string
	ConnectedAt time.Time
	Origin      string // transport kind the connection arrived on

	mu            sync.RWMutex
	identity      string
	credential    CredentialKind
	roles         map[string]struct{}
	authenticated bool
}

// New creates an unauthenticated session.
func New(id, origin string) *Session {
	return &Session{
		ID:          id,
		ConnectedAt: time.Now(),
		Origin:      origin,
		credential:  CredentialNone,
		roles:       map[string]struct{}{},
	}
}

// Authenticate installs an identity and role set.
func (s *Session) Authenticate(identity string, kind CredentialKind, roles []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	s.credential = kind
	s.roles = make(map[string]struct{}, len(roles))
	for _, r := range roles {
		s.roles[r] = struct{}{}
	}
	s.authenticated = true
}

// Logout drops authentication; the session object survives.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = ""
	s.credential = CredentialNone
	s.roles = map[string]struct{}{}
	s.authenticated = false
}

// Authenticated reports whether a login has succeeded.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Identity returns the authenticated identity, or "" before login.
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Credential returns how the session authenticated.
func (s *Session) Credential() CredentialKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

// HasAnyRole reports whether the session holds at least one of the wanted
// roles (union semantics). An empty want list always passes, and FULL_ADMIN
// passes every check.
func (s *Session) HasAnyRole(want []string) bool {
	if len(want) == 0 {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.roles[cnst.RoleFullAdmin]; ok {
		return true
	}
	for _, r := range want {
		if _, ok := s.roles[r]; ok {
			return true
		}
	}
	return false
}

// Roles returns a copy of the held role set.
func (s *Session) Roles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.roles))
	for r := range s.roles {
		out = append(out, r)
	}
	return out
}

// Snapshot renders the session for queries and the connect handshake.
func (s *Session) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"id":            s.ID,
		"origin":        s.Origin,
		"identity":      s.identity,
		"credential":    string(s.credential),
		"authenticated": s.authenticated,
		"connected_at":  s.ConnectedAt.UTC().Format(time.RFC3339),
	}
}
