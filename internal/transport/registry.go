package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/capitalize-ai/marketsync/internal/syncerr"
)

// Registry enforces one active session per identity. It is constructed once
// per process and handed to every Session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) acquire(identity string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[identity]; exists {
		return &syncerr.DuplicateSessionError{Identity: identity}
	}
	r.sessions[identity] = s
	return nil
}

func (r *Registry) release(identity string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[identity] == s {
		delete(r.sessions, identity)
	}
}

// Active reports whether identity currently holds a session.
func (r *Registry) Active(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[identity]
	return ok
}

// IdentityFromCredential extracts the subject of a JWT credential. The token
// is not verified here; the push server does that.
func IdentityFromCredential(credential string) (string, error) {
	if credential == "" {
		return "", errors.New("empty credential")
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(credential, claims); err != nil {
		return "", fmt.Errorf("failed to parse credential: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("credential has no subject")
	}
	return claims.Subject, nil
}
