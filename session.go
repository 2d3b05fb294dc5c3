package oidcrp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SessionData is the per-browser-session state the authenticator relies on.
// Hosts persist it between the login and callback requests, it must not be
// shared between sessions.
type SessionData struct {
	// State is echoed back on the callback and protects against CSRF.
	State string `json:"oidc_state,omitempty"`
	// Nonce is bound into the ID token, and cleared once the token has been
	// checked against it.
	Nonce string `json:"oidc_nonce,omitempty"`
	// IDToken is the raw ID token from the last successful login, used as the
	// hint when logging out at the provider.
	IDToken string `json:"oidc_id_token,omitempty"`
	// LastURI is the redirect URI the current flow was started with. The token
	// exchange must send the identical value.
	LastURI string `json:"oidcLastUri,omitempty"`
	// ReturnTo is where the user is sent after a successful login.
	ReturnTo string `json:"oidc_return_to,omitempty"`
	// Username is the local identity key of the logged in user.
	Username string `json:"username,omitempty"`
}

// EnsureState makes sure a state and nonce exist for the session, creating
// them if needed. When reset is true, a new state is always generated.
func (s *SessionData) EnsureState(reset bool) error {
	if s.State == "" || reset {
		v, err := randomToken()
		if err != nil {
			return err
		}
		s.State = v
	}
	if s.Nonce == "" {
		v, err := randomToken()
		if err != nil {
			return err
		}
		s.Nonce = v
	}
	return nil
}

// CurrentState returns the state value for the session.
func (s *SessionData) CurrentState() string {
	return s.State
}

// CurrentNonce returns the nonce value for the session.
func (s *SessionData) CurrentNonce() string {
	return s.Nonce
}

// ClearNonce discards the nonce, so an ID token bound to it can't be replayed.
func (s *SessionData) ClearNonce() {
	s.Nonce = ""
}

// randomToken hashes 256 bits from the system CSPRNG into a fixed length hex
// value.
func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:]), nil
}
