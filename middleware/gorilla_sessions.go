package middleware

import (
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/lstoll/oidcrp"
)

const (
	defaultSessionName = "portal-sso"

	sessionKeyOIDCState    = "oidc_state"
	sessionKeyOIDCNonce    = "oidc_nonce"
	sessionKeyOIDCIDToken  = "oidc_id_token"
	sessionKeyOIDCLastURI  = "oidcLastUri"
	sessionKeyOIDCReturnTo = "oidc_return_to"
	sessionKeyUsername     = "username"
)

// GorillaSessions stores the session data in a gorilla sessions store, for
// example a signed and encrypted cookie store.
type GorillaSessions struct {
	// Store is the gorilla sessions store to use
	Store sessions.Store
	// SessionName is a name used for the session, If not set, a default is used.
	SessionName string
}

func (g *GorillaSessions) Get(r *http.Request) (*oidcrp.SessionData, error) {
	if g.Store == nil {
		return nil, fmt.Errorf("store must be set")
	}

	session, err := g.Store.Get(r, g.name())
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", g.name(), err)
	}

	str := func(k string) string {
		v, _ := session.Values[k].(string)
		return v
	}

	return &oidcrp.SessionData{
		State:    str(sessionKeyOIDCState),
		Nonce:    str(sessionKeyOIDCNonce),
		IDToken:  str(sessionKeyOIDCIDToken),
		LastURI:  str(sessionKeyOIDCLastURI),
		ReturnTo: str(sessionKeyOIDCReturnTo),
		Username: str(sessionKeyUsername),
	}, nil
}

func (g *GorillaSessions) Save(w http.ResponseWriter, r *http.Request, d *oidcrp.SessionData) error {
	if g.Store == nil {
		return fmt.Errorf("store must be set")
	}

	// an undecodable cookie still gives us a fresh session to overwrite it with
	session, _ := g.Store.Get(r, g.name())
	if d == nil {
		if session.Options == nil {
			session.Options = &sessions.Options{}
		}
		session.Options.MaxAge = -1
		clear(session.Values)
	} else {
		for k, v := range map[string]string{
			sessionKeyOIDCState:    d.State,
			sessionKeyOIDCNonce:    d.Nonce,
			sessionKeyOIDCIDToken:  d.IDToken,
			sessionKeyOIDCLastURI:  d.LastURI,
			sessionKeyOIDCReturnTo: d.ReturnTo,
			sessionKeyUsername:     d.Username,
		} {
			if v == "" {
				delete(session.Values, k)
				continue
			}
			session.Values[k] = v
		}
	}

	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (g *GorillaSessions) name() string {
	if g.SessionName == "" {
		return defaultSessionName
	}
	return g.SessionName
}
