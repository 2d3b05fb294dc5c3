package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/lstoll/oidcrp"
)

type usernameContextKey struct{}

var baseLogAttr = slog.String("component", "oidc-middleware")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// SessionStore are used for managing state across requests.
type SessionStore interface {
	// Get should always return a valid, usable session. If the session does not
	// exist, it should be empty. error indicates that there was a failure that
	// we should not proceed from.
	Get(*http.Request) (*oidcrp.SessionData, error)
	// Save should store the updated session. If the session data is nil, the
	// session should be deleted.
	Save(http.ResponseWriter, *http.Request, *oidcrp.SessionData) error
}

// Handler serves the login, callback and logout endpoints for an
// Authenticator, and can protect other handlers.
type Handler struct {
	// Authenticator performs the login. Required.
	Authenticator *oidcrp.Authenticator
	// SessionStore are used for managing state that we need to persist across
	// requests. Required.
	SessionStore SessionStore
	// BaseURL is where users are sent after login when there is nowhere safe
	// to return them to, and after logout.
	BaseURL string
	// CallbackURL is the absolute URL the Callback handler is served on.
	CallbackURL string
	// LoginPath is the path the Login handler is served on, used by Wrap.
	// Defaults to /login.
	LoginPath string
	Logger    *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return h.Logger
}

// Login starts an authentication flow, redirecting the user to the provider.
// A relative return_to query parameter is remembered for after the login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	session, ok := h.getSession(w, r)
	if !ok {
		return
	}

	session.ReturnTo = safeReturnTo(r.URL.Query().Get("return_to"))

	authURL, err := h.Authenticator.SessionInitiator(r.Context(), session, h.CallbackURL)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.SessionStore.Save(w, r, session); err != nil {
		h.logger().ErrorContext(r.Context(), "Failed to save session", baseLogAttr, errAttr(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, authURL, http.StatusSeeOther)
}

// Callback completes the flow the provider redirects back to.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	session, ok := h.getSession(w, r)
	if !ok {
		return
	}

	_, authErr := h.Authenticator.Authenticate(r.Context(), session, r.URL.Query())

	returnTo := session.ReturnTo
	if authErr == nil {
		session.ReturnTo = ""
	}

	// the state is reset even on failure, which has to be persisted
	if err := h.SessionStore.Save(w, r, session); err != nil {
		h.logger().ErrorContext(r.Context(), "Failed to save session", baseLogAttr, errAttr(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	if authErr != nil {
		h.fail(w, r, authErr)
		return
	}

	if returnTo == "" {
		returnTo = h.BaseURL
	}
	http.Redirect(w, r, returnTo, http.StatusSeeOther)
}

// Logout clears the local session, and redirects to the provider's end
// session endpoint if one is configured.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	session, ok := h.getSession(w, r)
	if !ok {
		return
	}

	dest, err := h.Authenticator.LogoutURL(r.Context(), session, h.BaseURL)
	if err != nil {
		h.logger().WarnContext(r.Context(), "Failed to build provider logout URL, logging out locally", baseLogAttr, errAttr(err))
		dest = h.BaseURL
	}

	if err := h.SessionStore.Save(w, r, nil); err != nil {
		h.logger().ErrorContext(r.Context(), "Failed to clear session", baseLogAttr, errAttr(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, dest, http.StatusSeeOther)
}

// Wrap returns an http.Handler that only serves next for logged in users.
// Other users are sent to log in, and returned to the page afterwards.
func (h *Handler) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, ok := h.getSession(w, r)
		if !ok {
			return
		}

		if session.Username != "" && session.IDToken != "" {
			r = r.WithContext(context.WithValue(r.Context(), usernameContextKey{}, session.Username))
			next.ServeHTTP(w, r)
			return
		}

		lp := h.LoginPath
		if lp == "" {
			lp = "/login"
		}
		if r.Method == http.MethodGet {
			lp += "?return_to=" + url.QueryEscape(r.URL.RequestURI())
		}
		http.Redirect(w, r, lp, http.StatusSeeOther)
	})
}

// UsernameFromContext returns the logged in username for requests served
// through Wrap.
func UsernameFromContext(ctx context.Context) string {
	u, _ := ctx.Value(usernameContextKey{}).(string)
	return u
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) (*oidcrp.SessionData, bool) {
	if h.SessionStore == nil {
		h.logger().ErrorContext(r.Context(), "Uninitialized session store", baseLogAttr)
		http.Error(w, "Uninitialized session store", http.StatusInternalServerError)
		return nil, false
	}
	session, err := h.SessionStore.Get(r)
	if err != nil {
		h.logger().ErrorContext(r.Context(), "Failed to get session", baseLogAttr, errAttr(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return nil, false
	}
	return session, true
}

// fail writes the generic message for an authentication error. The details
// were logged by the authenticator.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ae *oidcrp.AuthError
	if !errors.As(err, &ae) {
		h.logger().ErrorContext(r.Context(), "Unexpected error", baseLogAttr, errAttr(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	code := http.StatusUnauthorized
	if ae.Kind == oidcrp.KindAdminConfiguration {
		code = http.StatusInternalServerError
	}
	http.Error(w, ae.Message, code)
}

// safeReturnTo only allows local paths, so the login can't be used as an open
// redirect.
func safeReturnTo(s string) string {
	if !strings.HasPrefix(s, "/") || strings.HasPrefix(s, "//") || strings.HasPrefix(s, "/\\") {
		return ""
	}
	return s
}
