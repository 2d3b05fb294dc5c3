package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/sessions"
	"github.com/redis/go-redis/v9"

	"github.com/lstoll/oidcrp"
	"github.com/lstoll/oidcrp/oidctest"
	"github.com/lstoll/oidcrp/provision"
)

const (
	validClientID     = "valid-client-id"
	validClientSecret = "valid-client-secret"
)

type prefixProvisioner struct{}

func (prefixProvisioner) Provision(_ context.Context, c provision.Claims) (*provision.User, error) {
	return &provision.User{Username: "oidc:" + c.Subject()}, nil
}

type testApp struct {
	URL      string
	Provider *oidctest.Provider
	Handler  *Handler
}

func startApp(t *testing.T, store SessionStore, logout string) *testApp {
	t.Helper()

	p := oidctest.New(t, validClientID, validClientSecret)
	if logout != "" {
		p.EnableEndSession()
	}

	a, err := oidcrp.New(oidcrp.Config{
		URL:          p.URL,
		ClientID:     validClientID,
		ClientSecret: validClientSecret,
		Logout:       logout,
	}, prefixProvisioner{}, &oidcrp.Options{HTTPClient: p.Client()})
	if err != nil {
		t.Fatal(err)
	}

	h := &Handler{
		Authenticator: a,
		SessionStore:  store,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", h.Login)
	mux.HandleFunc("GET /callback", h.Callback)
	mux.HandleFunc("GET /logout", h.Logout)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "home")
	})
	mux.Handle("GET /protected", h.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello "+UsernameFromContext(r.Context()))
	})))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h.BaseURL = srv.URL + "/"
	h.CallbackURL = srv.URL + "/callback"

	return &testApp{URL: srv.URL, Provider: p, Handler: h}
}

func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Jar: jar}
}

func TestMiddleware_HappyPath(t *testing.T) {
	mr := miniredis.RunT(t)

	for _, tc := range []struct {
		Name  string
		Store func() SessionStore
	}{
		{
			Name: "Memory",
			Store: func() SessionStore {
				return &MemorySessionStore{CookieTemplate: &http.Cookie{Name: "portal-sid", Path: "/"}}
			},
		},
		{
			Name: "Gorilla cookie store",
			Store: func() SessionStore {
				return &GorillaSessions{Store: sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef"))}
			},
		},
		{
			Name: "Redis",
			Store: func() SessionStore {
				return &RedisSessionStore{
					Client:         redis.NewClient(&redis.Options{Addr: mr.Addr()}),
					CookieTemplate: &http.Cookie{Name: "portal-sid", Path: "/", HttpOnly: true},
				}
			},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			app := startApp(t, tc.Store(), "")
			app.Provider.SetNextLogin(oidctest.Login{Subject: "valid-subject"})
			client := newBrowser(t)

			resp, err := client.Get(app.URL + "/protected")
			if err != nil {
				t.Fatal(err)
			}
			body := checkResponse(t, resp)
			if body != "hello oidc:valid-subject" {
				t.Fatalf("wanted body %q, got %q", "hello oidc:valid-subject", body)
			}
			if got := resp.Request.URL.Path; got != "/protected" {
				t.Errorf("want to be returned to /protected, ended on %s", got)
			}

			// the session now carries the login, no further round trip
			resp, err = client.Get(app.URL + "/protected")
			if err != nil {
				t.Fatal(err)
			}
			checkResponse(t, resp)
			if got := app.Provider.Stats().Token; got != 1 {
				t.Errorf("want 1 token exchange, got %d", got)
			}
		})
	}
}

func TestMiddleware_Logout(t *testing.T) {
	store := &MemorySessionStore{CookieTemplate: &http.Cookie{Name: "portal-sid", Path: "/"}}
	app := startApp(t, store, "provider")
	client := newBrowser(t)

	resp, err := client.Get(app.URL + "/protected")
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, resp)

	var visited []*url.URL
	client.CheckRedirect = func(req *http.Request, _ []*http.Request) error {
		visited = append(visited, req.URL)
		return nil
	}

	resp, err = client.Get(app.URL + "/logout")
	if err != nil {
		t.Fatal(err)
	}
	if body := checkResponse(t, resp); body != "home" {
		t.Errorf("want to land on home after logout, got %q", body)
	}
	if len(visited) == 0 || !strings.HasPrefix(visited[0].String(), app.Provider.URL+"/logout") {
		t.Fatalf("want redirect via the provider's end session endpoint, got %v", visited)
	}
	q := visited[0].Query()
	if q.Get("id_token_hint") == "" {
		t.Error("logout should carry the id_token_hint")
	}
	if got := q.Get("post_logout_redirect_uri"); got != app.Handler.BaseURL {
		t.Errorf("want post_logout_redirect_uri %s, got %s", app.Handler.BaseURL, got)
	}
	if store.Len() != 0 {
		t.Errorf("session should be deleted, %d remain", store.Len())
	}

	// logged out, so the protected page starts a new login
	client.CheckRedirect = nil
	resp, err = client.Get(app.URL + "/protected")
	if err != nil {
		t.Fatal(err)
	}
	checkResponse(t, resp)
	if got := app.Provider.Stats().Token; got != 2 {
		t.Errorf("want a second token exchange, got %d", got)
	}
}

func TestMiddleware_CallbackFailure(t *testing.T) {
	store := &MemorySessionStore{CookieTemplate: &http.Cookie{Name: "portal-sid", Path: "/"}}
	app := startApp(t, store, "")
	client := newBrowser(t)

	resp, err := client.Get(app.URL + "/callback?code=forged&state=forged")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("want status %d, got %d", http.StatusUnauthorized, resp.StatusCode)
	}
	if got := strings.TrimSpace(string(body)); got != "authentication_error_technical" {
		t.Errorf("want generic technical message, got %q", got)
	}
	if app.Provider.Stats().Token != 0 {
		t.Error("a bad state should never reach the token endpoint")
	}
	if store.Len() != 1 {
		t.Errorf("the reset state should be saved, got %d sessions", store.Len())
	}
}

func TestMiddleware_CallbackMissingCode(t *testing.T) {
	app := startApp(t, &MemorySessionStore{CookieTemplate: &http.Cookie{Name: "portal-sid"}}, "")

	resp, err := newBrowser(t).Get(app.URL + "/callback?state=abc")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("want status %d, got %d", http.StatusInternalServerError, resp.StatusCode)
	}
	if got := strings.TrimSpace(string(body)); got != "authentication_error_admin" {
		t.Errorf("want generic admin message, got %q", got)
	}
}

func TestSafeReturnTo(t *testing.T) {
	for in, want := range map[string]string{
		"":                     "",
		"/protected?a=b":       "/protected?a=b",
		"//evil.example":       "",
		"/\\evil.example":      "",
		"https://evil.example": "",
		"relative":             "",
	} {
		if got := safeReturnTo(in); got != want {
			t.Errorf("safeReturnTo(%q): want %q, got %q", in, want, got)
		}
	}
}

func TestRedisSessionStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s := &RedisSessionStore{
		Client:         redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		CookieTemplate: &http.Cookie{Name: "sid"},
		KeyPrefix:      "test:",
		TTL:            time.Hour,
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := s.Save(rec, req, &oidcrp.SessionData{State: "st", Username: "alice"}); err != nil {
		t.Fatal(err)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("want 1 cookie, got %d", len(cookies))
	}
	key := "test:" + cookies[0].Value
	if !mr.Exists(key) {
		t.Fatalf("want key %s stored", key)
	}
	if got := mr.TTL(key); got != time.Hour {
		t.Errorf("want ttl 1h, got %s", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	got, err := s.Get(req)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "st" || got.Username != "alice" {
		t.Errorf("unexpected session %+v", got)
	}

	if err := s.Save(httptest.NewRecorder(), req, nil); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(key) {
		t.Error("session should be deleted")
	}

	got, err = s.Get(req)
	if err != nil {
		t.Fatal(err)
	}
	if *got != (oidcrp.SessionData{}) {
		t.Errorf("want empty session after delete, got %+v", got)
	}
}

func checkResponse(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.Fatalf("bad response: HTTP %d: %s", resp.StatusCode, body)
	}

	return string(body)
}
