// Package oidctest provides an in-process OpenID provider for tests. It
// implements just enough of discovery, the authorization and token endpoints,
// the JWKS and userinfo for a relying party to complete a login.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// Provider is a mock OpenID provider. Create it with New, the server is
// stopped when the test completes.
type Provider struct {
	// URL is the issuer, and the base of every endpoint.
	URL          string
	ClientID     string
	ClientSecret string

	server *httptest.Server

	mu sync.Mutex

	key *rsa.PrivateKey
	kid string
	// extraKeys are published alongside the signing keys.
	extraKeys []jose.JSONWebKey

	codes  map[string]*grant
	access map[string]map[string]any

	next Login

	// behaviour toggles
	authMethods      []string
	discoveryStatus  int
	endSession       bool
	userinfoStatus   int
	userinfoBody     []byte
	tokenErrorInBody string

	// observations
	discoveryCalls int
	jwksCalls      int
	tokenCalls     int
	userinfoCalls  int
	lastTokenForm  url.Values
	lastTokenBasic [2]string
	lastBasicOK    bool
	lastUserinfo   *http.Request
}

type grant struct {
	idClaims    map[string]any
	userinfo    map[string]any
	redirectURI string
	used        bool
}

// Login describes the user the authorization endpoint logs in.
type Login struct {
	Subject string
	// Userinfo are returned from the userinfo endpoint. sub is added if
	// missing.
	Userinfo map[string]any
	// IDClaims are merged over the standard ID token claims.
	IDClaims map[string]any
}

// New starts a provider for the given client credentials.
func New(t testing.TB, clientID, clientSecret string) *Provider {
	t.Helper()

	p := &Provider{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		codes:        map[string]*grant{},
		access:       map[string]map[string]any{},
		next:         Login{Subject: "test-subject"},
	}
	p.rotate(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("GET /auth", p.handleAuth)
	mux.HandleFunc("POST /token", p.handleToken)
	mux.HandleFunc("GET /keys", p.handleKeys)
	mux.HandleFunc("GET /userinfo", p.handleUserinfo)
	mux.HandleFunc("GET /logout", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Query().Get("post_logout_redirect_uri"), http.StatusFound)
	})

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	p.URL = p.server.URL

	return p
}

// Client returns a HTTP client for talking to the provider.
func (p *Provider) Client() *http.Client {
	return p.server.Client()
}

func (p *Provider) rotate(t testing.TB) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	p.key = key
	p.kid = randHex(8)
}

// RotateKey replaces the signing key with a new one. The old key is no
// longer published.
func (p *Provider) RotateKey(t testing.TB) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rotate(t)
}

// KeyID returns the ID of the current signing key.
func (p *Provider) KeyID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kid
}

// PublishKeys adds keys to the JWKS, alongside the signing key.
func (p *Provider) PublishKeys(keys ...jose.JSONWebKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extraKeys = append(p.extraKeys, keys...)
}

// SetAuthMethods sets the advertised token endpoint auth methods, and the
// methods the token endpoint accepts. Empty means client_secret_basic.
func (p *Provider) SetAuthMethods(methods ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authMethods = methods
}

// SetDiscoveryStatus makes discovery fail with the given status. Zero
// restores it.
func (p *Provider) SetDiscoveryStatus(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoveryStatus = code
}

// EnableEndSession advertises an end_session_endpoint.
func (p *Provider) EnableEndSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endSession = true
}

// SetUserinfoResponse overrides the userinfo response. A zero status
// restores normal behaviour.
func (p *Provider) SetUserinfoResponse(status int, body []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userinfoStatus = status
	p.userinfoBody = body
}

// SetTokenErrorInBody makes the token endpoint respond 200 with the given
// OAuth2 error code in the body. Empty restores it.
func (p *Provider) SetTokenErrorInBody(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenErrorInBody = code
}

// SetNextLogin sets the user the authorization endpoint logs in.
func (p *Provider) SetNextLogin(l Login) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = l
}

// Metadata returns the discovery document as a map.
func (p *Provider) Metadata() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadata()
}

func (p *Provider) metadata() map[string]any {
	md := map[string]any{
		"issuer":                                p.URL,
		"authorization_endpoint":                p.URL + "/auth",
		"token_endpoint":                        p.URL + "/token",
		"userinfo_endpoint":                     p.URL + "/userinfo",
		"jwks_uri":                              p.URL + "/keys",
		"response_types_supported":              []string{"code"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
	}
	if len(p.authMethods) > 0 {
		md["token_endpoint_auth_methods_supported"] = p.authMethods
	}
	if p.endSession {
		md["end_session_endpoint"] = p.URL + "/logout"
	}
	return md
}

// IDClaims returns a valid set of ID token claims for the subject.
func (p *Provider) IDClaims(sub, nonce string) map[string]any {
	now := time.Now()
	c := map[string]any{
		"iss": p.URL,
		"sub": sub,
		"aud": p.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	if nonce != "" {
		c["nonce"] = nonce
	}
	return c
}

// IssueCode registers an authorization code that redeems to an ID token with
// the given claims, and an access token returning the userinfo.
func (p *Provider) IssueCode(redirectURI string, idClaims, userinfo map[string]any) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	code := randHex(16)
	p.codes[code] = &grant{idClaims: idClaims, userinfo: userinfo, redirectURI: redirectURI}
	return code
}

// SignIDToken signs claims with the current key.
func (p *Provider) SignIDToken(t testing.TB, claims map[string]any) string {
	t.Helper()
	p.mu.Lock()
	key, kid := p.key, p.kid
	p.mu.Unlock()
	s, err := SignClaims(key, kid, claims)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// SignClaims signs claims as a compact RS256 JWT. kid is set in the header if
// it is not empty.
func SignClaims(key *rsa.PrivateKey, kid string, claims map[string]any) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key, KeyID: kid}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshaling claims: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	return jws.CompactSerialize()
}

// Stats are counts of requests served.
type Stats struct {
	Discovery, JWKS, Token, Userinfo int
}

// Stats returns the request counts so far.
func (p *Provider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Discovery: p.discoveryCalls,
		JWKS:      p.jwksCalls,
		Token:     p.tokenCalls,
		Userinfo:  p.userinfoCalls,
	}
}

// LastTokenRequest returns the form and basic auth credentials of the last
// token request. ok is false if it had no basic auth.
func (p *Provider) LastTokenRequest() (form url.Values, user, pass string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTokenForm, p.lastTokenBasic[0], p.lastTokenBasic[1], p.lastBasicOK
}

// LastUserinfoRequest returns the last userinfo request.
func (p *Provider) LastUserinfoRequest() *http.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUserinfo
}

func (p *Provider) publicKey() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       p.key.Public(),
		KeyID:     p.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoveryCalls++

	if p.discoveryStatus != 0 {
		http.Error(w, "discovery disabled", p.discoveryStatus)
		return
	}
	writeJSON(w, http.StatusOK, p.metadata())
}

func (p *Provider) handleKeys(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jwksCalls++

	keys := append([]jose.JSONWebKey{p.publicKey()}, p.extraKeys...)
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: keys})
}

func (p *Provider) handleAuth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("client_id") != p.ClientID:
		http.Error(w, "invalid client ID", http.StatusBadRequest)
		return
	case q.Get("response_type") != "code":
		http.Error(w, "invalid response_type", http.StatusBadRequest)
		return
	case !slices.Contains(strings.Fields(q.Get("scope")), "openid"):
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	}
	redirectURI := q.Get("redirect_uri")
	ru, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	l := p.next
	p.mu.Unlock()

	idc := p.IDClaims(l.Subject, q.Get("nonce"))
	maps.Copy(idc, l.IDClaims)
	ui := map[string]any{"sub": l.Subject}
	maps.Copy(ui, l.Userinfo)
	code := p.IssueCode(redirectURI, idc, ui)

	rq := ru.Query()
	rq.Set("code", code)
	rq.Set("state", q.Get("state"))
	ru.RawQuery = rq.Encode()
	http.Redirect(w, r, ru.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenCalls++

	user, pass, basic := r.BasicAuth()
	p.lastTokenForm = r.PostForm
	p.lastTokenBasic = [2]string{user, pass}
	p.lastBasicOK = basic

	// Basic credentials are compared as sent, without form decoding.
	if !basic {
		user, pass = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	allowBasic := len(p.authMethods) == 0 || slices.Contains(p.authMethods, "client_secret_basic")
	allowPost := slices.Contains(p.authMethods, "client_secret_post")
	if (basic && !allowBasic) || (!basic && !allowPost) || user != p.ClientID || pass != p.ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	g, ok := p.codes[r.PostForm.Get("code")]
	if !ok || g.used {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "unknown or used code"})
		return
	}
	if r.PostForm.Get("redirect_uri") != g.redirectURI {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "redirect_uri mismatch"})
		return
	}
	g.used = true

	if p.tokenErrorInBody != "" {
		writeJSON(w, http.StatusOK, map[string]string{"error": p.tokenErrorInBody})
		return
	}

	idt, err := SignClaims(p.key, p.kid, g.idClaims)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	at := randHex(16)
	p.access[at] = g.userinfo

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": at,
		"token_type":   "Bearer",
		"expires_in":   300,
		"id_token":     idt,
	})
}

func (p *Provider) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userinfoCalls++
	p.lastUserinfo = r.Clone(r.Context())

	if p.userinfoStatus != 0 {
		w.WriteHeader(p.userinfoStatus)
		_, _ = w.Write(p.userinfoBody)
		return
	}

	const prefix = "Bearer "
	authz := r.Header.Get("Authorization")
	if len(authz) <= len(prefix) || authz[:len(prefix)] != prefix {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_request"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	claims, ok := p.access[authz[len(prefix):]]
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
