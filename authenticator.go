// Package oidcrp is an OpenID Connect relying party for the authorization code
// flow. It starts logins, handles the provider's callback by exchanging the
// code and verifying the ID token, provisions a local user from the userinfo
// claims, and builds provider logout URLs.
package oidcrp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/lstoll/oidcrp/discovery"
	"github.com/lstoll/oidcrp/metrics"
	"github.com/lstoll/oidcrp/provision"
	"github.com/lstoll/oidcrp/tokencache"
)

// AuthMethodParam is appended to the redirect URI, so hosts that proxy several
// authentication methods can route the callback.
const AuthMethodParam = "auth_method=OpenIDConnect"

// Phase is a step of a login.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAwaitingCallback Phase = "awaiting_callback"
	PhaseValidating       Phase = "validating"
	PhaseProvisioned      Phase = "provisioned"
	PhaseFailed           Phase = "failed"
)

// Provisioner maps userinfo claims to a local user.
type Provisioner interface {
	Provision(ctx context.Context, claims provision.Claims) (*provision.User, error)
}

// Options configure an Authenticator. All fields are optional.
type Options struct {
	// HTTPClient is used for all requests to the provider. Defaults to
	// http.DefaultClient. Timeouts and retries are its responsibility.
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	// JWKSCacheDuration overrides how long signing keys are cached.
	JWKSCacheDuration time.Duration
	// CodeCacheDuration overrides how long exchanged tokens are remembered
	// per authorization code.
	CodeCacheDuration time.Duration
}

// Authenticator is the relying party for a single provider. It is safe for
// concurrent use, per-login state lives in the SessionData passed to each
// call.
type Authenticator struct {
	cfg      Config
	resolver *discovery.Resolver
	keys     *discovery.KeySetCache
	verifier *Verifier
	codes    *tokencache.Cache
	prov     Provisioner

	tokenHC    *http.Client
	userinfoHC *http.Client

	logger *slog.Logger
	m      *metrics.Metrics
	now    func() time.Time
}

// New creates an Authenticator. The configuration is validated once, here. No
// requests are made to the provider until they are needed.
func New(cfg Config, prov Provisioner, opts *Options) (*Authenticator, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "oidcrp")

	a := &Authenticator{
		cfg:        cfg,
		prov:       prov,
		codes:      tokencache.New(opts.CodeCacheDuration),
		tokenHC:    opts.Metrics.InstrumentClient(hc, metrics.EndpointToken),
		userinfoHC: opts.Metrics.InstrumentClient(hc, metrics.EndpointUserinfo),
		logger:     logger,
		m:          opts.Metrics,
		now:        time.Now,
	}

	a.resolver = discovery.NewResolver(cfg.URL,
		discovery.WithHTTPClient(opts.Metrics.InstrumentClient(hc, metrics.EndpointDiscovery)),
		discovery.WithStaticMetadata(cfg.StaticMetadata()),
		discovery.WithLogger(logger),
	)

	ksOpts := []discovery.KeySetOpt{
		discovery.WithKeySetHTTPClient(opts.Metrics.InstrumentClient(hc, metrics.EndpointJWKS)),
		discovery.WithKeySetLogger(logger),
	}
	if opts.JWKSCacheDuration > 0 {
		ksOpts = append(ksOpts, discovery.WithJWKSCacheDuration(opts.JWKSCacheDuration))
	}
	a.keys = discovery.NewKeySetCache(a.resolver, ksOpts...)
	a.verifier = NewVerifier(a.keys)

	return a, nil
}

// Metadata returns the resolved provider metadata. Missing required fields
// are an AdminConfigurationError.
func (a *Authenticator) Metadata(ctx context.Context) (*discovery.ProviderMetadata, error) {
	md, err := a.resolver.Metadata(ctx)
	if err != nil {
		if errors.Is(err, discovery.ErrMissingMetadata) {
			return nil, adminError("resolving provider metadata", err)
		}
		return nil, technicalError("resolving provider metadata", err)
	}
	return md, nil
}

// SessionInitiator starts a login, returning the provider authorization URL
// to redirect the user to. target is the callback URL, it has the auth method
// parameter appended and is remembered in the session if the session has no
// redirect URI yet.
func (a *Authenticator) SessionInitiator(ctx context.Context, sess *SessionData, target string) (string, error) {
	md, err := a.Metadata(ctx)
	if err != nil {
		return "", err
	}
	if err := sess.EnsureState(false); err != nil {
		return "", technicalError("generating state", err)
	}

	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	targetURI := target + sep + AuthMethodParam
	if sess.LastURI == "" && target != "" {
		sess.LastURI = targetURI
	}

	// the token exchange sends the session's redirect URI, so the
	// authorization request uses the same value.
	authURL := a.oauth2Config(md, sess.LastURI).AuthCodeURL(
		sess.CurrentState(),
		oauth2.SetAuthURLParam("nonce", sess.CurrentNonce()),
	)

	a.m.LoginInitiated()
	a.logger.DebugContext(ctx, "login initiated", slog.String("phase", string(PhaseAwaitingCallback)))

	return authURL, nil
}

// Authenticate handles the provider's callback. On success the user is
// provisioned and returned, and the ID token is kept in the session for
// logout. The session is always modified, and must be saved whether or not an
// error is returned.
func (a *Authenticator) Authenticate(ctx context.Context, sess *SessionData, query url.Values) (*provision.User, error) {
	u, err := a.authenticate(ctx, sess, query)
	switch KindOf(err) {
	case "":
		a.m.LoginOutcome(metrics.OutcomeSuccess)
		a.logger.InfoContext(ctx, "login succeeded",
			slog.String("phase", string(PhaseProvisioned)), slog.String("username", u.Username))
	case KindAdminConfiguration:
		a.m.LoginOutcome(metrics.OutcomeAdminError)
		a.logger.ErrorContext(ctx, "login failed", slog.String("phase", string(PhaseFailed)),
			slog.String("kind", string(KindAdminConfiguration)), slog.String("err", fmt.Sprintf("%+v", err)))
	default:
		a.m.LoginOutcome(metrics.OutcomeTechnicalError)
		a.logger.ErrorContext(ctx, "login failed", slog.String("phase", string(PhaseFailed)),
			slog.String("kind", string(KindTechnical)), slog.String("err", fmt.Sprintf("%+v", err)))
	}
	return u, err
}

func (a *Authenticator) authenticate(ctx context.Context, sess *SessionData, query url.Values) (*provision.User, error) {
	if perr := query.Get("error"); perr != "" {
		a.logger.ErrorContext(ctx, "provider returned an error",
			slog.String("error", perr), slog.String("error_description", query.Get("error_description")))
		if err := sess.EnsureState(true); err != nil {
			return nil, technicalError("resetting state", err)
		}
		return nil, technicalError("provider returned error "+perr, nil)
	}

	code := query.Get("code")
	if code == "" {
		return nil, adminError("callback has no code", nil)
	}

	state := query.Get("state")
	expected := sess.CurrentState()
	stateValid := expected != "" && subtle.ConstantTimeCompare([]byte(state), []byte(expected)) == 1
	// a state is only ever good for one callback
	if err := sess.EnsureState(true); err != nil {
		return nil, technicalError("resetting state", err)
	}
	if !stateValid {
		return nil, technicalError("state mismatch", nil)
	}

	md, err := a.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	tokens, err := a.exchange(ctx, md, code, sess.LastURI)
	if err != nil {
		return nil, err
	}

	nonce := sess.CurrentNonce()
	// the nonce is consumed whether or not the token checks out
	sess.ClearNonce()

	claims, err := a.verifier.DecodeAndVerify(ctx, tokens.IDToken)
	if err != nil {
		return nil, technicalError("verifying ID token", err)
	}

	if claims.Issuer != md.Issuer {
		a.logger.ErrorContext(ctx, "wrong issuer", slog.String("iss", claims.Issuer), slog.String("expected", md.Issuer))
		return nil, adminError("wrong issuer", nil)
	}

	if err := ValidateClaims(claims, a.cfg.ClientID, nonce, a.now()); err != nil {
		a.logger.ErrorContext(ctx, "claims not valid", slog.String("sub", claims.Subject), slog.String("err", err.Error()))
		return nil, technicalError("claims not valid", nil)
	}

	info, err := a.userInfo(ctx, md, tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	if sub := info.Subject(); sub != "" && sub != claims.Subject {
		a.logger.ErrorContext(ctx, "userinfo subject does not match ID token",
			slog.String("id_token_sub", claims.Subject), slog.String("userinfo_sub", sub))
		return nil, technicalError("userinfo subject mismatch", nil)
	}

	sess.IDToken = tokens.IDToken

	u, err := a.prov.Provision(ctx, info)
	if err != nil {
		return nil, technicalError("provisioning user", err)
	}
	sess.Username = u.Username

	return u, nil
}

// LogoutURL returns the URL to send the user to on logout. If an end session
// endpoint is configured or advertised, the user is sent there with the ID
// token hint and returnURL as the post logout redirect. Otherwise returnURL is
// returned unchanged.
func (a *Authenticator) LogoutURL(ctx context.Context, sess *SessionData, returnURL string) (string, error) {
	var endpoint string
	switch a.cfg.logoutMode() {
	case logoutNone:
		a.logger.DebugContext(ctx, "no logout URL configured")
	case logoutExplicit:
		endpoint, _ = a.cfg.explicitLogoutURL()
	case logoutProvider:
		md, err := a.Metadata(ctx)
		if err != nil {
			return "", err
		}
		endpoint = md.EndSessionEndpoint
	}

	if endpoint == "" {
		a.m.Logout(false)
		return returnURL, nil
	}

	params := url.Values{}
	if sess.IDToken != "" {
		params.Set("id_token_hint", sess.IDToken)
	} else {
		a.logger.WarnContext(ctx, "no id_token found in session data")
		params.Set("client_id", a.cfg.ClientID)
	}
	params.Set("post_logout_redirect_uri", returnURL)

	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	a.m.Logout(true)
	return endpoint + sep + params.Encode(), nil
}
