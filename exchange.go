package oidcrp

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/lstoll/oidcrp/discovery"
	ioauth2 "github.com/lstoll/oidcrp/internal/oauth2"
	"github.com/lstoll/oidcrp/tokencache"
)

// oauth2Config builds the x/oauth2 configuration for the resolved provider.
// Credentials always go in the body as far as x/oauth2 is concerned, so no
// auto detection requests are made. Basic auth is applied by the token client.
func (a *Authenticator) oauth2Config(md *discovery.ProviderMetadata, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   md.AuthorizationEndpoint,
			TokenURL:  md.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
		Scopes:      a.cfg.Scopes(),
	}
}

// exchangeSource redeems a code at the token endpoint.
type exchangeSource struct {
	ctx  context.Context
	cfg  *oauth2.Config
	code string
}

func (e *exchangeSource) Token() (*oauth2.Token, error) {
	return e.cfg.Exchange(e.ctx, e.code, oauth2.SetAuthURLParam("client_id", e.cfg.ClientID))
}

// exchange redeems an authorization code for tokens. The redirect URI must be
// the one the flow was started with. Results are cached per code, so retrying
// a callback doesn't redeem a single use code twice.
func (a *Authenticator) exchange(ctx context.Context, md *discovery.ProviderMetadata, code, redirectURI string) (*ioauth2.TokenSet, error) {
	hc := a.tokenHC
	if ioauth2.UseBasicAuth(md.TokenEndpointAuthMethodsSupported) {
		hc = ioauth2.BasicAuthClient(hc, a.cfg.ClientID, a.cfg.ClientSecret)
	}
	hctx := context.WithValue(ctx, oauth2.HTTPClient, hc)
	src := &exchangeSource{ctx: hctx, cfg: a.oauth2Config(md, redirectURI), code: code}

	tok, err := tokencache.TokenSource(a.codes, code, src).Token()
	if err != nil {
		if te := ioauth2.ClassifyTokenError(err); te != nil {
			a.logger.ErrorContext(ctx, "token request failed",
				slog.String("endpoint", md.TokenEndpoint),
				slog.Int("status", te.StatusCode),
				slog.String("error", string(te.ErrorCode)),
				slog.String("error_description", te.Description),
				slog.String("body", string(te.Body)))
			return nil, technicalError("token request failed", te)
		}
		a.logger.ErrorContext(ctx, "token request failed",
			slog.String("endpoint", md.TokenEndpoint), slog.String("err", err.Error()))
		return nil, technicalError("token request failed", err)
	}

	ts, err := ioauth2.TokenSetFrom(tok)
	if err != nil {
		var te *ioauth2.TokenError
		if errors.As(err, &te) {
			a.logger.ErrorContext(ctx, "token response carried an error",
				slog.String("endpoint", md.TokenEndpoint),
				slog.String("error", string(te.ErrorCode)),
				slog.String("error_description", te.Description))
		} else {
			a.logger.ErrorContext(ctx, "invalid token response",
				slog.String("endpoint", md.TokenEndpoint), slog.String("err", err.Error()))
		}
		return nil, technicalError("invalid token response", err)
	}

	return ts, nil
}
