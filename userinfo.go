package oidcrp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/lstoll/oidcrp/discovery"
	"github.com/lstoll/oidcrp/provision"
)

// userInfo fetches the claims for the access token from the userinfo
// endpoint. The response must be a JSON object.
func (a *Authenticator) userInfo(ctx context.Context, md *discovery.ProviderMetadata, accessToken string) (provision.Claims, error) {
	u, err := url.Parse(md.UserinfoEndpoint)
	if err != nil {
		return provision.Claims{}, adminError("parsing userinfo endpoint", err)
	}
	q := u.Query()
	q.Set("schema", "openid")
	u.RawQuery = q.Encode()

	hctx := context.WithValue(ctx, oauth2.HTTPClient, a.userinfoHC)
	hc := oauth2.NewClient(hctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return provision.Claims{}, technicalError("creating userinfo request", err)
	}
	res, err := hc.Do(req)
	if err != nil {
		a.logger.ErrorContext(ctx, "userinfo request failed",
			slog.String("endpoint", md.UserinfoEndpoint), slog.String("err", err.Error()))
		return provision.Claims{}, technicalError("userinfo request failed", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return provision.Claims{}, technicalError("reading userinfo response", err)
	}
	if res.StatusCode != http.StatusOK {
		a.logger.ErrorContext(ctx, "unexpected userinfo response",
			slog.String("endpoint", md.UserinfoEndpoint),
			slog.Int("status", res.StatusCode),
			slog.String("body", string(body)))
		return provision.Claims{}, technicalError(fmt.Sprintf("userinfo returned status %d", res.StatusCode), nil)
	}

	claims, err := provision.NewClaims(body)
	if err != nil {
		a.logger.ErrorContext(ctx, "undecodable userinfo response",
			slog.String("endpoint", md.UserinfoEndpoint),
			slog.String("body", string(body)),
			slog.String("err", err.Error()))
		return provision.Claims{}, technicalError("decoding userinfo response", err)
	}
	return claims, nil
}
