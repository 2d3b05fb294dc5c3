package oidcrp

import (
	"net/url"
	"strings"

	"github.com/lstoll/oidcrp/discovery"
)

// DefaultScope is requested when no scope is configured.
const DefaultScope = "openid profile email"

// Config is the relying party configuration for a single provider.
type Config struct {
	// URL is the issuer URL of the provider. Required.
	URL string `json:"url" env:"URL"`
	// ClientID is the client identifier registered at the provider. Required.
	ClientID string `json:"client_id" env:"CLIENT_ID"`
	// ClientSecret is the client secret registered at the provider. Required.
	ClientSecret string `json:"client_secret" env:"CLIENT_SECRET"`
	// Scope is the space separated list of scopes to request. Defaults to
	// DefaultScope.
	Scope string `json:"scope,omitempty" env:"SCOPE"`
	// Attributes maps local user fields to claim names, overriding and
	// extending the defaults.
	Attributes map[string]string `json:"attributes,omitempty" env:"ATTRIBUTES"`
	// UsernamePrefix is prepended to the subject to form the local username.
	UsernamePrefix string `json:"username_prefix,omitempty" env:"USERNAME_PREFIX"`
	// Logout is either an explicit end session URL, a truthy value to use the
	// end_session_endpoint from the provider metadata, or empty/falsy to only
	// log out locally.
	Logout string `json:"logout,omitempty" env:"LOGOUT"`

	// The following override discovery for providers that don't publish a
	// discovery document.
	Issuer                string `json:"issuer,omitempty" env:"ISSUER"`
	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty" env:"AUTHORIZATION_ENDPOINT"`
	TokenEndpoint         string `json:"token_endpoint,omitempty" env:"TOKEN_ENDPOINT"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty" env:"USERINFO_ENDPOINT"`
	JWKSURI               string `json:"jwks_uri,omitempty" env:"JWKS_URI"`
	// TokenEndpointAuthMethods are the client authentication methods the
	// token endpoint supports. Empty means client_secret_basic.
	TokenEndpointAuthMethods []string `json:"token_endpoint_auth_methods_supported,omitempty" env:"TOKEN_ENDPOINT_AUTH_METHODS"`
}

// Validate checks the required keys are set.
func (c *Config) Validate() error {
	var missing []string
	for _, f := range []struct {
		name, val string
	}{
		{"url", c.URL},
		{"client_id", c.ClientID},
		{"client_secret", c.ClientSecret},
	} {
		if f.val == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return adminError("missing required configuration: "+strings.Join(missing, ", "), nil)
	}
	if u, err := url.Parse(c.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return adminError("url must be an absolute URL", err)
	}
	if ep, ok := c.explicitLogoutURL(); ok {
		if _, err := url.Parse(ep); err != nil {
			return adminError("logout is not a valid URL", err)
		}
	}
	return nil
}

// Scopes returns the configured scopes.
func (c *Config) Scopes() []string {
	s := c.Scope
	if strings.TrimSpace(s) == "" {
		s = DefaultScope
	}
	return strings.Fields(s)
}

// StaticMetadata returns the metadata used when discovery fails.
func (c *Config) StaticMetadata() discovery.ProviderMetadata {
	return discovery.ProviderMetadata{
		Issuer:                c.Issuer,
		AuthorizationEndpoint: c.AuthorizationEndpoint,
		TokenEndpoint:         c.TokenEndpoint,
		UserinfoEndpoint:      c.UserinfoEndpoint,
		JWKSURI:               c.JWKSURI,

		TokenEndpointAuthMethodsSupported: c.TokenEndpointAuthMethods,
	}
}

// logoutMode is how the end session endpoint is resolved.
type logoutMode int

const (
	logoutNone logoutMode = iota
	logoutExplicit
	logoutProvider
)

func (c *Config) logoutMode() logoutMode {
	switch strings.ToLower(strings.TrimSpace(c.Logout)) {
	case "", "false", "0", "no", "off":
		return logoutNone
	case "true", "1", "yes", "on", "provider":
		return logoutProvider
	default:
		return logoutExplicit
	}
}

func (c *Config) explicitLogoutURL() (string, bool) {
	if c.logoutMode() != logoutExplicit {
		return "", false
	}
	return strings.TrimSpace(c.Logout), true
}
