package discovery

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingMetadata is returned when the provider metadata lacks one of the
// endpoints a relying party needs. It indicates a configuration problem, and
// retrying will not help.
var ErrMissingMetadata = errors.New("provider metadata is missing required fields")

// ProviderMetadata is the subset of the OpenID Provider Metadata a relying
// party uses. It is treated as immutable once it has been resolved.
//
// https://openid.net/specs/openid-connect-discovery-1_0.html#ProviderMetadata
type ProviderMetadata struct {
	// REQUIRED. URL using the https scheme with no query or fragment component
	// that the OP asserts as its Issuer Identifier.
	Issuer string `json:"issuer"`
	// REQUIRED. URL of the OP's OAuth 2.0 Authorization Endpoint.
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	// URL of the OP's OAuth 2.0 Token Endpoint.
	TokenEndpoint string `json:"token_endpoint,omitempty"`
	// RECOMMENDED. URL of the OP's UserInfo Endpoint.
	UserinfoEndpoint string `json:"userinfo_endpoint,omitempty"`
	// REQUIRED. URL of the OP's JSON Web Key Set document.
	JWKSURI string `json:"jwks_uri"`
	// URL at the OP to which an RP can perform a redirect to request that the
	// End-User be logged out at the OP.
	//
	// https://openid.net/specs/openid-connect-rpinitiated-1_0.html#OPMetadata
	EndSessionEndpoint string `json:"end_session_endpoint,omitempty"`
	// OPTIONAL. JSON array containing a list of Client Authentication methods
	// supported by this Token Endpoint. If omitted, the default is
	// client_secret_basic.
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	// JSON array containing a list of the OAuth 2.0 scope values that this
	// server supports.
	ScopesSupported []string `json:"scopes_supported,omitempty"`
	// REQUIRED. JSON array containing a list of the OAuth 2.0 response_type
	// values that this OP supports.
	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`
	// REQUIRED. JSON array containing a list of the JWS signing algorithms
	// supported by the OP for the ID Token.
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`
	// RECOMMENDED. JSON array containing a list of the Claim Names of the
	// Claims that the OpenID Provider MAY be able to supply values for.
	ClaimsSupported []string `json:"claims_supported,omitempty"`
}

// Validate checks that the fields needed for the authorization code flow are
// all present. The returned error wraps ErrMissingMetadata, and names every
// missing field.
func (p *ProviderMetadata) Validate() error {
	var missing []string

	req := func(val, name string) {
		if val == "" {
			missing = append(missing, name)
		}
	}

	req(p.AuthorizationEndpoint, "authorization_endpoint")
	req(p.TokenEndpoint, "token_endpoint")
	req(p.UserinfoEndpoint, "userinfo_endpoint")
	req(p.Issuer, "issuer")
	req(p.JWKSURI, "jwks_uri")

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingMetadata, strings.Join(missing, ", "))
	}
	return nil
}
