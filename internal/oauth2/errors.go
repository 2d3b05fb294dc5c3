package oauth2

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	xoauth2 "golang.org/x/oauth2"
)

// TokenErrorCode are the types of error that can be returned
type TokenErrorCode string

// https://tools.ietf.org/html/rfc6749#section-5.2
// nolint:unused,varcheck,deadcode
const (
	// TokenErrorCodeInvalidRequest: The request is missing a required
	// parameter, includes an unsupported parameter value (other than grant
	// type), repeats a parameter, includes multiple credentials, utilizes more
	// than one mechanism for authenticating the client, or is otherwise
	// malformed.
	TokenErrorCodeInvalidRequest TokenErrorCode = "invalid_request"
	// TokenErrorCodeInvalidClient: Client authentication failed (e.g., unknown
	// client, no client authentication included, or unsupported authentication
	// method).
	TokenErrorCodeInvalidClient TokenErrorCode = "invalid_client"
	// TokenErrorCodeInvalidGrant: The provided authorization grant (e.g.,
	// authorization code, resource owner credentials) or refresh token is
	// invalid, expired, revoked, does not match the redirection URI used in the
	// authorization request, or was issued to another client.
	TokenErrorCodeInvalidGrant TokenErrorCode = "invalid_grant"
	// TokenErrorCodeUnauthorizedClient: The authenticated client is not
	// authorized to use this authorization grant type.
	TokenErrorCodeUnauthorizedClient TokenErrorCode = "unauthorized_client"
	// TokenErrorCodeUnsupportedGrantType: The authorization grant type is not
	// supported by the authorization server.
	TokenErrorCodeUnsupportedGrantType TokenErrorCode = "unsupported_grant_type"
	// TokenErrorCodeInvalidScope: The requested scope is invalid, unknown,
	// malformed, or exceeds the scope granted by the resource owner.
	TokenErrorCodeInvalidScope TokenErrorCode = "invalid_scope"
)

// TokenError represents an error returned from calling the token endpoint.
//
// https://tools.ietf.org/html/rfc6749#section-5.2
type TokenError struct {
	// ErrorCode indicates the type of error that occurred
	ErrorCode TokenErrorCode `json:"error,omitempty"`
	// Description: OPTIONAL.  Human-readable ASCII [USASCII] text providing
	// additional information, used to assist the client developer in
	// understanding the error that occurred.
	Description string `json:"error_description,omitempty"`
	// ErrorURI: OPTIONAL.  A URI identifying a human-readable web page with
	// information about the error.
	ErrorURI string `json:"error_uri,omitempty"`
	// StatusCode is the HTTP status the token endpoint responded with. It is
	// zero when the error was found in a 200 response body.
	StatusCode int `json:"-"`
	// Body is the raw response body, kept for logging.
	Body []byte `json:"-"`
	// Cause wraps any upstream error that resulted in this error.
	Cause error `json:"-"`
}

// Error returns a string representing this error
func (t *TokenError) Error() string {
	str := fmt.Sprintf("%s error in token request: %s", t.ErrorCode, t.Description)
	if t.StatusCode != 0 {
		str = fmt.Sprintf("%s (status %d)", str, t.StatusCode)
	}
	if t.Cause != nil {
		str = fmt.Sprintf("%s (cause: %s)", str, t.Cause.Error())
	}
	return str
}

func (t *TokenError) Unwrap() error {
	return t.Cause
}

// Known reports whether the error code is one of those defined by RFC 6749.
func (t *TokenError) Known() bool {
	switch t.ErrorCode {
	case TokenErrorCodeInvalidRequest, TokenErrorCodeInvalidClient,
		TokenErrorCodeInvalidGrant, TokenErrorCodeUnauthorizedClient,
		TokenErrorCodeUnsupportedGrantType, TokenErrorCodeInvalidScope:
		return true
	}
	return false
}

// ClassifyTokenError turns an error from the token exchange into a TokenError,
// extracting the code and description from the response. If err did not come
// from a response, nil is returned.
func ClassifyTokenError(err error) *TokenError {
	var re *xoauth2.RetrieveError
	if !errors.As(err, &re) {
		return nil
	}
	te := &TokenError{
		ErrorCode:   TokenErrorCode(re.ErrorCode),
		Description: re.ErrorDescription,
		ErrorURI:    re.ErrorURI,
		Body:        re.Body,
		Cause:       err,
	}
	if re.Response != nil {
		te.StatusCode = re.Response.StatusCode
	}
	if te.ErrorCode == "" && len(re.Body) > 0 {
		// some providers send JSON without the content type, which x/oauth2
		// doesn't decode
		var b TokenError
		if json.Unmarshal(re.Body, &b) == nil {
			te.ErrorCode = b.ErrorCode
			te.Description = b.Description
			te.ErrorURI = b.ErrorURI
		}
	}
	if te.ErrorCode == "" {
		te.Description = http.StatusText(te.StatusCode)
	}
	return te
}
