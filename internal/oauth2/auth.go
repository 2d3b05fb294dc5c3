package oauth2

import (
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// Token endpoint client authentication methods.
//
// https://openid.net/specs/openid-connect-core-1_0.html#ClientAuthentication
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
)

// UseBasicAuth reports whether client credentials go to the token endpoint in
// an HTTP Basic header, given the methods the provider advertises. Basic is
// used if it is advertised, or if nothing is, as it is the default. Otherwise
// the credentials go in the request body.
func UseBasicAuth(supported []string) bool {
	return len(supported) == 0 || slices.Contains(supported, AuthMethodClientSecretBasic)
}

// BasicAuthClient returns a copy of hc that sends the client credentials as
// base64(client_id:client_secret), without form encoding either part. The
// token request is expected to carry the credentials in its body, as
// x/oauth2's AuthStyleInParams does. client_secret is removed from the body,
// client_id stays.
func BasicAuthClient(hc *http.Client, clientID, clientSecret string) *http.Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	c := *hc
	c.Transport = &basicAuthTransport{
		base:         hc.Transport,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
	return &c
}

type basicAuthTransport struct {
	base         http.RoundTripper
	clientID     string
	clientSecret string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	r := req.Clone(req.Context())
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		form, err := url.ParseQuery(string(b))
		if err != nil {
			return nil, err
		}
		form.Del("client_secret")
		enc := form.Encode()
		r.Body = io.NopCloser(strings.NewReader(enc))
		r.ContentLength = int64(len(enc))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(enc)), nil
		}
	}
	r.SetBasicAuth(t.clientID, t.clientSecret)

	return base.RoundTrip(r)
}
