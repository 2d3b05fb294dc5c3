package oauth2

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	xoauth2 "golang.org/x/oauth2"
)

func TestUseBasicAuth(t *testing.T) {
	for _, tc := range []struct {
		Name      string
		Supported []string
		Want      bool
	}{
		{
			Name: "Nothing advertised defaults to basic",
			Want: true,
		},
		{
			Name:      "Basic advertised",
			Supported: []string{AuthMethodClientSecretBasic},
			Want:      true,
		},
		{
			Name:      "Basic among others",
			Supported: []string{AuthMethodClientSecretPost, AuthMethodClientSecretBasic},
			Want:      true,
		},
		{
			Name:      "Post only",
			Supported: []string{AuthMethodClientSecretPost},
			Want:      false,
		},
		{
			Name:      "Unrelated methods fall back to body",
			Supported: []string{"private_key_jwt"},
			Want:      false,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			if got := UseBasicAuth(tc.Supported); got != tc.Want {
				t.Errorf("want basic %t, got %t", tc.Want, got)
			}
		})
	}
}

func TestBasicAuthClient(t *testing.T) {
	type request struct {
		User, Pass string
		Form       url.Values
	}

	for _, tc := range []struct {
		Name     string
		ClientID string
		Secret   string
	}{
		{
			Name:     "Plain credentials",
			ClientID: "portal",
			Secret:   "secret",
		},
		{
			Name:     "Reserved characters are sent raw",
			ClientID: "my client",
			Secret:   "p+ss/w=rd",
		},
		{
			Name:     "Colon in secret",
			ClientID: "portal",
			Secret:   "a:b%20c",
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			var got request
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				user, pass, ok := r.BasicAuth()
				if !ok {
					t.Error("request has no basic auth")
				}
				if err := r.ParseForm(); err != nil {
					t.Error(err)
				}
				got = request{User: user, Pass: pass, Form: r.PostForm}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"access_token":"at","token_type":"Bearer"}`))
			}))
			t.Cleanup(srv.Close)

			cfg := &xoauth2.Config{
				ClientID:     tc.ClientID,
				ClientSecret: tc.Secret,
				Endpoint: xoauth2.Endpoint{
					TokenURL:  srv.URL,
					AuthStyle: xoauth2.AuthStyleInParams,
				},
				RedirectURL: "https://rp.example.com/cb",
			}
			ctx := context.WithValue(context.Background(), xoauth2.HTTPClient,
				BasicAuthClient(srv.Client(), tc.ClientID, tc.Secret))
			if _, err := cfg.Exchange(ctx, "code"); err != nil {
				t.Fatal(err)
			}

			want := request{
				User: tc.ClientID,
				Pass: tc.Secret,
				Form: url.Values{
					"client_id":    {tc.ClientID},
					"code":         {"code"},
					"grant_type":   {"authorization_code"},
					"redirect_uri": {"https://rp.example.com/cb"},
				},
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Error(diff)
			}
		})
	}
}

func TestClassifyTokenError(t *testing.T) {
	for _, tc := range []struct {
		Name      string
		Err       error
		Want      *TokenError
		WantKnown bool
	}{
		{
			Name: "Not a retrieve error",
			Err:  errors.New("dial tcp: connection refused"),
		},
		{
			Name: "Decoded error code",
			Err: &xoauth2.RetrieveError{
				Response:         &http.Response{StatusCode: http.StatusBadRequest},
				Body:             []byte(`{"error":"invalid_grant"}`),
				ErrorCode:        "invalid_grant",
				ErrorDescription: "code already used",
			},
			Want: &TokenError{
				ErrorCode:   TokenErrorCodeInvalidGrant,
				Description: "code already used",
				StatusCode:  http.StatusBadRequest,
				Body:        []byte(`{"error":"invalid_grant"}`),
			},
			WantKnown: true,
		},
		{
			Name: "Error in undecoded body",
			Err: fmt.Errorf("exchanging: %w", &xoauth2.RetrieveError{
				Response: &http.Response{StatusCode: http.StatusUnauthorized},
				Body:     []byte(`{"error":"invalid_client","error_description":"bad secret"}`),
			}),
			Want: &TokenError{
				ErrorCode:   TokenErrorCodeInvalidClient,
				Description: "bad secret",
				StatusCode:  http.StatusUnauthorized,
				Body:        []byte(`{"error":"invalid_client","error_description":"bad secret"}`),
			},
			WantKnown: true,
		},
		{
			Name: "No error code",
			Err: &xoauth2.RetrieveError{
				Response: &http.Response{StatusCode: http.StatusBadGateway},
				Body:     []byte(`<html>upstream down</html>`),
			},
			Want: &TokenError{
				Description: "Bad Gateway",
				StatusCode:  http.StatusBadGateway,
				Body:        []byte(`<html>upstream down</html>`),
			},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			got := ClassifyTokenError(tc.Err)
			if diff := cmp.Diff(tc.Want, got, cmpopts.IgnoreFields(TokenError{}, "Cause")); diff != "" {
				t.Fatal(diff)
			}
			if got == nil {
				return
			}
			if got.Known() != tc.WantKnown {
				t.Errorf("want known %t, got %t", tc.WantKnown, got.Known())
			}
			if !errors.Is(got, tc.Err) {
				t.Error("classified error should wrap the original")
			}
		})
	}
}

func TestTokenSetFrom(t *testing.T) {
	base := &xoauth2.Token{AccessToken: "at", TokenType: "Bearer"}

	for _, tc := range []struct {
		Name     string
		Extra    map[string]any
		Token    *xoauth2.Token
		Want     *TokenSet
		WantCode TokenErrorCode
		WantErr  error
	}{
		{
			Name:  "Complete",
			Token: base,
			Extra: map[string]any{"id_token": "a.b.c"},
			Want:  &TokenSet{AccessToken: "at", TokenType: "Bearer", IDToken: "a.b.c"},
		},
		{
			Name:     "Error field in body",
			Token:    base,
			Extra:    map[string]any{"error": "invalid_grant", "id_token": "a.b.c"},
			WantCode: TokenErrorCodeInvalidGrant,
		},
		{
			Name:    "Missing ID token",
			Token:   base,
			Extra:   map[string]any{},
			WantErr: ErrNoIDToken,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			got, err := TokenSetFrom(tc.Token.WithExtra(tc.Extra))
			if tc.WantCode != "" {
				var te *TokenError
				if !errors.As(err, &te) {
					t.Fatalf("want TokenError, got %v", err)
				}
				if te.ErrorCode != tc.WantCode {
					t.Fatalf("want code %s, got %s", tc.WantCode, te.ErrorCode)
				}
				return
			}
			if tc.WantErr != nil {
				if !errors.Is(err, tc.WantErr) {
					t.Fatalf("want err %v, got %v", tc.WantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.Want, got); diff != "" {
				t.Error(diff)
			}
		})
	}
}
