package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

const oidcwk = ".well-known/openid-configuration"

// MetadataSource provides provider metadata on demand.
type MetadataSource interface {
	Metadata(ctx context.Context) (*ProviderMetadata, error)
}

var _ MetadataSource = (*Resolver)(nil)

// Resolver resolves the metadata for an issuer. It tries discovery first,
// and falls back to statically configured endpoints if the discovery document
// can't be retrieved. The resolved metadata is cached for the lifetime of the
// Resolver.
//
// It should be created via `NewResolver` to ensure it is initialized correctly.
type Resolver struct {
	issuer string
	static *ProviderMetadata

	hc     *http.Client
	logger *slog.Logger

	md   *ProviderMetadata
	mdMu sync.Mutex
}

// ResolverOpt is an option that can configure a Resolver
type ResolverOpt func(r *Resolver)

// WithHTTPClient will set a http.Client for discovery. If not set,
// http.DefaultClient will be used.
func WithHTTPClient(hc *http.Client) ResolverOpt {
	return func(r *Resolver) {
		r.hc = hc
	}
}

// WithStaticMetadata sets the metadata used when discovery fails. This lets
// deployments with providers that do not publish a discovery document
// configure the endpoints directly.
func WithStaticMetadata(md ProviderMetadata) ResolverOpt {
	return func(r *Resolver) {
		r.static = &md
	}
}

// WithLogger sets the logger failures are reported to.
func WithLogger(l *slog.Logger) ResolverOpt {
	return func(r *Resolver) {
		r.logger = l
	}
}

// NewResolver creates a Resolver for the given issuer URL. No requests are
// made until the metadata is first needed.
func NewResolver(issuer string, opts ...ResolverOpt) *Resolver {
	r := &Resolver{
		issuer: issuer,
		static: &ProviderMetadata{},
		hc:     http.DefaultClient,
		logger: slog.New(slog.DiscardHandler),
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

// Metadata returns the provider metadata. The first successful call performs
// discovery, subsequent calls return the cached result. If neither discovery
// nor the static configuration yields the required fields, an error wrapping
// ErrMissingMetadata is returned.
func (r *Resolver) Metadata(ctx context.Context) (*ProviderMetadata, error) {
	r.mdMu.Lock()
	defer r.mdMu.Unlock()

	if r.md != nil {
		return r.md, nil
	}

	md, err := r.discover(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "provider discovery failed, using configured metadata",
			slog.String("issuer", r.issuer), slog.String("err", err.Error()))
		smd := *r.static
		md = &smd
	}

	if err := md.Validate(); err != nil {
		r.logger.ErrorContext(ctx, "invalid provider metadata",
			slog.String("issuer", r.issuer), slog.String("err", err.Error()))
		return nil, err
	}

	r.md = md
	return md, nil
}

// DiscoveryURL returns the URL the discovery document is fetched from.
func (r *Resolver) DiscoveryURL() string {
	u := r.issuer
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	return u + oidcwk
}

func (r *Resolver) discover(ctx context.Context) (*ProviderMetadata, error) {
	cfgURL := r.DiscoveryURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfgURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", cfgURL, err)
	}
	res, err := r.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s: %w", cfgURL, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body from %s: %w", cfgURL, err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("expected status %d from %s, got: %d: %s", http.StatusOK, cfgURL, res.StatusCode, body)
	}

	md := new(ProviderMetadata)
	if err := json.Unmarshal(body, md); err != nil {
		return nil, fmt.Errorf("error decoding provider metadata response: %w", err)
	}
	return md, nil
}
