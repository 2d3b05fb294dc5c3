package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// DefaultJWKSCacheDuration defines the default time we cache a JWKS response,
// to avoid excessive requests to the issuer.
const DefaultJWKSCacheDuration = 15 * time.Minute

// DefaultForcedRefreshInterval is the minimum time between refetches of the
// JWKS caused by a token referencing an unknown key ID.
const DefaultForcedRefreshInterval = 1 * time.Minute

const useSig = "sig"

var (
	// ErrKeyNotFound is returned when no signing key matches the requested key
	// ID, even after refreshing the key set.
	ErrKeyNotFound = errors.New("signing key not found")
	// ErrAmbiguousKey is returned when a key is requested without a key ID,
	// but the provider publishes more than one signing key.
	ErrAmbiguousKey = errors.New("token has no key ID and provider publishes multiple signing keys")
)

// KeySet is the set of signature keys published by a provider, indexed by key
// ID. Keys without a key ID are indexed by their position in the published
// set.
type KeySet struct {
	keys  map[string]jose.JSONWebKey
	order []string
}

// Len returns the number of signing keys in the set.
func (k *KeySet) Len() int {
	return len(k.order)
}

// Lookup returns the key with the given ID.
func (k *KeySet) Lookup(kid string) (jose.JSONWebKey, bool) {
	jwk, ok := k.keys[kid]
	return jwk, ok
}

// IDs returns the key IDs in the order they were published.
func (k *KeySet) IDs() []string {
	return append([]string(nil), k.order...)
}

// KeySetCache fetches and caches a provider's signing keys. Results are cached
// for the configured duration. A lookup for an unknown key ID forces a
// refetch, rate limited so a stream of bogus tokens can't be used to hammer the
// provider.
type KeySetCache struct {
	md MetadataSource

	hc     *http.Client
	logger *slog.Logger
	now    func() time.Time

	cacheFor time.Duration
	forced   *rate.Limiter
	group    singleflight.Group

	keys      *KeySet
	fetchedAt time.Time
	keysMu    sync.Mutex
}

// KeySetOpt is an option that can configure a KeySetCache
type KeySetOpt func(c *KeySetCache)

// WithKeySetHTTPClient sets the http.Client keys are fetched with. If not set,
// http.DefaultClient will be used.
func WithKeySetHTTPClient(hc *http.Client) KeySetOpt {
	return func(c *KeySetCache) {
		c.hc = hc
	}
}

// WithJWKSCacheDuration overrides the duration that we cache responses from the
// jwks endpoint.
func WithJWKSCacheDuration(d time.Duration) KeySetOpt {
	return func(c *KeySetCache) {
		c.cacheFor = d
	}
}

// WithForcedRefreshInterval overrides the minimum interval between refetches
// triggered by unknown key IDs.
func WithForcedRefreshInterval(d time.Duration) KeySetOpt {
	return func(c *KeySetCache) {
		c.forced = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithKeySetLogger sets the logger failures are reported to.
func WithKeySetLogger(l *slog.Logger) KeySetOpt {
	return func(c *KeySetCache) {
		c.logger = l
	}
}

// NewKeySetCache creates a cache for the keys published at the jwks_uri of the
// given metadata source.
func NewKeySetCache(md MetadataSource, opts ...KeySetOpt) *KeySetCache {
	c := &KeySetCache{
		md:       md,
		hc:       http.DefaultClient,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
		cacheFor: DefaultJWKSCacheDuration,
		forced:   rate.NewLimiter(rate.Every(DefaultForcedRefreshInterval), 1),
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

// SigningKeys returns the provider's signature keys. A cached result is
// returned if it is still valid, otherwise the set is fetched from the
// provider. If a refetch fails and a previous set is available, the previous
// set is returned.
func (c *KeySetCache) SigningKeys(ctx context.Context) (*KeySet, error) {
	c.keysMu.Lock()
	ks := c.keys
	fresh := ks != nil && c.now().Before(c.fetchedAt.Add(c.cacheFor))
	c.keysMu.Unlock()

	if fresh {
		return ks, nil
	}

	nks, err := c.refresh(ctx)
	if err != nil {
		if ks != nil {
			c.logger.WarnContext(ctx, "refreshing JWKS failed, using previous keys", slog.String("err", err.Error()))
			return ks, nil
		}
		return nil, err
	}
	return nks, nil
}

// Key returns the signing key with the given ID. If kid is empty, the sole
// signing key is returned; this is only permitted when the provider publishes
// exactly one signing key.
func (c *KeySetCache) Key(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	ks, err := c.SigningKeys(ctx)
	if err != nil {
		return nil, err
	}

	if kid == "" {
		switch ks.Len() {
		case 0:
			return nil, fmt.Errorf("%w: provider publishes no signing keys", ErrKeyNotFound)
		case 1:
			jwk := ks.keys[ks.order[0]]
			return &jwk, nil
		default:
			return nil, ErrAmbiguousKey
		}
	}

	if jwk, ok := ks.Lookup(kid); ok {
		return &jwk, nil
	}

	// The provider may have rotated keys since we last fetched.
	if c.forced.Allow() {
		c.logger.InfoContext(ctx, "unknown key ID, refreshing JWKS", slog.String("kid", kid))
		ks, err = c.refresh(ctx)
		if err != nil {
			return nil, err
		}
		if jwk, ok := ks.Lookup(kid); ok {
			return &jwk, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
}

func (c *KeySetCache) refresh(ctx context.Context) (*KeySet, error) {
	v, err, _ := c.group.Do("jwks", func() (any, error) {
		ks, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.keysMu.Lock()
		c.keys = ks
		c.fetchedAt = c.now()
		c.keysMu.Unlock()
		return ks, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*KeySet), nil
}

func (c *KeySetCache) fetch(ctx context.Context) (*KeySet, error) {
	md, err := c.md.Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting provider metadata: %w", err)
	}
	if md.JWKSURI == "" {
		return nil, fmt.Errorf("metadata has no JWKS endpoint, cannot fetch keys")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, md.JWKSURI, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", md.JWKSURI, err)
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get keys from %s: %w", md.JWKSURI, err)
	}
	defer res.Body.Close()

	jwksb, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading JWKS body: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("expected status %d from %s, got: %d", http.StatusOK, md.JWKSURI, res.StatusCode)
	}

	return c.parseKeySet(ctx, jwksb)
}

// parseKeySet keeps only the keys published for signature use. Keys that
// can't be parsed are skipped, so a single unsupported key doesn't prevent
// logins using the others.
func (c *KeySetCache) parseKeySet(ctx context.Context, b []byte) (*KeySet, error) {
	var raw struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decoding JWKS: %w", err)
	}

	ks := &KeySet{keys: map[string]jose.JSONWebKey{}}
	for i, rk := range raw.Keys {
		var hdr struct {
			Use string `json:"use"`
			Kid string `json:"kid"`
		}
		if err := json.Unmarshal(rk, &hdr); err != nil || hdr.Use != useSig {
			continue
		}

		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(rk); err != nil {
			c.logger.WarnContext(ctx, "skipping unparseable JWK", slog.Int("index", i), slog.String("err", err.Error()))
			continue
		}
		if !jwk.IsPublic() {
			pub := jwk.Public()
			if !pub.Valid() {
				c.logger.WarnContext(ctx, "skipping non-asymmetric JWK", slog.Int("index", i))
				continue
			}
			jwk = pub
		}

		id := hdr.Kid
		if id == "" {
			id = "#" + strconv.Itoa(i)
		}
		if _, dup := ks.keys[id]; dup {
			c.logger.WarnContext(ctx, "duplicate key ID in JWKS, keeping first", slog.String("kid", id))
			continue
		}
		ks.keys[id] = jwk
		ks.order = append(ks.order, id)
	}

	return ks, nil
}
