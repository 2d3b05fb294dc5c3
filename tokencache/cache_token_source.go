package tokencache

import (
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

type cachingTokenSource struct {
	src   oauth2.TokenSource
	cache *Cache
	code  string
}

// inflight coalesces concurrent exchanges of the same code, e.g. from a
// double submitted callback.
var inflight singleflight.Group

// TokenSource wraps an oauth2.TokenSource that exchanges code, caching the
// result. Subsequent calls for the same code return the cached token rather
// than calling src again.
func TokenSource(cache *Cache, code string, src oauth2.TokenSource) oauth2.TokenSource {
	return &cachingTokenSource{
		src:   src,
		cache: cache,
		code:  code,
	}
}

// Token checks the cache for a token, and if it exists returns it. Otherwise,
// it will call the upstream Token source and cache the result, before
// returning it. Failures are not cached.
func (c *cachingTokenSource) Token() (*oauth2.Token, error) {
	if t, ok := c.cache.Get(c.code); ok {
		return t, nil
	}

	v, err, _ := inflight.Do(fmt.Sprintf("%p/%s", c.cache, key(c.code)), func() (any, error) {
		if t, ok := c.cache.Get(c.code); ok {
			return t, nil
		}
		t, err := c.src.Token()
		if err != nil {
			return nil, err
		}
		c.cache.Set(c.code, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}
