package tokencache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTTL is how long an exchanged token is remembered for its code. It
// only needs to outlive a single authentication attempt.
const DefaultTTL = 5 * time.Minute

// Cache holds the token exchanged for each authorization code, so a retried
// callback doesn't redeem the same single-use code twice. Codes are stored
// hashed.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	token   *oauth2.Token
	expires time.Time
}

// New creates a cache that keeps entries for ttl. A zero ttl uses DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]entry{},
	}
}

// Get returns the token cached for code, if there is an unexpired one.
func (c *Cache) Get(code string) (*oauth2.Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key(code)]
	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	return e.token, true
}

// Set caches token for code. Expired entries are purged.
func (c *Cache) Set(code string, token *oauth2.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key(code)] = entry{token: token, expires: now.Add(c.ttl)}
}

// Len returns the number of entries, including expired ones not yet purged.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func key(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}
