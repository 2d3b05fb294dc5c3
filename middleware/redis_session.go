package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lstoll/oidcrp"
)

// DefaultRedisSessionTTL is how long an idle session is kept.
const DefaultRedisSessionTTL = 8 * time.Hour

// RedisSessionStore keeps sessions in redis, keyed by an ID held in a cookie.
// It can be shared by several instances of the portal.
type RedisSessionStore struct {
	Client redis.UniversalClient
	// CookieTemplate is used to create the cookie we track the session ID in.
	// It must have at least the name set.
	CookieTemplate *http.Cookie
	// KeyPrefix namespaces the session keys. Defaults to "portal:session:".
	KeyPrefix string
	// TTL is refreshed on every save. Defaults to DefaultRedisSessionTTL.
	TTL time.Duration
}

func (s *RedisSessionStore) Get(r *http.Request) (*oidcrp.SessionData, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	sid, err := sidFromCookie(r, s.CookieTemplate.Name)
	if err != nil {
		return nil, err
	}

	sd := new(oidcrp.SessionData)
	if sid == "" {
		return sd, nil
	}

	data, err := s.Client.Get(r.Context(), s.key(sid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return sd, nil
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}
	if err := json.Unmarshal(data, sd); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return sd, nil
}

func (s *RedisSessionStore) Save(w http.ResponseWriter, r *http.Request, d *oidcrp.SessionData) error {
	if err := s.check(); err != nil {
		return err
	}
	sid, _ := sidFromCookie(r, s.CookieTemplate.Name)

	if d == nil {
		expireCookie(w, s.CookieTemplate)
		if sid != "" {
			if err := s.Client.Del(r.Context(), s.key(sid)).Err(); err != nil {
				return fmt.Errorf("deleting session: %w", err)
			}
		}
		return nil
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	if sid == "" {
		sid = uuid.NewString()
	}
	ttl := s.TTL
	if ttl == 0 {
		ttl = DefaultRedisSessionTTL
	}
	if err := s.Client.Set(r.Context(), s.key(sid), data, ttl).Err(); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}

	setCookie(w, s.CookieTemplate, sid)
	return nil
}

func (s *RedisSessionStore) check() error {
	if s.Client == nil {
		return fmt.Errorf("redis client must be set")
	}
	return checkTemplate(s.CookieTemplate)
}

func (s *RedisSessionStore) key(sid string) string {
	p := s.KeyPrefix
	if p == "" {
		p = "portal:session:"
	}
	return p + sid
}
