// Package config loads the portal configuration from a YAML file and the
// environment.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"sigs.k8s.io/yaml"

	"github.com/lstoll/oidcrp"
)

// EnvPrefix is the prefix of environment variables that override file values,
// e.g PORTAL_OIDC_CLIENT_SECRET.
const EnvPrefix = "PORTAL_"

// Session store types.
const (
	SessionStoreMemory = "memory"
	SessionStoreCookie = "cookie"
	SessionStoreRedis  = "redis"
)

// Config is the portal configuration.
type Config struct {
	OIDC    oidcrp.Config `json:"oidc" envPrefix:"OIDC_"`
	Server  Server        `json:"server" envPrefix:"SERVER_"`
	Storage Storage       `json:"storage" envPrefix:"STORAGE_"`
	Session Session       `json:"session" envPrefix:"SESSION_"`
	Log     Log           `json:"log" envPrefix:"LOG_"`
}

type Server struct {
	// Listen is the address to serve on. Defaults to :8080
	Listen string `json:"listen,omitempty" env:"LISTEN"`
	// BaseURL is the externally visible URL of the portal, the callback is
	// served beneath it.
	BaseURL string `json:"baseURL" env:"BASE_URL"`
}

type Storage struct {
	// Path to the SQLite database. Defaults to portal.db
	Path string `json:"path,omitempty" env:"PATH"`
	// CredentialKey is the hex encoded 32 byte key that seals catalog
	// passwords.
	CredentialKey string `json:"credentialKey" env:"CREDENTIAL_KEY"`
}

type Session struct {
	// Store is one of memory, cookie or redis. Defaults to cookie.
	Store string `json:"store,omitempty" env:"STORE"`
	// CookieName defaults to portal-sso
	CookieName string `json:"cookieName,omitempty" env:"COOKIE_NAME"`
	// CookieKeys are hex encoded hash and encryption key pairs for the cookie
	// store. The first pair is used to encode, all are tried when decoding.
	CookieKeys []string `json:"cookieKeys,omitempty" env:"COOKIE_KEYS" envSeparator:","`
	// Secure marks the session cookie Secure.
	Secure bool `json:"secure,omitempty" env:"SECURE"`
	// RedisAddr is the host:port of the redis server.
	RedisAddr string `json:"redisAddr,omitempty" env:"REDIS_ADDR"`
	// TTL is how long a redis session is kept idle.
	TTL Duration `json:"ttl,omitempty" env:"TTL"`
}

type Log struct {
	// Level is debug, info, warn or error. Defaults to info
	Level string `json:"level,omitempty" env:"LEVEL"`
	// JSON switches the output format to JSON.
	JSON bool `json:"json,omitempty" env:"JSON"`
}

// Duration is a time.Duration that is written as a string, e.g "8h".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.UnmarshalText([]byte(s))
}

// Load reads the configuration file at path. See Parse.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(b)
}

// Parse takes the given YAML, and expands variables inside it from the
// environment using os.Expand (https://pkg.go.dev/os#Expand). This supports
// expansion with defaults, e.g
//
// `clientSecret: ${MY_SECRET_VAR:-defaultSecret}`
//
// The unmarshaling is strict, and will error if it contains unknown fields.
// Environment variables with the PORTAL_ prefix are applied last, and
// override the file.
func Parse(yamlBytes []byte) (*Config, error) {
	jsonBytes, err := yaml.YAMLToJSON(yamlBytes)
	if err != nil {
		return nil, fmt.Errorf("converting YAML: %w", err)
	}

	expanded := os.Expand(string(jsonBytes), getenvWithDefault)

	jd := json.NewDecoder(strings.NewReader(expanded))
	jd.DisallowUnknownFields()

	var c Config
	if err := jd.Decode(&c); err != nil {
		return nil, fmt.Errorf("unmarshaling: %w", err)
	}

	if err := env.ParseWithOptions(&c, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	c.setDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "portal.db"
	}
	if c.Session.Store == "" {
		c.Session.Store = SessionStoreCookie
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "portal-sso"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks the configuration is complete.
func (c *Config) Validate() error {
	if err := c.OIDC.Validate(); err != nil {
		return err
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.baseURL is required")
	}
	if _, err := c.CredentialKey(); err != nil {
		return err
	}
	switch c.Session.Store {
	case SessionStoreMemory:
	case SessionStoreCookie:
		if _, err := c.CookieKeyPairs(); err != nil {
			return err
		}
	case SessionStoreRedis:
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("session.redisAddr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown session store %q", c.Session.Store)
	}
	return nil
}

// CredentialKey returns the decoded credential key.
func (c *Config) CredentialKey() ([]byte, error) {
	k, err := hex.DecodeString(c.Storage.CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("storage.credentialKey is not hex: %w", err)
	}
	if len(k) != 32 {
		return nil, fmt.Errorf("storage.credentialKey must be 32 bytes, got %d", len(k))
	}
	return k, nil
}

// CookieKeyPairs returns the decoded cookie keys, in the form
// sessions.NewCookieStore takes them.
func (c *Config) CookieKeyPairs() ([][]byte, error) {
	if len(c.Session.CookieKeys) == 0 {
		return nil, fmt.Errorf("session.cookieKeys is required for the cookie store")
	}
	var pairs [][]byte
	for i, k := range c.Session.CookieKeys {
		b, err := hex.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("session.cookieKeys[%d] is not hex: %w", i, err)
		}
		pairs = append(pairs, b)
	}
	return pairs, nil
}

// getenvWithDefault maps FOO:-default to $FOO or default if $FOO is unset or
// null.
func getenvWithDefault(key string) string {
	parts := strings.SplitN(key, ":-", 2)
	val := os.Getenv(parts[0])
	if val == "" && len(parts) == 2 {
		val = parts[1]
	}
	return val
}
