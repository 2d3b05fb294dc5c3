package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"dario.cat/mergo"
	"golang.org/x/text/unicode/norm"

	"github.com/lstoll/oidcrp/metrics"
)

// Settable user fields.
const (
	FieldFirstname   = "firstname"
	FieldLastname    = "lastname"
	FieldEmail       = "email"
	FieldCatID       = "cat_id"
	FieldCatUsername = "cat_username"
	FieldCatPassword = "cat_password"
	FieldCollege     = "college"
	FieldMajor       = "major"
	FieldHomeLibrary = "home_library"
)

// AllowedFields are the user fields an attribute map may set.
var AllowedFields = []string{
	FieldFirstname, FieldLastname, FieldEmail,
	FieldCatID, FieldCatUsername, FieldCatPassword,
	FieldCollege, FieldMajor, FieldHomeLibrary,
}

// DefaultAttributes maps user fields to the standard OpenID claims.
var DefaultAttributes = map[string]string{
	FieldFirstname: "given_name",
	FieldLastname:  "family_name",
	FieldEmail:     "email",
}

// ErrNoSubject is returned when the claims carry no sub.
var ErrNoSubject = errors.New("claims have no subject")

// Options configure a Provisioner.
type Options struct {
	// Attributes maps user fields to claim names. They are merged over
	// DefaultAttributes.
	Attributes map[string]string
	// UsernamePrefix is prepended to the subject to form the username.
	UsernamePrefix string
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	// Now is used for the last login time. Defaults to time.Now.
	Now func() time.Time
}

// Provisioner creates or updates the local user for a set of claims.
type Provisioner struct {
	users  UserService
	creds  CredentialStore
	attrs  map[string]string
	prefix string
	logger *slog.Logger
	m      *metrics.Metrics
	now    func() time.Time
}

// New creates a Provisioner. Attribute mappings for fields outside
// AllowedFields are dropped with a warning.
func New(users UserService, creds CredentialStore, opts *Options) (*Provisioner, error) {
	if opts == nil {
		opts = &Options{}
	}
	p := &Provisioner{
		users:  users,
		creds:  creds,
		prefix: opts.UsernamePrefix,
		logger: opts.Logger,
		m:      opts.Metrics,
		now:    opts.Now,
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	p.logger = p.logger.With("component", "provision")
	if p.now == nil {
		p.now = time.Now
	}

	attrs := maps.Clone(DefaultAttributes)
	if len(opts.Attributes) > 0 {
		if err := mergo.Merge(&attrs, opts.Attributes, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging attribute map: %w", err)
		}
	}
	for field := range attrs {
		if !slices.Contains(AllowedFields, field) {
			p.logger.Warn("ignoring mapping for unsupported user field", slog.String("field", field))
			delete(attrs, field)
		}
	}
	p.attrs = attrs

	return p, nil
}

// Attributes returns the effective field to claim mapping.
func (p *Provisioner) Attributes() map[string]string {
	return maps.Clone(p.attrs)
}

// Provision looks up or creates the user for the claims' subject, applies
// the mapped attributes, propagates catalog credentials, and persists the
// user once.
func (p *Provisioner) Provision(ctx context.Context, claims Claims) (*User, error) {
	sub := claims.Subject()
	if sub == "" {
		return nil, ErrNoSubject
	}
	username := p.prefix + sub

	u, created, err := p.users.GetOrCreateUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("getting user %s: %w", username, err)
	}

	var catPassword string
	// sorted so the email update happens in a stable order relative to the
	// other fields
	for _, field := range slices.Sorted(maps.Keys(p.attrs)) {
		claim := p.attrs[field]
		if _, ok := claims.Get(claim); !ok {
			continue
		}
		val := normalize(claims.String(claim))
		// An empty or null claim never overwrites a stored value.
		if val == "" {
			continue
		}

		switch field {
		case FieldEmail:
			if err := p.users.UpdateUserEmail(ctx, u, val); err != nil {
				return nil, fmt.Errorf("updating email: %w", err)
			}
		case FieldCatPassword:
			catPassword = val
		default:
			setField(u, field, val)
		}
	}

	if u.CatUsername != "" {
		if catPassword == "" {
			catPassword, err = p.creds.CatPasswordForUser(ctx, u)
			if err != nil {
				return nil, fmt.Errorf("getting stored catalog password: %w", err)
			}
		}
		if err := p.creds.SetUserCatalogCredentials(ctx, u, u.CatUsername, catPassword); err != nil {
			return nil, fmt.Errorf("setting catalog credentials: %w", err)
		}
	}

	u.LastLogin = p.now()
	if err := p.users.PersistUser(ctx, u); err != nil {
		return nil, fmt.Errorf("persisting user %s: %w", username, err)
	}

	p.logger.InfoContext(ctx, "provisioned user", slog.String("username", username), slog.Bool("created", created))
	p.m.Provisioned(created)

	return u, nil
}

func setField(u *User, field, val string) {
	switch field {
	case FieldFirstname:
		u.Firstname = val
	case FieldLastname:
		u.Lastname = val
	case FieldCatID:
		u.CatID = val
	case FieldCatUsername:
		u.CatUsername = val
	case FieldCollege:
		u.College = val
	case FieldMajor:
		u.Major = val
	case FieldHomeLibrary:
		u.HomeLibrary = val
	}
}

func normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
