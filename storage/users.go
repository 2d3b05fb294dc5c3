package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lstoll/oidcrp/provision"
)

const timeFormat = time.RFC3339Nano

var _ provision.UserService = (*UserStore)(nil)

// UserStore implements provision.UserService on a SQLite database.
type UserStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewUserStore creates a UserStore on a database returned from Open.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db, now: time.Now}
}

const userColumns = `id, username, firstname, lastname, email, cat_id, cat_username,
	cat_pass_enc, college, major, home_library, created, last_login`

// GetUserByUsername returns the stored user, or ErrNotFound.
func (s *UserStore) GetUserByUsername(ctx context.Context, username string) (*provision.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)

	var (
		u                 provision.User
		created, lastSeen string
	)
	err := row.Scan(&u.ID, &u.Username, &u.Firstname, &u.Lastname, &u.Email, &u.CatID,
		&u.CatUsername, &u.CatPassEnc, &u.College, &u.Major, &u.HomeLibrary, &created, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user %s: %w", username, err)
	}

	if u.Created, err = time.Parse(timeFormat, created); err != nil {
		return nil, fmt.Errorf("parsing created time: %w", err)
	}
	if lastSeen != "" {
		if u.LastLogin, err = time.Parse(timeFormat, lastSeen); err != nil {
			return nil, fmt.Errorf("parsing last login time: %w", err)
		}
	}
	return &u, nil
}

// GetOrCreateUserByUsername returns the stored user, or a new unsaved one.
func (s *UserStore) GetOrCreateUserByUsername(ctx context.Context, username string) (*provision.User, bool, error) {
	u, err := s.GetUserByUsername(ctx, username)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	return &provision.User{
		ID:       uuid.NewString(),
		Username: username,
		Created:  s.now().UTC(),
	}, true, nil
}

// UpdateUserEmail sets the user's email. It is saved with the user.
func (s *UserStore) UpdateUserEmail(_ context.Context, u *provision.User, email string) error {
	email = strings.TrimSpace(email)
	if email != "" && !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email address %q", email)
	}
	u.Email = email
	return nil
}

// PersistUser inserts or updates the user, keyed on username.
func (s *UserStore) PersistUser(ctx context.Context, u *provision.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Created.IsZero() {
		u.Created = s.now().UTC()
	}
	var lastLogin string
	if !u.LastLogin.IsZero() {
		lastLogin = u.LastLogin.UTC().Format(timeFormat)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			firstname = excluded.firstname,
			lastname = excluded.lastname,
			email = excluded.email,
			cat_id = excluded.cat_id,
			cat_username = excluded.cat_username,
			cat_pass_enc = excluded.cat_pass_enc,
			college = excluded.college,
			major = excluded.major,
			home_library = excluded.home_library,
			last_login = excluded.last_login`,
		u.ID, u.Username, u.Firstname, u.Lastname, u.Email, u.CatID, u.CatUsername,
		u.CatPassEnc, u.College, u.Major, u.HomeLibrary,
		u.Created.UTC().Format(timeFormat), lastLogin,
	)
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", u.Username, err)
	}
	return nil
}
