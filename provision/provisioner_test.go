package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeUsers struct {
	users    map[string]*User
	persists int
	emails   []string
}

func (f *fakeUsers) GetOrCreateUserByUsername(_ context.Context, username string) (*User, bool, error) {
	if u, ok := f.users[username]; ok {
		return u, false, nil
	}
	u := &User{Username: username}
	if f.users == nil {
		f.users = map[string]*User{}
	}
	f.users[username] = u
	return u, true, nil
}

func (f *fakeUsers) UpdateUserEmail(_ context.Context, u *User, email string) error {
	f.emails = append(f.emails, email)
	u.Email = email
	return nil
}

func (f *fakeUsers) PersistUser(context.Context, *User) error {
	f.persists++
	return nil
}

type fakeCreds struct {
	stored   string
	setUser  string
	setPass  string
	setCalls int
}

func (f *fakeCreds) CatPasswordForUser(context.Context, *User) (string, error) {
	return f.stored, nil
}

func (f *fakeCreds) SetUserCatalogCredentials(_ context.Context, u *User, username, password string) error {
	f.setCalls++
	f.setUser, f.setPass = username, password
	return nil
}

func mustClaims(t *testing.T, s string) Claims {
	t.Helper()
	c, err := NewClaims([]byte(s))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestProvision(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		Name       string
		Opts       Options
		Existing   *User
		Claims     string
		StoredPass string
		Want       *User
		WantCreds  [2]string
		WantEmails []string
		WantErr    error
	}{
		{
			Name:   "Defaults",
			Claims: `{"sub":"abc","given_name":" Ada ","family_name":"Lovelace","email":"ada@example.com"}`,
			Want: &User{
				Username:  "abc",
				Firstname: "Ada",
				Lastname:  "Lovelace",
				Email:     "ada@example.com",
				LastLogin: now,
			},
			WantEmails: []string{"ada@example.com"},
		},
		{
			Name:   "Prefix and custom mapping",
			Opts:   Options{UsernamePrefix: "idp.", Attributes: map[string]string{"college": "org", "firstname": "nickname"}},
			Claims: `{"sub":"abc","given_name":"Ada","nickname":"Countess","org":"Analytical"}`,
			Want: &User{
				Username:  "idp.abc",
				Firstname: "Countess",
				College:   "Analytical",
				LastLogin: now,
			},
		},
		{
			Name:   "Unsupported fields are ignored",
			Opts:   Options{Attributes: map[string]string{"id": "sub", "cat_pass_enc": "secret"}},
			Claims: `{"sub":"abc","secret":"x"}`,
			Want:   &User{Username: "abc", LastLogin: now},
		},
		{
			Name:   "Nested claim path",
			Opts:   Options{Attributes: map[string]string{"home_library": "address.locality"}},
			Claims: `{"sub":"abc","address":{"locality":"Paris"}}`,
			Want:   &User{Username: "abc", HomeLibrary: "Paris", LastLogin: now},
		},
		{
			Name:   "Unicode is normalised",
			Claims: `{"sub":"abc","given_name":"Amélie"}`,
			Want:   &User{Username: "abc", Firstname: "Amélie", LastLogin: now},
		},
		{
			Name:      "Catalog credentials from claims",
			Opts:      Options{Attributes: map[string]string{"cat_username": "barcode", "cat_password": "pin"}},
			Claims:    `{"sub":"abc","barcode":"123","pin":"9999"}`,
			Want:      &User{Username: "abc", CatUsername: "123", LastLogin: now},
			WantCreds: [2]string{"123", "9999"},
		},
		{
			Name:       "Catalog password falls back to stored",
			Opts:       Options{Attributes: map[string]string{"cat_username": "barcode"}},
			Claims:     `{"sub":"abc","barcode":"123"}`,
			StoredPass: "stored",
			Want:       &User{Username: "abc", CatUsername: "123", LastLogin: now},
			WantCreds:  [2]string{"123", "stored"},
		},
		{
			Name:     "Existing user is updated",
			Existing: &User{ID: "1", Username: "abc", Firstname: "Old", Major: "Maths"},
			Claims:   `{"sub":"abc","given_name":"New"}`,
			Want:     &User{ID: "1", Username: "abc", Firstname: "New", Major: "Maths", LastLogin: now},
		},
		{
			Name:       "Empty and null claims keep stored values",
			Opts:       Options{Attributes: map[string]string{"cat_username": "barcode"}},
			Existing:   &User{ID: "1", Username: "abc", Firstname: "Ada", Email: "ada@example.com", CatUsername: "cat"},
			Claims:     `{"sub":"abc","given_name":"","email":null,"barcode":"  ","family_name":"Lovelace"}`,
			StoredPass: "stored",
			Want:       &User{ID: "1", Username: "abc", Firstname: "Ada", Lastname: "Lovelace", Email: "ada@example.com", CatUsername: "cat", LastLogin: now},
			WantCreds:  [2]string{"cat", "stored"},
		},
		{
			Name:    "Missing subject",
			Claims:  `{"given_name":"Ada"}`,
			WantErr: ErrNoSubject,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			users := &fakeUsers{}
			if tc.Existing != nil {
				users.users = map[string]*User{tc.Existing.Username: tc.Existing}
			}
			creds := &fakeCreds{stored: tc.StoredPass}

			opts := tc.Opts
			opts.Now = func() time.Time { return now }
			p, err := New(users, creds, &opts)
			if err != nil {
				t.Fatal(err)
			}

			got, err := p.Provision(context.Background(), mustClaims(t, tc.Claims))
			if tc.WantErr != nil {
				if !errors.Is(err, tc.WantErr) {
					t.Fatalf("want err %v, got %v", tc.WantErr, err)
				}
				if users.persists != 0 {
					t.Error("failed provisioning should not persist")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tc.Want, got); diff != "" {
				t.Error(diff)
			}
			if users.persists != 1 {
				t.Errorf("want exactly 1 persist, got %d", users.persists)
			}
			if diff := cmp.Diff(tc.WantEmails, users.emails); diff != "" {
				t.Errorf("email updates: %s", diff)
			}
			if tc.WantCreds[0] == "" {
				if creds.setCalls != 0 {
					t.Error("credentials should not be set without a catalog username")
				}
			} else if diff := cmp.Diff(tc.WantCreds, [2]string{creds.setUser, creds.setPass}); diff != "" {
				t.Error(diff)
			}
		})
	}
}

func TestEmailUsesUpdatePath(t *testing.T) {
	users := &fakeUsers{}
	p, err := New(users, &fakeCreds{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Provision(context.Background(), mustClaims(t, `{"sub":"s","email":"a@b.c"}`)); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a@b.c"}, users.emails); diff != "" {
		t.Error(diff)
	}
}

func TestClaims(t *testing.T) {
	if _, err := NewClaims([]byte(`["not","object"]`)); !errors.Is(err, ErrNotObject) {
		t.Errorf("want ErrNotObject, got %v", err)
	}
	if _, err := NewClaims([]byte(`{bad`)); err == nil {
		t.Error("want error for invalid JSON")
	}

	c := mustClaims(t, `{"sub":"s","a.b":"literal","a":{"b":"nested"},"groups":["x","y"],"n":3,"nil":null}`)
	for _, tc := range []struct {
		Name, Claim, Want string
	}{
		{Name: "Literal dotted key wins", Claim: "a.b", Want: "literal"},
		{Name: "Array joined", Claim: "groups", Want: "x,y"},
		{Name: "Number", Claim: "n", Want: "3"},
		{Name: "Null", Claim: "nil", Want: ""},
		{Name: "Missing", Claim: "missing", Want: ""},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			if got := c.String(tc.Claim); got != tc.Want {
				t.Errorf("want %q, got %q", tc.Want, got)
			}
		})
	}
}
