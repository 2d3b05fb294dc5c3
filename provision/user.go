// Package provision maps verified identity claims onto local user records.
package provision

import (
	"context"
	"time"
)

// User is the local identity a provider login maps to.
type User struct {
	ID          string
	Username    string
	Firstname   string
	Lastname    string
	Email       string
	CatID       string
	CatUsername string
	// CatPassEnc is the sealed catalog password. It is managed by the
	// CredentialStore, never set directly from claims.
	CatPassEnc  []byte
	College     string
	Major       string
	HomeLibrary string
	Created     time.Time
	LastLogin   time.Time
}

// UserService looks up and persists users.
type UserService interface {
	// GetOrCreateUserByUsername returns the user with the given username,
	// creating an unsaved record if there is none. created reports whether
	// the record is new.
	GetOrCreateUserByUsername(ctx context.Context, username string) (u *User, created bool, err error)
	// UpdateUserEmail changes the user's email address.
	UpdateUserEmail(ctx context.Context, u *User, email string) error
	// PersistUser saves the user.
	PersistUser(ctx context.Context, u *User) error
}

// CredentialStore manages library catalog credentials for a user.
type CredentialStore interface {
	// CatPasswordForUser returns the stored catalog password, or an empty
	// string if there is none.
	CatPasswordForUser(ctx context.Context, u *User) (string, error)
	// SetUserCatalogCredentials records the catalog credentials on the user.
	// The user is persisted separately.
	SetUserCatalogCredentials(ctx context.Context, u *User, username, password string) error
}
