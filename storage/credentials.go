package storage

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/lstoll/oidcrp/provision"
)

const (
	keySize   = 32
	nonceSize = 24
)

var _ provision.CredentialStore = (*CredentialStore)(nil)

// CredentialStore seals catalog passwords on the user record. The sealed
// value is the nonce followed by the secretbox output.
type CredentialStore struct {
	key [keySize]byte
}

// NewCredentialStore creates a store sealing with the given 32 byte key.
func NewCredentialStore(key []byte) (*CredentialStore, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("credential key must be %d bytes, got %d", keySize, len(key))
	}
	c := &CredentialStore{}
	copy(c.key[:], key)
	return c, nil
}

// CatPasswordForUser opens the user's sealed catalog password.
func (c *CredentialStore) CatPasswordForUser(_ context.Context, u *provision.User) (string, error) {
	if len(u.CatPassEnc) == 0 {
		return "", nil
	}
	if len(u.CatPassEnc) < nonceSize+secretbox.Overhead {
		return "", errors.New("sealed catalog password is truncated")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], u.CatPassEnc[:nonceSize])
	pw, ok := secretbox.Open(nil, u.CatPassEnc[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", errors.New("failed to open sealed catalog password")
	}
	return string(pw), nil
}

// SetUserCatalogCredentials sets the catalog username and seals the password
// on the user. An empty password clears the stored one.
func (c *CredentialStore) SetUserCatalogCredentials(_ context.Context, u *provision.User, username, password string) error {
	u.CatUsername = username
	if password == "" {
		u.CatPassEnc = nil
		return nil
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("reading nonce: %w", err)
	}
	u.CatPassEnc = secretbox.Seal(nonce[:], []byte(password), &nonce, &c.key)
	return nil
}
