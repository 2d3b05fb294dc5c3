package oidcrp

import (
	"crypto/subtle"
	"errors"
	"time"
)

var (
	errNonceMismatch  = errors.New("nonce does not match session")
	errAudience       = errors.New("audience does not contain client ID")
	errAuthorizedPty  = errors.New("azp does not match client ID")
	errExpiryNotInt   = errors.New("exp is not an integer")
	errExpired        = errors.New("token is expired")
	errNonceNoSession = errors.New("token has nonce but session has none")
)

// ValidateClaims checks the claims the signature verification leaves to the
// relying party. A nonce in the token must match the session's nonce, the
// audience must include clientID, and exp if present must be an integer in
// the future. The returned error names the failing check, it is for logs
// only.
func ValidateClaims(c *IDClaims, clientID, nonce string, now time.Time) error {
	if c.Nonce != "" {
		if nonce == "" {
			return errNonceNoSession
		}
		if subtle.ConstantTimeCompare([]byte(c.Nonce), []byte(nonce)) != 1 {
			return errNonceMismatch
		}
	}

	if !c.Audience.Contains(clientID) {
		return errAudience
	}
	if (len(c.Audience) > 1 || c.AZP != "") && c.AZP != clientID {
		return errAuthorizedPty
	}

	present, integer := c.expiryState()
	if present {
		if !integer {
			return errExpiryNotInt
		}
		if !c.Expiry.Time().After(now) {
			return errExpired
		}
	}

	return nil
}
