package oidcrp

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"
)

// IDClaims are the verified claims of an ID token. Only the claims the relying
// party checks or logs are decoded.
//
// https://openid.net/specs/openid-connect-core-1_0.html#IDToken
type IDClaims struct {
	Issuer    string     `json:"iss"`
	Subject   string     `json:"sub"`
	Audience  StrOrSlice `json:"aud"`
	Expiry    UnixTime   `json:"exp"`
	NotBefore UnixTime   `json:"nbf"`
	IssuedAt  UnixTime   `json:"iat"`
	Nonce     string     `json:"nonce"`
	// Authorized party. When present it must be this relying party's client
	// ID.
	AZP string `json:"azp"`

	payload json.RawMessage
}

func (c *IDClaims) UnmarshalJSON(b []byte) error {
	type claims IDClaims
	var dc claims
	if err := json.Unmarshal(b, &dc); err != nil {
		return err
	}
	dc.payload = slices.Clone(b)
	*c = IDClaims(dc)
	return nil
}

// expiryState reports whether the token carried an exp claim, and if so
// whether it was encoded as an integer. Decoding into UnixTime accepts
// fractional and exponent forms, so the payload is consulted.
func (c *IDClaims) expiryState() (present, integer bool) {
	var ex struct {
		Exp *json.RawMessage `json:"exp"`
	}
	if c.payload == nil || json.Unmarshal(c.payload, &ex) != nil || ex.Exp == nil {
		return false, false
	}
	if _, err := strconv.ParseInt(string(*ex.Exp), 10, 64); err != nil {
		return true, false
	}
	return true, true
}

// StrOrSlice is a claim that is either a single string or a list of strings,
// like aud.
type StrOrSlice []string

// Contains reports whether s is one of the values.
func (a StrOrSlice) Contains(s string) bool {
	return slices.Contains(a, s)
}

func (a *StrOrSlice) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*a = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*a = StrOrSlice{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("claim must be a string or a list of strings: %w", err)
	}
	*a = many
	return nil
}

// UnixTime is a NumericDate claim, seconds since the epoch.
type UnixTime int64

func (u UnixTime) Time() time.Time {
	return time.Unix(int64(u), 0)
}

func (u *UnixTime) UnmarshalJSON(b []byte) error {
	flt, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("parsing NumericDate: %w", err)
	}
	*u = UnixTime(int64(flt))
	return nil
}
