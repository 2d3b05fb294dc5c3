package oauth2

import (
	"errors"
	"fmt"

	xoauth2 "golang.org/x/oauth2"
)

// ErrNoIDToken is returned when a token response carries no id_token.
var ErrNoIDToken = errors.New("token response has no id_token")

// TokenSet is the part of a token endpoint response a relying party uses.
//
// https://openid.net/specs/openid-connect-core-1_0.html#TokenResponse
type TokenSet struct {
	AccessToken string
	TokenType   string
	IDToken     string
}

// TokenSetFrom extracts the tokens from an exchange result. A response that
// carries an error field is treated as a failure even if it was sent with a
// success status.
func TokenSetFrom(t *xoauth2.Token) (*TokenSet, error) {
	if code, _ := t.Extra("error").(string); code != "" {
		desc, _ := t.Extra("error_description").(string)
		return nil, &TokenError{ErrorCode: TokenErrorCode(code), Description: desc}
	}
	idt, _ := t.Extra("id_token").(string)
	if idt == "" {
		return nil, ErrNoIDToken
	}
	if t.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}
	return &TokenSet{
		AccessToken: t.AccessToken,
		TokenType:   t.Type(),
		IDToken:     idt,
	}, nil
}
