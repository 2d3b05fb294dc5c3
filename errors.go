package oidcrp

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrorKind distinguishes failures an administrator needs to fix from
// transient or upstream failures the user can retry.
type ErrorKind string

const (
	// KindAdminConfiguration is a deployment mistake, such as missing
	// configuration or a provider that doesn't match what is configured.
	KindAdminConfiguration ErrorKind = "admin_configuration"
	// KindTechnical covers transport failures, unexpected responses, and any
	// token or state validation failure.
	KindTechnical ErrorKind = "technical"
)

const (
	msgAdmin     = "authentication_error_admin"
	msgTechnical = "authentication_error_technical"
)

var (
	// ErrAdminConfiguration matches any AuthError of KindAdminConfiguration
	// with errors.Is.
	ErrAdminConfiguration = &AuthError{Kind: KindAdminConfiguration, Message: msgAdmin}
	// ErrTechnical matches any AuthError of KindTechnical with errors.Is.
	ErrTechnical = &AuthError{Kind: KindTechnical, Message: msgTechnical}
)

// AuthError is the error returned for every failed authentication step. Message
// is safe to show to the user, it never contains provider details. The cause is
// kept for operator logs, and formatting with %+v includes its stack trace.
type AuthError struct {
	Kind    ErrorKind
	Message string

	cause error
}

func (e *AuthError) Error() string {
	if e.cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.cause)
}

func (e *AuthError) Unwrap() error {
	return e.cause
}

// Is matches on kind, so callers can compare against the sentinels.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func (e *AuthError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') && e.cause != nil {
		fmt.Fprintf(s, "%s: %+v", e.Message, e.cause)
		return
	}
	fmt.Fprint(s, e.Error())
}

func adminError(msg string, cause error) error {
	return &AuthError{Kind: KindAdminConfiguration, Message: msgAdmin, cause: wrapCause(msg, cause)}
}

func technicalError(msg string, cause error) error {
	return &AuthError{Kind: KindTechnical, Message: msgTechnical, cause: wrapCause(msg, cause)}
}

func wrapCause(msg string, cause error) error {
	if cause == nil {
		return pkgerrors.New(msg)
	}
	return pkgerrors.Wrap(cause, msg)
}

// KindOf returns the kind of the AuthError in err's chain, or the empty kind
// if there is none.
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
