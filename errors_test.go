package oidcrp

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAuthError(t *testing.T) {
	cause := errors.New("connection refused")
	err := technicalError("token request failed", cause)

	if !errors.Is(err, ErrTechnical) {
		t.Error("should match ErrTechnical")
	}
	if errors.Is(err, ErrAdminConfiguration) {
		t.Error("should not match ErrAdminConfiguration")
	}
	if !errors.Is(err, cause) {
		t.Error("should wrap the cause")
	}
	if KindOf(err) != KindTechnical {
		t.Errorf("want technical kind, got %q", KindOf(err))
	}
	if KindOf(cause) != "" {
		t.Error("plain errors have no kind")
	}

	var ae *AuthError
	if !errors.As(fmt.Errorf("wrapped: %w", err), &ae) {
		t.Fatal("should be an AuthError")
	}
	if ae.Message != "authentication_error_technical" {
		t.Errorf("unexpected message %q", ae.Message)
	}

	detailed := fmt.Sprintf("%+v", err)
	if !strings.Contains(detailed, "connection refused") || !strings.Contains(detailed, "errors_test.go") {
		t.Errorf("detailed format should include the cause and a stack, got %s", detailed)
	}

	admin := adminError("callback has no code", nil)
	if !errors.Is(admin, ErrAdminConfiguration) || admin.Error() != "authentication_error_admin: callback has no code" {
		t.Errorf("unexpected admin error %v", admin)
	}
}
