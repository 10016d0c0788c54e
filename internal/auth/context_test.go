// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests IsAdmin and context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestAuthContext_IsAdmin(t *testing.T) {
	tests := []struct {
		name string
		auth *AuthContext
		want bool
	}{
		{"admin", &AuthContext{Subject: "a", Role: RoleAdmin}, true},
		{"operator", &AuthContext{Subject: "a", Role: RoleOperator}, false},
		{"empty role", &AuthContext{Subject: "a"}, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.auth.IsAdmin(); got != tt.want {
				t.Errorf("IsAdmin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithAuthAndFromContext(t *testing.T) {
	ctx := context.Background()
	if FromContext(ctx) != nil {
		t.Fatal("expected nil AuthContext on empty context")
	}

	want := &AuthContext{Subject: "ops", Role: RoleAdmin}
	got := FromContext(WithAuth(ctx, want))
	if got != want {
		t.Errorf("FromContext() = %+v, want %+v", got, want)
	}
}
