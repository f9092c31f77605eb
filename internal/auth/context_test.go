// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestWithAuth_FromContext(t *testing.T) {
	want := &AuthContext{UserID: "user-1", Token: "tok"}
	ctx := WithAuth(context.Background(), want)

	got := FromContext(ctx)
	if got != want {
		t.Errorf("FromContext() = %v, want %v", got, want)
	}
	if got := MustFromContext(ctx).UserID; got != "user-1" {
		t.Errorf("MustFromContext().UserID = %q, want user-1", got)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustFromContext() should panic without AuthContext")
		}
	}()
	MustFromContext(context.Background())
}
