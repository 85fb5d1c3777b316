package ctxutil

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/thinkalike/kindred/internal/auth"
	"github.com/thinkalike/kindred/internal/model"
)

func TestClaimsRoundTrip(t *testing.T) {
	userID := uuid.New()
	keyID := uuid.New()
	claims := &auth.Claims{UserID: userID, Role: model.RoleOperator, KeyID: &keyID}

	ctx := WithClaims(context.Background(), claims)

	got := ClaimsFromContext(ctx)
	if got == nil {
		t.Fatal("expected claims in context")
	}
	if got.UserID != userID {
		t.Errorf("UserID = %s, want %s", got.UserID, userID)
	}
	if got.Role != model.RoleOperator {
		t.Errorf("Role = %s, want %s", got.Role, model.RoleOperator)
	}
	if UserIDFromContext(ctx) != userID {
		t.Errorf("UserIDFromContext = %s, want %s", UserIDFromContext(ctx), userID)
	}
}

func TestEmptyContext(t *testing.T) {
	ctx := context.Background()
	if ClaimsFromContext(ctx) != nil {
		t.Error("expected nil claims from empty context")
	}
	if UserIDFromContext(ctx) != uuid.Nil {
		t.Error("expected uuid.Nil from empty context")
	}
}
