package httpapi

import (
	"context"

	"github.com/google/uuid"

	"github.com/canopyhub/canopy/internal/domain/operator"
)

type authContextKey string

const authOperatorKey authContextKey = "authOperator"

// AuthOperator is the authenticated operator in request context. The
// full domain record rides along because authority-scoped admin calls
// need the stored authority key, not just the id.
type AuthOperator struct {
	Operator  *operator.Operator
	SessionID uuid.UUID
}

func withAuthOperator(ctx context.Context, a *AuthOperator) context.Context {
	if a == nil {
		return ctx
	}
	return context.WithValue(ctx, authOperatorKey, a)
}

func authOperatorFromContext(ctx context.Context) *AuthOperator {
	val := ctx.Value(authOperatorKey)
	if v, ok := val.(*AuthOperator); ok {
		return v
	}
	return nil
}
