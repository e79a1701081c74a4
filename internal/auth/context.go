package auth

import (
	"context"
	"errors"

	"callrelay/internal/calls"
)

type ctxKey int

const (
	ctxIdentity ctxKey = iota
	ctxRole
)

func WithIdentity(ctx context.Context, id calls.Identity) context.Context {
	return context.WithValue(ctx, ctxIdentity, id)
}

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, ctxRole, role)
}

func Identity(ctx context.Context) (calls.Identity, error) {
	v := ctx.Value(ctxIdentity)
	if id, ok := v.(calls.Identity); ok && id != "" {
		return id, nil
	}
	return "", errors.New("identity not in context")
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
