package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// The caller identity travels in the registered "sub" claim. Roles are
// deliberately absent; they are resolved from the directory per request.
type Claims struct {
	jwt.RegisteredClaims

	TokenType TokenType `json:"token_type"`
}
