package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/peritoai/periti/internal/tenant"
)

// Claims are the claims of a periti access token.
type Claims struct {
	Org  string `json:"org"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IssueHS256Token creates a token for scope signed with a shared secret.
func IssueHS256Token(secret []byte, scope tenant.Scope, role string, ttl time.Duration) (string, error) {
	return issueToken(jwt.SigningMethodHS256, secret, scope, role, ttl)
}

// IssueES256Token creates a token for scope signed with a PEM-encoded ECDSA private key.
func IssueES256Token(signingKeyPEM string, scope tenant.Scope, role string, ttl time.Duration) (string, error) {
	signingKey, err := jwt.ParseECPrivateKeyFromPEM([]byte(signingKeyPEM))
	if err != nil {
		return "", err
	}
	return issueToken(jwt.SigningMethodES256, signingKey, scope, role, ttl)
}

func issueToken(method jwt.SigningMethod, key any, scope tenant.Scope, role string, ttl time.Duration) (string, error) {
	if scope.IsZero() {
		return "", errors.New("token requires a tenant scope")
	}

	now := time.Now()
	claims := &Claims{
		Org:  scope.OrgID().String(),
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   scope.UserID().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    Issuer,
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(method, claims)
	return token.SignedString(key)
}
