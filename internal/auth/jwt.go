package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/peritoai/periti/internal/models"
	"github.com/peritoai/periti/internal/tenant"
)

// Issuer is the issuer of tokens minted by IssueToken and expected by JWTResolver.
const Issuer = "periti"

var (
	// ErrUnauthenticated is returned when a request carries no usable credentials.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is returned when a principal lacks a permission.
	ErrForbidden = errors.New("permission denied")
)

// Principal is the identity a request acts as.
type Principal struct {
	Scope tenant.Scope
	Role  string
}

// Resolver resolves the identity of a request. It is trusted input to the storage layer,
// which does not check that the organization exists.
type Resolver interface {
	Resolve(r *http.Request) (*Principal, error)
}

// JWTResolver resolves bearer tokens whose "sub" claim is the user ID and whose "org"
// claim is the organization ID.
type JWTResolver struct {
	method jwt.SigningMethod
	key    any
}

// NewHS256Resolver verifies tokens signed with a shared secret.
func NewHS256Resolver(secret []byte) (*JWTResolver, error) {
	if len(secret) < 32 {
		return nil, errors.New("JWT secret must be at least 32 bytes")
	}
	return &JWTResolver{method: jwt.SigningMethodHS256, key: secret}, nil
}

// NewES256ResolverFromPEM verifies tokens signed with the private half of an ECDSA
// P-256 key, given the PEM-encoded public key.
func NewES256ResolverFromPEM(publicKeyPEM string) (*JWTResolver, error) {
	if publicKeyPEM == "" {
		return nil, errors.New("JWT public key not provided")
	}

	publicKey, err := jwt.ParseECPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, err
	}

	return NewES256Resolver(publicKey), nil
}

// NewES256Resolver verifies tokens with publicKey.
func NewES256Resolver(publicKey *ecdsa.PublicKey) *JWTResolver {
	return &JWTResolver{method: jwt.SigningMethodES256, key: publicKey}
}

// Resolve verifies the request's bearer token and returns its principal.
func (v *JWTResolver) Resolve(r *http.Request) (*Principal, error) {
	tokenString := extractBearerToken(r)
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}

	claims, err := v.verify(tokenString)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	return principalFromClaims(claims)
}

// verify checks the token signature, algorithm, issuer and expiry and returns the claims.
func (v *JWTResolver) verify(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != v.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.key, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{v.method.Alg()}),
	)
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}

	return claims, nil
}

func principalFromClaims(claims jwt.MapClaims) (*Principal, error) {
	userID, err := parseUUID(claims, "sub")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	orgID, err := parseUUID(claims, "org")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	scope, err := tenant.NewScope(userID, orgID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	role, _ := claims["role"].(string)
	if role == "" {
		role = models.RoleAdjuster
	}

	return &Principal{Scope: scope, Role: role}, nil
}

// extractBearerToken extracts the JWT from the Authorization header.
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return parts[1]
}

// parseUUID extracts a UUID from JWT claims.
func parseUUID(claims jwt.MapClaims, key string) (uuid.UUID, error) {
	value, ok := claims[key].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("missing or invalid %s claim", key)
	}

	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s UUID: %w", key, err)
	}

	return id, nil
}
