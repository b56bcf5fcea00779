package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/peritoai/periti/internal/auth"
	"github.com/peritoai/periti/internal/tenant"
)

// TokenCmd issues a bearer token for the API. It does not check that the user or
// organization exist; the token only carries their identifiers.
type TokenCmd struct {
	User       string        `help:"user ID (sub claim)" required:""`
	Org        string        `help:"organization ID (org claim)" required:""`
	Role       string        `help:"user role" default:"adjuster" enum:"admin,adjuster"`
	TTL        time.Duration `help:"token lifetime" default:"1h"`
	JWTSecret  string        `help:"HMAC secret signing HS256 tokens" env:"PERITI_JWT_SECRET"`
	SigningKey string        `help:"PEM encoded ECDSA private key signing ES256 tokens" env:"PERITI_JWT_SIGNING_KEY"`
}

func (t *TokenCmd) Run(ctx context.Context) error {
	userID, err := uuid.Parse(t.User)
	if err != nil {
		return fmt.Errorf("invalid user ID: %w", err)
	}
	orgID, err := uuid.Parse(t.Org)
	if err != nil {
		return fmt.Errorf("invalid organization ID: %w", err)
	}
	scope, err := tenant.NewScope(userID, orgID)
	if err != nil {
		return err
	}

	var token string
	switch {
	case t.SigningKey != "":
		token, err = auth.IssueES256Token(t.SigningKey, scope, t.Role, t.TTL)
	case t.JWTSecret != "":
		token, err = auth.IssueHS256Token([]byte(t.JWTSecret), scope, t.Role, t.TTL)
	default:
		return errors.New("a JWT secret or signing key is required (--jwt-secret or --signing-key)")
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, token)
	return nil
}
