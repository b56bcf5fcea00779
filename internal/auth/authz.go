package auth

import (
	"context"
	"fmt"
	"slices"

	"github.com/peritoai/periti/internal/models"
)

// Permission represents an authorized action
type Permission string

const (
	PermCasesRead       Permission = "cases:read"
	PermCasesWrite      Permission = "cases:write"
	PermCasesTransition Permission = "cases:transition"
	PermCasesDelete     Permission = "cases:delete"
	PermDocumentsRead   Permission = "documents:read"
	PermDocumentsWrite  Permission = "documents:write"
	PermReportsFinalize Permission = "reports:finalize"
	PermEmailLogsRead   Permission = "email_logs:read"
	PermUsersManage     Permission = "users:manage"
)

// RolePermissions maps user roles to allowed permissions
var RolePermissions = map[string][]Permission{
	models.RoleAdmin: {
		PermCasesRead,
		PermCasesWrite,
		PermCasesTransition,
		PermCasesDelete,
		PermDocumentsRead,
		PermDocumentsWrite,
		PermReportsFinalize,
		PermEmailLogsRead,
		PermUsersManage,
	},
	models.RoleAdjuster: {
		PermCasesRead,
		PermCasesWrite,
		PermCasesTransition,
		PermDocumentsRead,
		PermDocumentsWrite,
		PermReportsFinalize,
	},
}

// HasPermission checks if a role has a specific permission
func HasPermission(role string, perm Permission) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	return slices.Contains(perms, perm)
}

// RequirePermission checks authorization and returns an error if not authorized
func RequirePermission(ctx context.Context, perm Permission) error {
	p := PrincipalFromContext(ctx)
	if p == nil {
		return ErrUnauthenticated
	}

	if !HasPermission(p.Role, perm) {
		return fmt.Errorf("%w: %s requires %s", ErrForbidden, p.Role, perm)
	}

	return nil
}
