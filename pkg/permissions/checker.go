// Package permissions checks role permissions with support for wildcards.
//
// Permission Format:
//   - "*" - Full access (all permissions)
//   - "resource.*" - All actions on a resource (e.g., "consolidation.*")
//   - "resource.action" - Specific action (e.g., "consolidation.read")
package permissions

import (
	"net/http"
	"strings"

	"github.com/pharmaportal/pharmaportal-backend/pkg/actor"
	"github.com/pharmaportal/pharmaportal-backend/pkg/errors"
	"github.com/pharmaportal/pharmaportal-backend/pkg/httputil"
)

// HasPermission checks if the user's permissions include the required permission.
// Supports wildcard matching:
//   - "*" matches everything
//   - "consolidation.*" matches "consolidation.read", "consolidation.order", etc.
//   - Exact match for specific permissions
func HasPermission(userPerms []string, required string) bool {
	if required == "" {
		return true
	}

	for _, p := range userPerms {
		if p == "*" || p == required {
			return true
		}
		if strings.HasSuffix(p, ".*") {
			prefix := strings.TrimSuffix(p, ".*")
			if strings.HasPrefix(required, prefix+".") {
				return true
			}
		}
	}
	return false
}

// HasAnyPermission checks if the user has any of the required permissions.
func HasAnyPermission(userPerms []string, required []string) bool {
	for _, req := range required {
		if HasPermission(userPerms, req) {
			return true
		}
	}
	return false
}

// RoleHas reports whether role grants the permission
func RoleHas(role, required string) bool {
	return HasPermission(ForRole(role), required)
}

// Require rejects requests whose actor lacks the permission
func Require(required string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a := actor.FromContext(r.Context())
			if a == nil {
				httputil.ErrorLocalized(w, r, errors.Unauthorized("authentication required"))
				return
			}
			if !RoleHas(a.Role, required) {
				httputil.ErrorLocalized(w, r, errors.Forbidden("missing permission "+required))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
