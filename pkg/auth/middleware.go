package auth

import (
	"net/http"
	"strings"

	"github.com/pharmaportal/pharmaportal-backend/pkg/actor"
	"github.com/pharmaportal/pharmaportal-backend/pkg/errors"
	"github.com/pharmaportal/pharmaportal-backend/pkg/httputil"
	"github.com/pharmaportal/pharmaportal-backend/pkg/logger"
	"github.com/pharmaportal/pharmaportal-backend/pkg/permissions"
	"github.com/pharmaportal/pharmaportal-backend/pkg/scope"
)

// Middleware authenticates the request with a bearer token. Pharmacy-bound
// roles get their pharmacy as the request scope.
func Middleware(v *Verifier, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				httputil.ErrorLocalized(w, r, errors.Unauthorized("missing bearer token"))
				return
			}

			claims, err := v.Verify(token)
			if err != nil {
				log.Debug().Err(err).Msg("rejected access token")
				httputil.ErrorLocalized(w, r, err)
				return
			}

			a := claims.Actor()
			ctx := actor.WithActor(r.Context(), a)

			if permissions.IsPharmacyBound(a.Role) {
				if a.PharmacyID == "" {
					httputil.ErrorLocalized(w, r, errors.Forbidden("pharmacy role without pharmacy binding"))
					return
				}
				ctx = scope.WithPharmacyID(ctx, a.PharmacyID)
			}

			httputil.RecordIdentity(ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
