package middleware

import (
	"context"
	"net/http"

	"memvault-backend/internal/domain/identity"
	"memvault-backend/pkg/api"
)

const (
	userKey contextKey = "userAddress"
	appKey  contextKey = "appAddress"
)

// UserHeader names the end user every /api/v1 call acts for.
const UserHeader = "X-User-Address"

// AppHeader optionally names an application acting on the user's behalf.
const AppHeader = "X-App-Address"

// Identity lifts the caller's addresses out of the headers and into the
// context. The user header is mandatory; requests without it never reach a
// handler.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(UserHeader)
		if raw == "" {
			api.Error(w, http.StatusUnauthorized, UserHeader+" header is required")
			return
		}
		user, err := identity.ParseAddress(raw)
		if err != nil {
			api.Error(w, http.StatusBadRequest, "invalid "+UserHeader+" header")
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)

		if rawApp := r.Header.Get(AppHeader); rawApp != "" {
			app, err := identity.ParseAddress(rawApp)
			if err != nil {
				api.Error(w, http.StatusBadRequest, "invalid "+AppHeader+" header")
				return
			}
			ctx = context.WithValue(ctx, appKey, app)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFromContext returns the authenticated end user.
func UserFromContext(ctx context.Context) (identity.Address, bool) {
	addr, ok := ctx.Value(userKey).(identity.Address)
	return addr, ok
}

// AppFromContext returns the acting application, when one was named.
func AppFromContext(ctx context.Context) (identity.Address, bool) {
	addr, ok := ctx.Value(appKey).(identity.Address)
	return addr, ok
}
