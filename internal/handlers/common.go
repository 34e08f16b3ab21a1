// Package handlers exposes the HTTP control surface over the memory
// substrate: ingestion, listing, retrieval, consent grants, key rotation,
// and the admin maintenance calls.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"memvault-backend/internal/domain/identity"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/middleware"
	"memvault-backend/pkg/api"
)

var validate = validator.New()

// owner extracts the authenticated end user every route acts for.
func owner(r *http.Request) (identity.Address, bool) {
	return middleware.UserFromContext(r.Context())
}

// requester returns the acting address: the application when one is named,
// otherwise the user themselves.
func requester(r *http.Request) (identity.Address, bool) {
	if app, ok := middleware.AppFromContext(r.Context()); ok {
		return app, true
	}
	return middleware.UserFromContext(r.Context())
}

// decodeJSON parses and validates a request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return appErrors.NewInvalidInput("invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		return appErrors.NewInvalidInput(err.Error())
	}
	return nil
}

// handleServiceError maps the closed error taxonomy onto HTTP statuses.
// Transient faults and internal errors hide their details from the client.
func handleServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case appErrors.IsInvalidInput(err):
		api.Error(w, http.StatusBadRequest, err.Error())
	case appErrors.IsSessionExpired(err):
		api.Error(w, http.StatusUnauthorized, err.Error())
	case appErrors.IsNoAccess(err):
		api.Error(w, http.StatusForbidden, err.Error())
	case appErrors.IsNotFound(err):
		api.Error(w, http.StatusNotFound, err.Error())
	case appErrors.IsBackpressure(err):
		api.Error(w, http.StatusTooManyRequests, err.Error())
	case appErrors.IsTransient(err):
		logger.Warn("request failed on a transient dependency", zap.Error(err))
		api.Error(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		logger.Error("request failed", zap.Error(err))
		api.Error(w, http.StatusInternalServerError, "an internal error occurred")
	}
}
