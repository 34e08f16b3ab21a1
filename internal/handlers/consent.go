package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	domain "memvault-backend/internal/domain/consent"
	"memvault-backend/internal/domain/identity"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/service/consent"
	"memvault-backend/pkg/api"
)

// ConsentHandler serves the grant management surface.
type ConsentHandler struct {
	consent *consent.Service
	logger  *zap.Logger
}

func NewConsentHandler(consentSvc *consent.Service, logger *zap.Logger) *ConsentHandler {
	return &ConsentHandler{
		consent: consentSvc,
		logger:  logger.Named("handlers"),
	}
}

// Grant handles POST /api/v1/consent/grants.
func (h *ConsentHandler) Grant(w http.ResponseWriter, r *http.Request) {
	user, ok := owner(r)
	if !ok {
		api.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req api.GrantRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	grantee, err := identity.ParseAddress(req.Requester)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	scope, err := domain.ParseScope(req.Scope)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	g, err := h.consent.Grant(r.Context(), user, grantee, scope, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	api.Success(w, http.StatusCreated, toGrantResponse(g))
}

// Revoke handles DELETE /api/v1/consent/grants. The grant triple comes from
// the requester and scope query parameters.
func (h *ConsentHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	user, ok := owner(r)
	if !ok {
		api.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	rawRequester := r.URL.Query().Get("requester")
	if rawRequester == "" {
		handleServiceError(w, h.logger, appErrors.NewInvalidInput("requester query parameter is required"))
		return
	}
	grantee, err := identity.ParseAddress(rawRequester)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	scope, err := domain.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	if err := h.consent.Revoke(r.Context(), user, grantee, scope); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// List handles GET /api/v1/consent/grants.
func (h *ConsentHandler) List(w http.ResponseWriter, r *http.Request) {
	user, ok := owner(r)
	if !ok {
		api.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	grants, err := h.consent.List(r.Context(), user)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	resp := api.GrantsResponse{Grants: make([]api.GrantResponse, 0, len(grants))}
	for _, g := range grants {
		resp.Grants = append(resp.Grants, toGrantResponse(g))
	}
	api.Success(w, http.StatusOK, resp)
}

func toGrantResponse(g *domain.Grant) api.GrantResponse {
	return api.GrantResponse{
		User:      g.User.String(),
		Requester: g.Requester.String(),
		Scope:     string(g.Scope),
		GrantedAt: g.GrantedAt,
		ExpiresAt: g.ExpiresAt,
	}
}
