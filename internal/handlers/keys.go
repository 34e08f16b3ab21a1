package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"memvault-backend/internal/events"
	"memvault-backend/internal/repository"
	"memvault-backend/internal/seal"
	"memvault-backend/internal/service/consent"
	"memvault-backend/pkg/api"
)

// KeysHandler serves POST /api/v1/keys/rotate.
type KeysHandler struct {
	sealer  seal.Sealer
	consent *consent.Service
	states  repository.UserStates
	pub     events.Publisher
	logger  *zap.Logger
}

func NewKeysHandler(sealer seal.Sealer, consentSvc *consent.Service, states repository.UserStates, pub events.Publisher, logger *zap.Logger) *KeysHandler {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &KeysHandler{
		sealer:  sealer,
		consent: consentSvc,
		states:  states,
		pub:     pub,
		logger:  logger.Named("handlers"),
	}
}

// Rotate mints a new backup-key version for the caller, drops their cached
// permission decisions, and records the version. Old ciphertexts remain
// decryptable; the body is optional and only tunes the fresh session TTL.
func (h *KeysHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	user, ok := owner(r)
	if !ok {
		api.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req api.RotateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, h.logger, err)
			return
		}
	}

	version, err := h.sealer.Rotate(r.Context(), user, req.SessionTTLMinutes)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	h.consent.InvalidateUser(user)

	now := time.Now()
	state, err := h.states.GetUserState(r.Context(), user)
	if err == nil {
		state.User = user
		state.KeyVersion = version
		state.UpdatedAtMs = now.UnixMilli()
		err = h.states.PutUserState(r.Context(), state)
	}
	if err != nil {
		// The ring already rotated; the persisted version only seeds
		// re-provisioning after a restart.
		h.logger.Warn("key version persist failed",
			zap.String("user", user.String()),
			zap.Uint32("key_version", version),
			zap.Error(err))
	}

	if err := h.pub.Publish(r.Context(), events.NewKeysRotated(user.String(), version, now)); err != nil {
		h.logger.Warn("keys rotated event publish failed",
			zap.String("user", user.String()), zap.Error(err))
	}
	api.Success(w, http.StatusOK, api.RotateResponse{KeyVersion: version})
}
