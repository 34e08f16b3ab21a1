package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"memvault-backend/internal/middleware"
	"memvault-backend/internal/service/search"
	"memvault-backend/pkg/api"
)

// SearchHandler serves POST /api/v1/search.
type SearchHandler struct {
	search *search.Service
	logger *zap.Logger
}

func NewSearchHandler(searchSvc *search.Service, logger *zap.Logger) *SearchHandler {
	return &SearchHandler{
		search: searchSvc,
		logger: logger.Named("handlers"),
	}
}

// Search runs one retrieval call. The response is the engine's wire shape;
// per-mode stats and facets ride along when asked for.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	user, ok := owner(r)
	if !ok {
		api.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req api.SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	mode, err := search.ParseMode(req.Mode)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	opts := search.Options{
		Mode:           mode,
		K:              req.K,
		Threshold:      req.Threshold,
		MaxHops:        req.MaxHops,
		Categories:     req.Categories,
		Tags:           req.Tags,
		SinceMs:        req.SinceMs,
		UntilMs:        req.UntilMs,
		MinImportance:  req.MinImportance,
		MaxImportance:  req.MaxImportance,
		IncludeContent: req.IncludeContent,
		IncludeFacets:  req.IncludeFacets,
		Bucket:         req.Bucket,
	}
	if app, ok := middleware.AppFromContext(r.Context()); ok {
		opts.As = app
	}
	if req.Weights != nil {
		opts.Weights = &search.Weights{
			Vector:   req.Weights.Vector,
			Keyword:  req.Weights.Keyword,
			Graph:    req.Weights.Graph,
			Temporal: req.Weights.Temporal,
		}
	}

	resp, err := h.search.Search(r.Context(), user, req.Query, opts)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, resp)
}
