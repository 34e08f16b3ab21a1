package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"memvault-backend/internal/batch"
	"memvault-backend/internal/cache"
	"memvault-backend/internal/domain/identity"
	"memvault-backend/internal/kgraph"
	"memvault-backend/internal/service/ingest"
	"memvault-backend/internal/vector"
	"memvault-backend/pkg/api"
)

// AdminHandler serves the maintenance surface: forced flushes and
// checkpoints, the repair pass over parked work, and runtime stats.
type AdminHandler struct {
	ingest   *ingest.Service
	vectors  *vector.Manager
	graphs   *kgraph.Manager
	batches  *batch.Registry
	contents *cache.ContentCache
	logger   *zap.Logger
}

func NewAdminHandler(ingestSvc *ingest.Service, vectors *vector.Manager, graphs *kgraph.Manager, batches *batch.Registry, contents *cache.ContentCache, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		ingest:   ingestSvc,
		vectors:  vectors,
		graphs:   graphs,
		batches:  batches,
		contents: contents,
		logger:   logger.Named("handlers"),
	}
}

// Flush handles POST /api/v1/admin/flush: drain the user's pending vector
// adds and cut a snapshot.
func (h *AdminHandler) Flush(w http.ResponseWriter, r *http.Request) {
	target, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.vectors.Flush(r.Context(), target.String()); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, map[string]string{
		"status": "flushed",
		"user":   target.String(),
	})
}

// Checkpoint handles POST /api/v1/admin/checkpoint: drain the user's pending
// graph updates and cut a checkpoint.
func (h *AdminHandler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	target, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.graphs.Checkpoint(r.Context(), target.String()); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, map[string]string{
		"status": "checkpointed",
		"user":   target.String(),
	})
}

// Repair handles POST /api/v1/admin/repair: replay the user's parked reindex
// and graph work, then make it durable.
func (h *AdminHandler) Repair(w http.ResponseWriter, r *http.Request) {
	target, ok := h.target(w, r)
	if !ok {
		return
	}
	report, err := h.ingest.Repair(r.Context(), target)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, api.RepairResponse{
		Reindexed:     report.Reindexed,
		GraphReplayed: report.GraphReplayed,
		Pruned:        report.Pruned,
	})
}

// Stats handles GET /api/v1/admin/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := api.StatsResponse{
		Indexes: make([]api.IndexStats, 0),
		Graphs:  make([]api.GraphStats, 0),
		Batches: h.batches.Depths(),
	}
	for _, s := range h.vectors.Stats() {
		resp.Indexes = append(resp.Indexes, api.IndexStats{
			User:            s.User,
			State:           s.State,
			Size:            s.Size,
			Dirty:           s.Dirty,
			PendingAdds:     s.PendingAdds,
			SnapshotVersion: s.SnapshotVersion,
		})
	}
	for _, s := range h.graphs.Stats() {
		resp.Graphs = append(resp.Graphs, api.GraphStats{
			User:           s.User,
			State:          s.State,
			Nodes:          s.Nodes,
			Edges:          s.Edges,
			Dirty:          s.Dirty,
			PendingUpdates: s.PendingUpdates,
			Version:        s.Version,
		})
	}
	if h.contents != nil {
		cs := h.contents.Stats()
		resp.Cache = &api.CacheStats{
			L1Hits:      cs.L1Hits,
			L1Misses:    cs.L1Misses,
			L1Evictions: cs.L1Evictions,
			L1Entries:   cs.L1Entries,
			L2Hits:      cs.L2Hits,
			L2Misses:    cs.L2Misses,
			L3Hits:      cs.L3Hits,
			L3Misses:    cs.L3Misses,
		}
	}
	api.Success(w, http.StatusOK, resp)
}

// target resolves the user a maintenance call acts on: the optional body
// names one, otherwise it is the caller.
func (h *AdminHandler) target(w http.ResponseWriter, r *http.Request) (identity.Address, bool) {
	user, ok := owner(r)
	if !ok {
		api.Error(w, http.StatusUnauthorized, "authentication required")
		return identity.Address{}, false
	}
	if r.ContentLength == 0 {
		return user, true
	}
	var req api.AdminUserRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, h.logger, err)
		return identity.Address{}, false
	}
	if req.User == "" {
		return user, true
	}
	target, err := identity.ParseAddress(req.User)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return identity.Address{}, false
	}
	return target, true
}
