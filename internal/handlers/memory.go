package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"memvault-backend/internal/blob"
	"memvault-backend/internal/cache"
	"memvault-backend/internal/domain/identity"
	"memvault-backend/internal/domain/memory"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/repository"
	"memvault-backend/internal/seal"
	"memvault-backend/internal/service/ingest"
	"memvault-backend/pkg/api"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// MemoryHandler serves the memory CRUD surface: ingest, list, fetch with
// optional decrypt, and forget.
type MemoryHandler struct {
	ingest   *ingest.Service
	repo     repository.Repository
	sealer   seal.Sealer
	blobs    blob.Store
	contents *cache.ContentCache
	logger   *zap.Logger
}

// NewMemoryHandler builds the handler. Contents may be nil; fetches then go
// straight to the blob store.
func NewMemoryHandler(ingestSvc *ingest.Service, repo repository.Repository, sealer seal.Sealer, blobs blob.Store, contents *cache.ContentCache, logger *zap.Logger) *MemoryHandler {
	return &MemoryHandler{
		ingest:   ingestSvc,
		repo:     repo,
		sealer:   sealer,
		blobs:    blobs,
		contents: contents,
		logger:   logger.Named("handlers"),
	}
}

// Ingest handles POST /api/v1/memories.
func (h *MemoryHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	user, ok := owner(r)
	if !ok {
		api.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req api.IngestRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	opts := ingest.Options{
		Importance: req.Importance,
		Tags:       req.Tags,
	}
	if req.Identity != "" {
		id, err := identity.Parse(req.Identity)
		if err != nil {
			handleServiceError(w, h.logger, err)
			return
		}
		opts.Identity = &id
	}

	res, err := h.ingest.Ingest(r.Context(), user, req.Content, opts)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	status := http.StatusOK
	if res.Accepted {
		status = http.StatusCreated
	}
	api.Success(w, status, api.IngestResponse{
		Accepted:         res.Accepted,
		MemoryID:         res.MemoryID,
		VectorRef:        res.VectorRef,
		ContentRef:       res.ContentRef,
		Category:         res.Category,
		SkipReason:       res.SkipReason,
		ExistingMemoryID: res.ExistingMemoryID,
	})
}

// List handles GET /api/v1/memories.
func (h *MemoryHandler) List(w http.ResponseWriter, r *http.Request) {
	user, ok := owner(r)
	if !ok {
		api.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	q, err := listQuery(r)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	page, err := h.repo.ListMemories(r.Context(), user, q)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	resp := api.MemoryPageResponse{
		Items:      make([]api.MemoryResponse, 0, len(page.Items)),
		NextCursor: page.Cursor,
	}
	for _, m := range page.Items {
		resp.Items = append(resp.Items, toMemoryResponse(m))
	}
	api.Success(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/memories/{id}. With include_content=true the
// content blob is fetched and, for sealed records, opened on behalf of the
// acting identity.
func (h *MemoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, ok := owner(r)
	if !ok {
		api.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	memoryID := chi.URLParam(r, "id")

	m, err := h.repo.GetMemory(r.Context(), user, memoryID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	resp := toMemoryResponse(m)

	if r.URL.Query().Get("include_content") == "true" {
		as, _ := requester(r)
		content, err := h.openContent(r, m, as)
		if err != nil {
			handleServiceError(w, h.logger, err)
			return
		}
		resp.Content = content
	}
	api.Success(w, http.StatusOK, resp)
}

// Delete handles DELETE /api/v1/memories/{id}.
func (h *MemoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user, ok := owner(r)
	if !ok {
		api.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	memoryID := chi.URLParam(r, "id")

	if err := h.ingest.Forget(r.Context(), user, memoryID); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, map[string]string{
		"status":    "deleted",
		"memory_id": memoryID,
	})
}

// openContent reads one memory's blob through the cache tiers and, when
// sealed, decrypts and checks the plaintext against the record's binding
// hash.
func (h *MemoryHandler) openContent(r *http.Request, m *memory.Memory, as identity.Address) (string, error) {
	ctx := r.Context()
	var data []byte
	if h.contents != nil {
		var err error
		if data, err = h.contents.Get(ctx, m.ContentRef); err != nil {
			return "", err
		}
	} else {
		obj, err := h.blobs.Get(ctx, m.ContentRef)
		if err != nil {
			return "", err
		}
		data = obj.Bytes
	}
	if !m.Sealed() {
		return string(data), nil
	}

	sealID, err := m.SealIdentity()
	if err != nil {
		return "", err
	}
	plain, err := h.sealer.Decrypt(ctx, data, as)
	if err != nil {
		return "", err
	}
	if seal.BindingHash(plain, sealID) != m.Encryption.AADHash {
		h.logger.Warn("content binding mismatch",
			zap.String("memory_id", m.MemoryID))
		return "", appErrors.NewIntegrity("content does not match the record's binding hash")
	}
	return string(plain), nil
}

// listQuery parses the listing filters from the URL.
func listQuery(r *http.Request) (repository.MemoryQuery, error) {
	q := repository.MemoryQuery{
		Category: r.URL.Query().Get("category"),
		Cursor:   r.URL.Query().Get("cursor"),
		Limit:    defaultListLimit,
	}
	var err error
	if q.SinceMs, err = queryInt(r, "since_ms"); err != nil {
		return q, err
	}
	if q.UntilMs, err = queryInt(r, "until_ms"); err != nil {
		return q, err
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return q, err
	}
	if limit > 0 {
		if limit > maxListLimit {
			limit = maxListLimit
		}
		q.Limit = int(limit)
	}
	return q, nil
}

func queryInt(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, appErrors.NewInvalidInput(key + " must be a non-negative integer")
	}
	return v, nil
}

func toMemoryResponse(m *memory.Memory) api.MemoryResponse {
	return api.MemoryResponse{
		MemoryID:   m.MemoryID,
		Owner:      m.Owner.String(),
		Category:   m.Category,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		Importance: m.Importance,
		Tags:       m.Tags,
		Keywords:   m.Keywords,
		ContentRef: m.ContentRef,
		VectorRef:  m.VectorRef,
		Encrypted:  m.Sealed(),
		Identity:   m.Encryption.Identity,
		GraphRefs:  m.GraphRefs,
	}
}
