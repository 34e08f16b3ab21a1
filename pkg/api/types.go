// Package api defines the wire contracts of the HTTP surface. It decouples
// request and response shapes from the internal domain models.
package api

// IngestRequest is the body of POST /api/v1/memories.
type IngestRequest struct {
	Content    string   `json:"content" validate:"required,max=65536"`
	Importance *float64 `json:"importance,omitempty" validate:"omitempty,gte=0,lte=1"`
	// Identity optionally seals the content under a non-default identity,
	// given in its serialised text form.
	Identity string   `json:"identity,omitempty" validate:"omitempty,max=256"`
	Tags     []string `json:"tags,omitempty" validate:"omitempty,max=16,dive,min=1,max=64"`
}

// IngestResponse reports the pipeline outcome: accepted with its references,
// or skipped with a reason.
type IngestResponse struct {
	Accepted         bool   `json:"accepted"`
	MemoryID         string `json:"memory_id,omitempty"`
	VectorRef        *int64 `json:"vector_ref,omitempty"`
	ContentRef       string `json:"content_ref,omitempty"`
	Category         string `json:"category,omitempty"`
	SkipReason       string `json:"skip_reason,omitempty"`
	ExistingMemoryID string `json:"existing_memory_id,omitempty"`
}

// MemoryResponse is the API representation of one memory record. Content is
// set only when the caller asked for it and the envelope opened.
type MemoryResponse struct {
	MemoryID   string   `json:"memory_id"`
	Owner      string   `json:"owner"`
	Category   string   `json:"category"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
	Importance float64  `json:"importance"`
	Tags       []string `json:"tags,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	ContentRef string   `json:"content_ref"`
	VectorRef  *int64   `json:"vector_ref,omitempty"`
	Encrypted  bool     `json:"encrypted"`
	Identity   string   `json:"identity,omitempty"`
	GraphRefs  []string `json:"graph_refs,omitempty"`
	Content    string   `json:"content,omitempty"`
}

// MemoryPageResponse is one listing page, newest first. NextCursor is empty
// when the listing is exhausted.
type MemoryPageResponse struct {
	Items      []MemoryResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// SearchWeights overrides the hybrid score blend.
type SearchWeights struct {
	Vector   float64 `json:"vector" validate:"gte=0"`
	Keyword  float64 `json:"keyword" validate:"gte=0"`
	Graph    float64 `json:"graph" validate:"gte=0"`
	Temporal float64 `json:"temporal" validate:"gte=0"`
}

// SearchRequest is the body of POST /api/v1/search. Zero values fall back to
// the engine defaults. Query may be empty only in temporal mode; the engine
// enforces that per mode.
type SearchRequest struct {
	Query          string         `json:"query,omitempty" validate:"omitempty,max=8192"`
	Mode           string         `json:"mode,omitempty" validate:"omitempty,oneof=vector keyword graph temporal hybrid"`
	K              int            `json:"k,omitempty" validate:"omitempty,gte=1,lte=100"`
	Threshold      *float64       `json:"threshold,omitempty" validate:"omitempty,gte=-1,lte=1"`
	MaxHops        int            `json:"max_hops,omitempty" validate:"omitempty,gte=1,lte=5"`
	Weights        *SearchWeights `json:"weights,omitempty"`
	Categories     []string       `json:"categories,omitempty" validate:"omitempty,max=8"`
	Tags           []string       `json:"tags,omitempty" validate:"omitempty,max=16"`
	SinceMs        int64          `json:"since_ms,omitempty" validate:"omitempty,gte=0"`
	UntilMs        int64          `json:"until_ms,omitempty" validate:"omitempty,gte=0"`
	MinImportance  float64        `json:"min_importance,omitempty" validate:"omitempty,gte=0,lte=1"`
	MaxImportance  float64        `json:"max_importance,omitempty" validate:"omitempty,gte=0,lte=1"`
	IncludeContent bool           `json:"include_content,omitempty"`
	IncludeFacets  bool           `json:"include_facets,omitempty"`
	Bucket         string         `json:"bucket,omitempty" validate:"omitempty,oneof=day week month"`
}

// GrantRequest is the body of POST /api/v1/consent/grants.
type GrantRequest struct {
	Requester  string `json:"requester" validate:"required,max=66"`
	Scope      string `json:"scope" validate:"required,max=32"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty" validate:"omitempty,gte=0"`
}

// GrantResponse is the API representation of one consent grant.
type GrantResponse struct {
	User      string `json:"user"`
	Requester string `json:"requester"`
	Scope     string `json:"scope"`
	GrantedAt int64  `json:"granted_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// GrantsResponse lists every grant the user has issued.
type GrantsResponse struct {
	Grants []GrantResponse `json:"grants"`
}

// RotateRequest is the body of POST /api/v1/keys/rotate.
type RotateRequest struct {
	// SessionTTLMinutes bounds the fresh session opened alongside the new
	// key version; zero keeps the server default.
	SessionTTLMinutes int `json:"session_ttl_minutes,omitempty" validate:"omitempty,gte=1,lte=1440"`
}

// RotateResponse reports the new backup-key version.
type RotateResponse struct {
	KeyVersion uint32 `json:"key_version"`
}

// AdminUserRequest names the user an admin maintenance call acts on. An
// empty user means the caller's own address.
type AdminUserRequest struct {
	User string `json:"user,omitempty" validate:"omitempty,max=66"`
}

// RepairResponse summarises one repair pass over parked work.
type RepairResponse struct {
	Reindexed     int `json:"reindexed"`
	GraphReplayed int `json:"graph_replayed"`
	Pruned        int `json:"pruned"`
}

// IndexStats is one user's vector-index row in the admin stats.
type IndexStats struct {
	User            string `json:"user"`
	State           string `json:"state"`
	Size            int    `json:"size"`
	Dirty           int64  `json:"dirty"`
	PendingAdds     int    `json:"pending_adds"`
	SnapshotVersion uint64 `json:"snapshot_version"`
}

// GraphStats is one user's knowledge-graph row in the admin stats.
type GraphStats struct {
	User           string `json:"user"`
	State          string `json:"state"`
	Nodes          int    `json:"nodes"`
	Edges          int    `json:"edges"`
	Dirty          int64  `json:"dirty"`
	PendingUpdates int    `json:"pending_updates"`
	Version        uint64 `json:"version"`
}

// CacheStats reports content-cache effectiveness per tier.
type CacheStats struct {
	L1Hits      int64 `json:"l1_hits"`
	L1Misses    int64 `json:"l1_misses"`
	L1Evictions int64 `json:"l1_evictions"`
	L1Entries   int   `json:"l1_entries"`
	L2Hits      int64 `json:"l2_hits"`
	L2Misses    int64 `json:"l2_misses"`
	L3Hits      int64 `json:"l3_hits"`
	L3Misses    int64 `json:"l3_misses"`
}

// StatsResponse is the admin view of the runtime: manager rows, batch queue
// depths, and cache counters.
type StatsResponse struct {
	Indexes []IndexStats   `json:"indexes"`
	Graphs  []GraphStats   `json:"graphs"`
	Batches map[string]int `json:"batches"`
	Cache   *CacheStats    `json:"cache,omitempty"`
}

// HealthResponse answers the liveness and readiness probes.
type HealthResponse struct {
	Status      string `json:"status"`
	Environment string `json:"environment,omitempty"`
}
