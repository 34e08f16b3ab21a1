// Package ingest runs the write path: classify, embed, seal, store, index,
// extract. Each accepted utterance becomes a Memory record plus a content
// blob, a queued vector add, and a queued graph update; failures past the
// blob write park work on durable lists instead of failing the call.
package ingest

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"memvault-backend/internal/blob"
	"memvault-backend/internal/cache"
	"memvault-backend/internal/domain/identity"
	"memvault-backend/internal/domain/memory"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/events"
	"memvault-backend/internal/kgraph"
	"memvault-backend/internal/observability"
	"memvault-backend/internal/repository"
	"memvault-backend/internal/seal"
	"memvault-backend/internal/service/classify"
	"memvault-backend/internal/vector"
)

// Classifier gates utterances before any side effect runs.
type Classifier interface {
	Classify(ctx context.Context, utterance string) (classify.Decision, error)
}

// Extractor turns an utterance into graph entities and relations.
type Extractor interface {
	Extract(ctx context.Context, text string) (kgraph.Extraction, error)
}

// Embedder produces the dense vector for index adds.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Skip reasons reported in Result.SkipReason.
const (
	SkipLowValue        = "low_value"
	SkipDuplicate       = "duplicate"
	SkipClassifierError = "classifier_error"
)

// Options tunes one ingest call. The zero value is the normal path: no
// importance override, sealed under the caller's self identity.
type Options struct {
	// Importance overrides the classifier's confidence when non-nil; must
	// be in [0,1].
	Importance *float64
	// Identity seals the content under a non-default identity, a time lock
	// say. It must belong to the ingesting user. Nil means self.
	Identity *identity.Identity
	// Tags are caller-supplied labels merged into the record.
	Tags []string
}

// Result is the outcome of one ingest call: accepted with its references,
// or skipped with a reason.
type Result struct {
	Accepted         bool   `json:"accepted"`
	MemoryID         string `json:"memory_id,omitempty"`
	VectorRef        *int64 `json:"vector_ref,omitempty"`
	ContentRef       string `json:"content_ref,omitempty"`
	Category         string `json:"category,omitempty"`
	SkipReason       string `json:"skip_reason,omitempty"`
	ExistingMemoryID string `json:"existing_memory_id,omitempty"`
}

// Config tunes the pipeline.
type Config struct {
	// DedupWindow is how long an identical utterance is refused after an
	// acceptance.
	DedupWindow time.Duration
	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

func (c *Config) applyDefaults() {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Deps names the pipeline's collaborators. Contents and Publisher are
// optional; everything else is required.
type Deps struct {
	Classifier Classifier
	Extractor  Extractor
	Embedder   Embedder
	Sealer     seal.Sealer
	Blobs      blob.Store
	Contents   *cache.ContentCache
	Vectors    *vector.Manager
	Graphs     *kgraph.Manager
	Repo       repository.Repository
	Publisher  events.Publisher
}

func (d Deps) validate() error {
	switch {
	case d.Classifier == nil:
		return appErrors.NewInvalidInput("ingest requires a classifier")
	case d.Extractor == nil:
		return appErrors.NewInvalidInput("ingest requires an extractor")
	case d.Embedder == nil:
		return appErrors.NewInvalidInput("ingest requires an embedder")
	case d.Sealer == nil:
		return appErrors.NewInvalidInput("ingest requires a sealer")
	case d.Blobs == nil:
		return appErrors.NewInvalidInput("ingest requires a blob store")
	case d.Vectors == nil:
		return appErrors.NewInvalidInput("ingest requires a vector manager")
	case d.Graphs == nil:
		return appErrors.NewInvalidInput("ingest requires a graph manager")
	case d.Repo == nil:
		return appErrors.NewInvalidInput("ingest requires a repository")
	}
	return nil
}

// Service is the ingestion pipeline.
type Service struct {
	classifier Classifier
	extractor  Extractor
	embedder   Embedder
	sealer     seal.Sealer
	blobs      blob.Store
	contents   *cache.ContentCache
	vectors    *vector.Manager
	graphs     *kgraph.Manager
	repo       repository.Repository
	pub        events.Publisher

	window  time.Duration
	clock   func() time.Time
	logger  *zap.Logger
	metrics *observability.Collector

	// mu guards users; each user's mutex serialises that user's ingests so
	// the dedup probe-then-record pair is atomic and acceptance follows
	// wall-clock order.
	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewService builds the pipeline and installs the managers' durability
// hooks, so parked vector and graph work clears as snapshots and
// checkpoints land.
func NewService(deps Deps, cfg Config, logger *zap.Logger, metrics *observability.Collector) (*Service, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	s := &Service{
		classifier: deps.Classifier,
		extractor:  deps.Extractor,
		embedder:   deps.Embedder,
		sealer:     deps.Sealer,
		blobs:      deps.Blobs,
		contents:   deps.Contents,
		vectors:    deps.Vectors,
		graphs:     deps.Graphs,
		repo:       deps.Repo,
		pub:        deps.Publisher,
		window:     cfg.DedupWindow,
		clock:      cfg.Clock,
		logger:     logger.Named("ingest"),
		metrics:    metrics,
		users:      make(map[string]*sync.Mutex),
	}
	s.wireDurabilityHooks()
	return s, nil
}

// Ingest runs the pipeline for one utterance. The error return is reserved
// for aborts; skips are successful calls with a reason in the Result.
func (s *Service) Ingest(ctx context.Context, user identity.Address, utterance string, opts Options) (Result, error) {
	if user.IsEmpty() {
		return Result{}, appErrors.NewInvalidInput("ingest requires a user address")
	}
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return Result{}, appErrors.NewInvalidInput("ingest requires a non-empty utterance")
	}
	if opts.Importance != nil && (*opts.Importance < 0 || *opts.Importance > 1) {
		return Result{}, appErrors.NewInvalidInput("importance override must be in [0,1]")
	}
	sealID := identity.Self(user)
	if opts.Identity != nil {
		if opts.Identity.IsZero() {
			return Result{}, appErrors.NewInvalidInput("seal identity override must not be zero")
		}
		if !opts.Identity.User().Equals(user) {
			return Result{}, appErrors.NewInvalidInput("seal identity must belong to the ingesting user")
		}
		sealID = *opts.Identity
	}

	start := s.clock()
	defer func() {
		if s.metrics != nil {
			s.metrics.IngestDuration.Observe(s.clock().Sub(start).Seconds())
		}
	}()

	unlock := s.lockUser(user.String())
	defer unlock()

	nowMs := start.UnixMilli()
	hash := xxhash.Sum64String(utterance)
	if existingID, hit, err := s.repo.RecallDedup(ctx, user, hash, nowMs); err != nil {
		s.logger.Warn("dedup probe failed, continuing without the window",
			zap.String("user", user.String()), zap.Error(err))
	} else if hit {
		s.skip(SkipDuplicate)
		return Result{SkipReason: SkipDuplicate, ExistingMemoryID: existingID}, nil
	}

	decision, err := s.classifier.Classify(ctx, utterance)
	if err != nil {
		s.skip(SkipClassifierError)
		s.logger.Warn("classifier unavailable, utterance skipped",
			zap.String("user", user.String()), zap.Error(err))
		return Result{SkipReason: SkipClassifierError}, nil
	}
	if !decision.ShouldSave {
		s.skip(SkipLowValue)
		return Result{SkipReason: SkipLowValue, Category: decision.Category}, nil
	}
	importance := decision.Confidence
	if opts.Importance != nil {
		importance = *opts.Importance
	}

	vec, err := s.embedder.EmbedOne(ctx, utterance)
	if err != nil {
		return Result{}, err
	}

	ciphertext, err := s.sealer.Encrypt(ctx, []byte(utterance), sealID)
	if err != nil {
		return Result{}, err
	}

	receipt, err := s.blobs.Put(ctx, ciphertext, blob.Tags{
		Owner:          user.String(),
		Category:       decision.Category,
		Importance:     importance,
		ContentType:    "text/plain",
		CreatedMs:      nowMs,
		IsEncrypted:    true,
		EncryptionType: string(memory.EncryptionIBE),
	})
	if err != nil {
		return Result{}, err
	}
	if s.contents != nil {
		s.contents.Put(ctx, receipt.Address, ciphertext)
	}

	m, err := memory.New(user, decision.Category, importance, start)
	if err != nil {
		return Result{}, err
	}
	m.ContentRef = receipt.Address
	m.EmbeddingModel = s.embedder.Model()
	m.Encryption = memory.Encryption{
		Type:     memory.EncryptionIBE,
		Identity: sealID.String(),
		AADHash:  seal.BindingHash([]byte(utterance), sealID),
	}
	m.AddTags(opts.Tags...)
	m.Keywords = memory.ExtractKeywords(utterance)

	ref, err := s.repo.NextVectorRef(ctx, user)
	if err != nil {
		return Result{}, err
	}

	// Write-ahead entry: if the process dies between the enqueue and the
	// next snapshot, the index reload replays it. The snapshot commit hook
	// clears the entries a snapshot covers.
	if err := s.repo.PutReindex(ctx, user, repository.ReindexEntry{
		MemoryID:  m.MemoryID,
		VectorID:  strconv.FormatInt(ref, 10),
		Embedding: vec,
		CreatedMs: nowMs,
	}); err != nil {
		s.logger.Warn("reindex write-ahead failed",
			zap.String("memory_id", m.MemoryID), zap.Error(err))
	}
	if err := s.vectors.Add(ctx, user.String(), m.MemoryID, vec, 0); err != nil {
		m.ClearVectorRef()
		s.logger.Warn("vector enqueue failed, memory parked for reindex",
			zap.String("user", user.String()),
			zap.String("memory_id", m.MemoryID),
			zap.Error(err))
	} else {
		m.SetVectorRef(ref)
	}

	s.applyExtraction(ctx, user, m, utterance, nowMs)

	if err := s.repo.SaveMemory(ctx, m); err != nil {
		// The blob and any enqueued vector stay behind; the reindex entry
		// marks them for the repair pass to prune, and the blob expires
		// with its epoch either way.
		return Result{}, err
	}
	if err := s.repo.RememberDedup(ctx, user, hash, m.MemoryID, nowMs+s.window.Milliseconds()); err != nil {
		s.logger.Warn("dedup record failed",
			zap.String("memory_id", m.MemoryID), zap.Error(err))
	}

	if err := s.pub.Publish(ctx, events.NewMemoryCreated(m.MemoryID, user.String(), m.Category, m.Importance, m.Sealed(), start)); err != nil {
		s.logger.Warn("memory created event publish failed",
			zap.String("memory_id", m.MemoryID), zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.MemoriesAccepted.Inc()
	}
	s.logger.Info("memory accepted",
		zap.String("user", user.String()),
		zap.String("memory_id", m.MemoryID),
		zap.String("category", m.Category),
		zap.Bool("indexed", m.HasVectorRef()))

	return Result{
		Accepted:   true,
		MemoryID:   m.MemoryID,
		VectorRef:  m.VectorRef,
		ContentRef: m.ContentRef,
		Category:   m.Category,
	}, nil
}

// applyExtraction runs step eight. Extraction and enqueue failures leave the
// pending entry behind so the repair pass replays them; the checkpoint
// commit hook clears entries whose updates became durable.
func (s *Service) applyExtraction(ctx context.Context, user identity.Address, m *memory.Memory, utterance string, nowMs int64) {
	ex, exErr := s.extractor.Extract(ctx, utterance)
	if exErr == nil && ex.Empty() {
		return
	}

	if err := s.repo.PutPendingGraph(ctx, user, m.MemoryID, nowMs); err != nil {
		s.logger.Warn("pending graph write-ahead failed",
			zap.String("memory_id", m.MemoryID), zap.Error(err))
	}
	if exErr != nil {
		s.logger.Warn("extraction failed, graph update parked",
			zap.String("memory_id", m.MemoryID), zap.Error(exErr))
		return
	}

	for _, node := range ex.Nodes {
		m.AddGraphRefs(kgraph.NodeID(node.Kind, node.Name))
	}
	if err := s.graphs.Add(ctx, user.String(), ex, m.MemoryID); err != nil {
		s.logger.Warn("graph enqueue failed, update parked",
			zap.String("memory_id", m.MemoryID), zap.Error(err))
	}
}

func (s *Service) skip(reason string) {
	if s.metrics != nil {
		s.metrics.MemoriesSkipped.WithLabelValues(reason).Inc()
	}
}

func (s *Service) lockUser(user string) func() {
	s.mu.Lock()
	l, ok := s.users[user]
	if !ok {
		l = &sync.Mutex{}
		s.users[user] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}
