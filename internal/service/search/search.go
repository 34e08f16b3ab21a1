// Package search runs the read path: one query fans out across the
// retrieval modes, candidates merge by memory id, the consent filter drops
// what the requester may not read, and content is decrypted inline when
// asked for. Inside a hybrid search a failing mode degrades instead of
// failing the call.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"memvault-backend/internal/blob"
	"memvault-backend/internal/cache"
	domain "memvault-backend/internal/domain/consent"
	"memvault-backend/internal/domain/identity"
	"memvault-backend/internal/domain/memory"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/kgraph"
	"memvault-backend/internal/observability"
	"memvault-backend/internal/repository"
	"memvault-backend/internal/seal"
	"memvault-backend/internal/vector"
)

// Mode picks the retrieval strategy for one search.
type Mode string

const (
	ModeVector   Mode = "vector"
	ModeKeyword  Mode = "keyword"
	ModeGraph    Mode = "graph"
	ModeTemporal Mode = "temporal"
	ModeHybrid   Mode = "hybrid"
)

// hybridModes is the fan-out set, in stats order.
var hybridModes = []Mode{ModeVector, ModeKeyword, ModeGraph, ModeTemporal}

// ParseMode validates a mode string. Empty means hybrid.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeHybrid, nil
	case ModeVector, ModeKeyword, ModeGraph, ModeTemporal, ModeHybrid:
		return Mode(s), nil
	}
	return "", appErrors.NewInvalidInput(fmt.Sprintf("unknown search mode %q", s))
}

// Weights blends per-mode scores into the hybrid score.
type Weights struct {
	Vector   float64 `json:"vector"`
	Keyword  float64 `json:"keyword"`
	Graph    float64 `json:"graph"`
	Temporal float64 `json:"temporal"`
}

func (w Weights) of(m Mode) float64 {
	switch m {
	case ModeVector:
		return w.Vector
	case ModeKeyword:
		return w.Keyword
	case ModeGraph:
		return w.Graph
	case ModeTemporal:
		return w.Temporal
	}
	return 0
}

// Options tunes one search call. The zero value is a hybrid search of the
// caller's own memories with the configured defaults.
type Options struct {
	// Mode picks the retrieval strategy; empty means hybrid.
	Mode Mode
	// As is the requesting identity when an app searches on a user's
	// behalf. Empty means the user searches their own memories.
	As identity.Address
	// K caps the result count; zero means the configured default.
	K int
	// Threshold drops vector hits scoring below it; cosine scores lie in
	// [-1,1], so a negative value keeps everything. Nil means the
	// configured default.
	Threshold *float64
	// MaxHops bounds the graph walk; zero means the configured default.
	MaxHops int
	// Weights overrides the hybrid blend; nil means the configured set.
	Weights *Weights

	Categories []string
	Tags       []string
	SinceMs    int64
	UntilMs    int64
	// MinImportance and MaxImportance bound the importance filter;
	// MaxImportance of zero means no upper bound.
	MinImportance float64
	MaxImportance float64

	IncludeContent bool
	IncludeFacets  bool
	// Bucket aggregates temporal results by "day", "week", or "month".
	Bucket string
}

// Result is one scored memory. Content is only set when the caller asked
// for it and the plaintext could be produced; otherwise DecryptionFailed
// says why it is absent.
type Result struct {
	MemoryID         string             `json:"memory_id"`
	Score            float64            `json:"score"`
	Category         string             `json:"category"`
	Importance       float64            `json:"importance"`
	CreatedAt        int64              `json:"created_at"`
	Tags             []string           `json:"tags,omitempty"`
	IsEncrypted      bool               `json:"is_encrypted"`
	Content          string             `json:"content,omitempty"`
	DecryptionFailed bool               `json:"decryption_failed,omitempty"`
	DecryptionError  string             `json:"decryption_error,omitempty"`
	ModeScores       map[string]float64 `json:"mode_scores,omitempty"`
}

// Facets counts categories and tags across everything the requester was
// allowed to see, not just the returned page.
type Facets struct {
	Categories map[string]int `json:"categories"`
	Tags       map[string]int `json:"tags,omitempty"`
}

// Bucket is one temporal aggregation cell. Start is the bucket's opening
// instant in UTC milliseconds.
type Bucket struct {
	Start int64 `json:"start"`
	Count int   `json:"count"`
}

// ModeTiming reports one mode's run inside a search.
type ModeTiming struct {
	Mode       string `json:"mode"`
	Millis     int64  `json:"millis"`
	Candidates int    `json:"candidates"`
}

// Stats describes how the search ran.
type Stats struct {
	Modes              []ModeTiming `json:"modes"`
	Candidates         int          `json:"candidates"`
	Permitted          int          `json:"permitted"`
	PassRate           float64      `json:"pass_rate"`
	Returned           int          `json:"returned"`
	Decrypted          int          `json:"decrypted"`
	DecryptionFailures int          `json:"decryption_failures"`
	CacheHitRate       float64      `json:"cache_hit_rate"`
	Degraded           []string     `json:"degraded,omitempty"`
	TookMs             int64        `json:"took_ms"`
}

// Response is the outcome of one search call.
type Response struct {
	Results []Result `json:"results"`
	Facets  *Facets  `json:"facets,omitempty"`
	Buckets []Bucket `json:"buckets,omitempty"`
	Stats   Stats    `json:"stats"`
}

// Embedder produces the dense vector for the query.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// PermissionChecker answers whether a requester may read content sealed to
// a target identity.
type PermissionChecker interface {
	Allows(ctx context.Context, requester identity.Address, target identity.Identity, scope domain.Scope) (bool, error)
}

// Config tunes the engine.
type Config struct {
	// DefaultK is the result count when the caller does not set one.
	DefaultK int
	// Threshold is the default vector similarity cutoff. Zero means the
	// stock 0.6; set a negative value to disable the cutoff outright.
	Threshold float64
	// Weights is the default hybrid blend.
	Weights Weights
	// MaxHops is the default graph walk depth.
	MaxHops int
	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

func (c *Config) applyDefaults() {
	if c.DefaultK <= 0 {
		c.DefaultK = 10
	}
	if c.Threshold == 0 {
		c.Threshold = 0.6
	}
	if (c.Weights == Weights{}) {
		c.Weights = Weights{Vector: 0.6, Keyword: 0.2, Graph: 0.15, Temporal: 0.05}
	}
	if c.MaxHops <= 0 {
		c.MaxHops = 2
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Deps names the engine's collaborators. Contents is optional; everything
// else is required.
type Deps struct {
	Embedder Embedder
	Vectors  *vector.Manager
	Graphs   *kgraph.Manager
	Repo     repository.Repository
	Perms    PermissionChecker
	Sealer   seal.Sealer
	Blobs    blob.Store
	Contents *cache.ContentCache
}

func (d Deps) validate() error {
	switch {
	case d.Embedder == nil:
		return appErrors.NewInvalidInput("search requires an embedder")
	case d.Vectors == nil:
		return appErrors.NewInvalidInput("search requires a vector manager")
	case d.Graphs == nil:
		return appErrors.NewInvalidInput("search requires a graph manager")
	case d.Repo == nil:
		return appErrors.NewInvalidInput("search requires a repository")
	case d.Perms == nil:
		return appErrors.NewInvalidInput("search requires a permission checker")
	case d.Sealer == nil:
		return appErrors.NewInvalidInput("search requires a sealer")
	case d.Blobs == nil:
		return appErrors.NewInvalidInput("search requires a blob store")
	}
	return nil
}

// Service is the retrieval engine.
type Service struct {
	embedder Embedder
	vectors  *vector.Manager
	graphs   *kgraph.Manager
	repo     repository.Repository
	perms    PermissionChecker
	sealer   seal.Sealer
	blobs    blob.Store
	contents *cache.ContentCache

	cfg     Config
	clock   func() time.Time
	logger  *zap.Logger
	metrics *observability.Collector
}

// NewService builds the retrieval engine.
func NewService(deps Deps, cfg Config, logger *zap.Logger, metrics *observability.Collector) (*Service, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &Service{
		embedder: deps.Embedder,
		vectors:  deps.Vectors,
		graphs:   deps.Graphs,
		repo:     deps.Repo,
		perms:    deps.Perms,
		sealer:   deps.Sealer,
		blobs:    deps.Blobs,
		contents: deps.Contents,
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   logger.Named("search"),
		metrics:  metrics,
	}, nil
}

// modeIndex positions a mode in a candidate's score slots.
func modeIndex(m Mode) int {
	switch m {
	case ModeVector:
		return 0
	case ModeKeyword:
		return 1
	case ModeGraph:
		return 2
	case ModeTemporal:
		return 3
	}
	return -1
}

// candidate accumulates one memory's per-mode scores during the merge.
type candidate struct {
	rec    *memory.Memory
	scores [4]float64
	seen   [4]bool
}

// hit is one mode's raw match. rec is set when the runner already holds
// the record; vector hits resolve lazily.
type hit struct {
	id    string
	score float64
	rec   *memory.Memory
}

// modeRun is one runner's outcome, including its timing.
type modeRun struct {
	mode   Mode
	hits   []hit
	millis int64
	err    error
}

// plan is one search call with every default resolved.
type plan struct {
	user      identity.Address
	requester identity.Address
	query     string
	terms     []string
	k         int
	fetchK    int
	threshold float64
	maxHops   int
	weights   Weights
	scan      repository.MemoryQuery
	opts      Options
}

// fetchFactor over-pulls per-mode candidates so the permission filter can
// drop some without starving the final page.
const fetchFactor = 2

var bucketUnits = map[string]bool{"day": true, "week": true, "month": true}

func (s *Service) buildPlan(user identity.Address, query string, opts Options) (plan, error) {
	if user.IsEmpty() {
		return plan{}, appErrors.NewInvalidInput("search requires a user address")
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	switch mode {
	case ModeVector, ModeKeyword, ModeGraph, ModeTemporal, ModeHybrid:
	default:
		return plan{}, appErrors.NewInvalidInput(fmt.Sprintf("unknown search mode %q", mode))
	}
	opts.Mode = mode

	query = strings.TrimSpace(query)
	if query == "" && mode != ModeTemporal {
		return plan{}, appErrors.NewInvalidInput("search requires a query")
	}
	if opts.K < 0 {
		return plan{}, appErrors.NewInvalidInput("k must not be negative")
	}
	if opts.Threshold != nil && (*opts.Threshold < -1 || *opts.Threshold > 1) {
		return plan{}, appErrors.NewInvalidInput("similarity threshold must be in [-1,1]")
	}
	if opts.MaxHops < 0 {
		return plan{}, appErrors.NewInvalidInput("max hops must not be negative")
	}
	if opts.SinceMs > 0 && opts.UntilMs > 0 && opts.SinceMs > opts.UntilMs {
		return plan{}, appErrors.NewInvalidInput("date range start is after its end")
	}
	if opts.MinImportance < 0 || opts.MinImportance > 1 || opts.MaxImportance < 0 || opts.MaxImportance > 1 {
		return plan{}, appErrors.NewInvalidInput("importance bounds must be in [0,1]")
	}
	if opts.MaxImportance > 0 && opts.MinImportance > opts.MaxImportance {
		return plan{}, appErrors.NewInvalidInput("importance range minimum exceeds its maximum")
	}
	if len(opts.Categories) > 0 {
		cats := make([]string, len(opts.Categories))
		for i, c := range opts.Categories {
			norm := strings.ToLower(strings.TrimSpace(c))
			if !memory.ValidCategory(norm) {
				return plan{}, appErrors.NewInvalidInput(fmt.Sprintf("unknown category %q", c))
			}
			cats[i] = norm
		}
		opts.Categories = cats
	}
	if opts.Bucket != "" {
		if !bucketUnits[opts.Bucket] {
			return plan{}, appErrors.NewInvalidInput(fmt.Sprintf("unknown bucket unit %q", opts.Bucket))
		}
		if mode != ModeTemporal {
			return plan{}, appErrors.NewInvalidInput("bucket aggregation requires temporal mode")
		}
	}
	if len(opts.Tags) > 0 {
		tags := make([]string, len(opts.Tags))
		for i, tag := range opts.Tags {
			tags[i] = strings.TrimSpace(tag)
		}
		opts.Tags = tags
	}

	p := plan{
		user:      user,
		requester: user,
		query:     query,
		terms:     memory.ExtractKeywords(query),
		k:         opts.K,
		threshold: s.cfg.Threshold,
		maxHops:   opts.MaxHops,
		weights:   s.cfg.Weights,
		opts:      opts,
	}
	if !opts.As.IsEmpty() {
		p.requester = opts.As
	}
	if p.k == 0 {
		p.k = s.cfg.DefaultK
	}
	p.fetchK = p.k * fetchFactor
	if opts.Threshold != nil {
		p.threshold = *opts.Threshold
	}
	if p.maxHops == 0 {
		p.maxHops = s.cfg.MaxHops
	}
	if opts.Weights != nil {
		p.weights = *opts.Weights
	}
	// Push the date range, and the category when it is unambiguous, down
	// into the repository scans.
	p.scan = repository.MemoryQuery{SinceMs: opts.SinceMs, UntilMs: opts.UntilMs}
	if len(opts.Categories) == 1 {
		p.scan.Category = opts.Categories[0]
	}
	return p, nil
}

// Search runs one query through the pipeline: fan out the mode runners,
// merge and filter candidates, drop what the requester may not read, then
// score, sort, and truncate. Facets and buckets are computed over the
// permitted set, not the returned page.
func (s *Service) Search(ctx context.Context, user identity.Address, query string, opts Options) (*Response, error) {
	p, err := s.buildPlan(user, query, opts)
	if err != nil {
		return nil, err
	}

	start := s.clock()
	defer func() {
		if s.metrics != nil {
			s.metrics.SearchDuration.WithLabelValues(string(p.opts.Mode)).Observe(s.clock().Sub(start).Seconds())
		}
	}()

	runs, err := s.runModes(ctx, p)
	if err != nil {
		return nil, err
	}

	resp := &Response{Stats: Stats{Modes: make([]ModeTiming, 0, len(runs))}}
	cands := make(map[string]*candidate)
	for _, run := range runs {
		resp.Stats.Modes = append(resp.Stats.Modes, ModeTiming{
			Mode:       string(run.mode),
			Millis:     run.millis,
			Candidates: len(run.hits),
		})
		if run.err != nil {
			resp.Stats.Degraded = append(resp.Stats.Degraded, string(run.mode))
			continue
		}
		idx := modeIndex(run.mode)
		for _, h := range run.hits {
			c, ok := cands[h.id]
			if !ok {
				c = &candidate{rec: h.rec}
				cands[h.id] = c
			}
			if c.rec == nil {
				c.rec = h.rec
			}
			if !c.seen[idx] || h.score > c.scores[idx] {
				c.scores[idx] = h.score
				c.seen[idx] = true
			}
		}
	}

	permitted, err := s.resolveAndFilter(ctx, p, cands, &resp.Stats)
	if err != nil {
		return nil, err
	}

	if p.opts.IncludeFacets {
		resp.Facets = buildFacets(permitted)
	}
	if p.opts.Bucket != "" {
		resp.Buckets = buildBuckets(permitted, p.opts.Bucket)
	}

	results := s.scoreAndSort(p, permitted, cands)
	if len(results) > p.k {
		results = results[:p.k]
	}
	if p.opts.IncludeContent {
		for i := range results {
			s.attachContent(ctx, p.requester, permitted[results[i].MemoryID], &results[i], &resp.Stats)
		}
	}
	resp.Results = results
	resp.Stats.Returned = len(results)
	resp.Stats.TookMs = s.clock().Sub(start).Milliseconds()
	if s.contents != nil {
		resp.Stats.CacheHitRate = cacheHitRate(s.contents.Stats())
	}

	s.logger.Debug("search served",
		zap.String("user", p.user.String()),
		zap.String("mode", string(p.opts.Mode)),
		zap.Int("candidates", resp.Stats.Candidates),
		zap.Int("returned", resp.Stats.Returned))
	return resp, nil
}

// runModes fans the active runners out on an errgroup. A single-mode
// search propagates its runner's error; inside a hybrid search the error
// is recorded and the mode degrades, unless every mode failed.
func (s *Service) runModes(ctx context.Context, p plan) ([]modeRun, error) {
	modes := []Mode{p.opts.Mode}
	if p.opts.Mode == ModeHybrid {
		modes = hybridModes
	}
	runs := make([]modeRun, len(modes))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range modes {
		i, m := i, m
		g.Go(func() error {
			t0 := s.clock()
			hits, err := s.runMode(gctx, m, p)
			runs[i] = modeRun{mode: m, hits: hits, millis: s.clock().Sub(t0).Milliseconds(), err: err}
			if err == nil {
				return nil
			}
			if p.opts.Mode != ModeHybrid {
				return err
			}
			s.logger.Warn("search mode degraded",
				zap.String("user", p.user.String()),
				zap.String("mode", string(m)),
				zap.Error(err))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if p.opts.Mode == ModeHybrid {
		failed := 0
		for _, run := range runs {
			if run.err != nil {
				failed++
			}
		}
		if failed == len(runs) {
			return nil, appErrors.Wrap(runs[0].err, "every retrieval mode failed")
		}
	}
	return runs, nil
}

// resolveAndFilter fetches records the runners did not carry, applies the
// caller's filters, and asks the permission checker about each survivor.
// Index hits whose record is gone are dropped; the index catches up at its
// next snapshot.
func (s *Service) resolveAndFilter(ctx context.Context, p plan, cands map[string]*candidate, stats *Stats) (map[string]*memory.Memory, error) {
	permitted := make(map[string]*memory.Memory)
	for id, c := range cands {
		if c.rec == nil {
			rec, err := s.repo.GetMemory(ctx, p.user, id)
			if err != nil {
				if appErrors.IsNotFound(err) {
					s.logger.Debug("stale index hit dropped", zap.String("memory_id", id))
					delete(cands, id)
					continue
				}
				return nil, err
			}
			c.rec = rec
		}
		if !matchesFilters(c.rec, p.opts) {
			delete(cands, id)
			continue
		}
		stats.Candidates++

		target := identity.Self(c.rec.Owner)
		if c.rec.Sealed() {
			sealID, err := c.rec.SealIdentity()
			if err != nil {
				s.logger.Warn("unreadable seal identity, candidate dropped",
					zap.String("memory_id", id), zap.Error(err))
				continue
			}
			target = sealID
		}
		allowed, err := s.perms.Allows(ctx, p.requester, target, domain.ScopeReadMemories)
		if err != nil {
			s.logger.Warn("permission check failed, candidate dropped",
				zap.String("memory_id", id), zap.Error(err))
			continue
		}
		if allowed {
			permitted[id] = c.rec
		}
	}
	stats.Permitted = len(permitted)
	if stats.Candidates > 0 {
		stats.PassRate = float64(stats.Permitted) / float64(stats.Candidates)
	}
	return permitted, nil
}

// matchesFilters applies the caller's category, tag, importance, and date
// filters. Tag filters require every requested tag.
func matchesFilters(m *memory.Memory, opts Options) bool {
	if len(opts.Categories) > 0 {
		found := false
		for _, c := range opts.Categories {
			if m.Category == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, tag := range opts.Tags {
		if tag == "" {
			continue
		}
		if !containsSorted(m.Tags, tag) {
			return false
		}
	}
	if m.Importance < opts.MinImportance {
		return false
	}
	if opts.MaxImportance > 0 && m.Importance > opts.MaxImportance {
		return false
	}
	if opts.SinceMs > 0 && m.CreatedAt < opts.SinceMs {
		return false
	}
	if opts.UntilMs > 0 && m.CreatedAt > opts.UntilMs {
		return false
	}
	return true
}

// scoreAndSort computes final scores over the permitted set and orders
// them score descending, memory id ascending for ties.
func (s *Service) scoreAndSort(p plan, permitted map[string]*memory.Memory, cands map[string]*candidate) []Result {
	results := make([]Result, 0, len(permitted))
	for id, rec := range permitted {
		c := cands[id]
		r := Result{
			MemoryID:    id,
			Category:    rec.Category,
			Importance:  rec.Importance,
			CreatedAt:   rec.CreatedAt,
			Tags:        rec.Tags,
			IsEncrypted: rec.Sealed(),
		}
		if p.opts.Mode == ModeHybrid {
			r.ModeScores = make(map[string]float64, len(hybridModes))
			for _, m := range hybridModes {
				idx := modeIndex(m)
				if !c.seen[idx] {
					continue
				}
				r.ModeScores[string(m)] = c.scores[idx]
				r.Score += p.weights.of(m) * c.scores[idx]
			}
		} else {
			r.Score = c.scores[modeIndex(p.opts.Mode)]
		}
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].MemoryID < results[j].MemoryID
	})
	return results
}

// attachContent fetches and, for sealed records, decrypts one result's
// content. Failures annotate the result instead of failing the search,
// and the plaintext is checked against the record's binding hash before
// it is returned.
func (s *Service) attachContent(ctx context.Context, requester identity.Address, m *memory.Memory, r *Result, stats *Stats) {
	fail := func(err error) {
		r.DecryptionFailed = true
		r.DecryptionError = string(appErrors.TypeOf(err))
		stats.DecryptionFailures++
	}

	data, err := s.openBlob(ctx, m.ContentRef)
	if err != nil {
		s.logger.Warn("content fetch failed",
			zap.String("memory_id", m.MemoryID), zap.Error(err))
		fail(err)
		return
	}
	if !m.Sealed() {
		r.Content = string(data)
		return
	}

	sealID, err := m.SealIdentity()
	if err != nil {
		fail(err)
		return
	}
	plain, err := s.sealer.Decrypt(ctx, data, requester)
	if err != nil {
		fail(err)
		return
	}
	if seal.BindingHash(plain, sealID) != m.Encryption.AADHash {
		s.logger.Warn("content binding mismatch",
			zap.String("memory_id", m.MemoryID))
		fail(appErrors.NewIntegrity("content does not match the record's binding hash"))
		return
	}
	r.Content = string(plain)
	stats.Decrypted++
}

// openBlob reads content bytes through the cache tiers when a cache is
// wired, straight from the blob store otherwise.
func (s *Service) openBlob(ctx context.Context, ref string) ([]byte, error) {
	if s.contents != nil {
		return s.contents.Get(ctx, ref)
	}
	obj, err := s.blobs.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return obj.Bytes, nil
}

func buildFacets(permitted map[string]*memory.Memory) *Facets {
	f := &Facets{Categories: make(map[string]int)}
	for _, m := range permitted {
		f.Categories[m.Category]++
		for _, tag := range m.Tags {
			if f.Tags == nil {
				f.Tags = make(map[string]int)
			}
			f.Tags[tag]++
		}
	}
	return f
}

func buildBuckets(permitted map[string]*memory.Memory, unit string) []Bucket {
	counts := make(map[int64]int)
	for _, m := range permitted {
		counts[bucketStart(time.UnixMilli(m.CreatedAt), unit)]++
	}
	buckets := make([]Bucket, 0, len(counts))
	for start, n := range counts {
		buckets = append(buckets, Bucket{Start: start, Count: n})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start < buckets[j].Start })
	return buckets
}

// bucketStart truncates an instant to its bucket's opening in UTC. Weeks
// open on Monday.
func bucketStart(ts time.Time, unit string) int64 {
	ts = ts.UTC()
	switch unit {
	case "week":
		back := (int(ts.Weekday()) + 6) % 7
		ts = ts.AddDate(0, 0, -back)
	case "month":
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	}
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
}

// cacheHitRate folds the tier counters into the share of lookups served
// from cache rather than the blob store.
func cacheHitRate(st cache.Stats) float64 {
	lookups := st.L1Hits + st.L1Misses
	if lookups == 0 {
		return 0
	}
	return float64(st.L1Hits+st.L2Hits) / float64(lookups)
}

// containsSorted reports membership in a sorted string set.
func containsSorted(set []string, v string) bool {
	i := sort.SearchStrings(set, v)
	return i < len(set) && set[i] == v
}
