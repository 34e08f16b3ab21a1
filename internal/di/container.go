// Package di wires the memory plane together: one Container owns every
// component, initialises them in dependency order, and tears them down in
// reverse. Development runs against in-process backends; staging and
// production wire DynamoDB, S3, EventBridge, hosted key servers, and the
// HTTP providers.
package di

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"memvault-backend/internal/batch"
	"memvault-backend/internal/blob"
	"memvault-backend/internal/cache"
	"memvault-backend/internal/config"
	"memvault-backend/internal/domain/identity"
	"memvault-backend/internal/embedding"
	"memvault-backend/internal/events"
	"memvault-backend/internal/handlers"
	"memvault-backend/internal/kgraph"
	"memvault-backend/internal/observability"
	"memvault-backend/internal/repository"
	"memvault-backend/internal/repository/ddb"
	"memvault-backend/internal/repository/inmem"
	"memvault-backend/internal/resilience"
	"memvault-backend/internal/seal"
	"memvault-backend/internal/service/classify"
	"memvault-backend/internal/service/consent"
	"memvault-backend/internal/service/extraction"
	"memvault-backend/internal/service/ingest"
	"memvault-backend/internal/service/llm"
	"memvault-backend/internal/service/search"
	"memvault-backend/internal/vector"
)

// Container holds every wired component. Fields are populated by
// NewContainer and must be treated as read-only afterwards.
type Container struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Collector
	Tracing *observability.TracerProvider

	DynamoDBClient    *dynamodb.Client
	S3Client          *s3.Client
	EventBridgeClient *eventbridge.Client

	BlobTransport blob.Transport
	BlobStore     blob.Store
	HotSet        cache.HotSet
	ContentCache  *cache.ContentCache

	Repository repository.Repository
	Publisher  events.Publisher
	Dispatcher *events.Dispatcher

	KeyRing  *seal.KeyRing
	Sessions *seal.SessionStore
	Quorum   *seal.QuorumFetcher
	Sealer   *seal.Service

	LLMProvider llm.Provider
	Embeddings  *embedding.Service
	Classifier  *classify.Service
	Extractor   *extraction.Service

	Batches *batch.Registry
	Vectors *vector.Manager
	Graphs  *kgraph.Manager

	Consent *consent.Service
	Ingest  *ingest.Service
	Search  *search.Service

	Health *handlers.HealthHandler
	Router *chi.Mux

	httpClient        *http.Client
	shutdownFunctions []func(context.Context) error
}

// NewContainer builds and wires every component from the given
// configuration.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{Config: cfg}

	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"observability", c.initObservability},
		{"aws clients", c.initAWSClients},
		{"storage", c.initStorage},
		{"repository", c.initRepository},
		{"events", c.initEvents},
		{"seal", c.initSeal},
		{"intelligence", c.initIntelligence},
		{"managers", c.initManagers},
		{"services", c.initServices},
		{"handlers", c.initHandlers},
		{"tracing", c.initTracing},
	}
	for _, stage := range stages {
		if err := stage.fn(ctx); err != nil {
			// Roll back whatever already started.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = c.Shutdown(shutdownCtx)
			cancel()
			return nil, fmt.Errorf("di: initialize %s: %w", stage.name, err)
		}
	}

	c.Logger.Info("container initialized",
		zap.String("environment", string(cfg.Environment)),
		zap.Bool("in_process_backends", c.inProcess()),
		zap.Int("embedding_dimension", cfg.Embedding.Dimension))
	return c, nil
}

// inProcess reports whether the container runs on in-process backends:
// development with no local AWS stack configured.
func (c *Container) inProcess() bool {
	return c.Config.IsDevelopment() && c.Config.AWS.Endpoint == ""
}

func (c *Container) onShutdown(fn func(context.Context) error) {
	c.shutdownFunctions = append(c.shutdownFunctions, fn)
}

// Shutdown tears components down in reverse initialization order and
// returns the first failure.
func (c *Container) Shutdown(ctx context.Context) error {
	var firstErr error
	for i := len(c.shutdownFunctions) - 1; i >= 0; i-- {
		if err := c.shutdownFunctions[i](ctx); err != nil {
			if c.Logger != nil {
				c.Logger.Warn("shutdown step failed", zap.Error(err))
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	c.shutdownFunctions = nil
	return firstErr
}

func (c *Container) initObservability(context.Context) error {
	logger, err := observability.NewLogger(string(c.Config.Environment), c.Config.Log.Level)
	if err != nil {
		return err
	}
	c.Logger = logger
	c.onShutdown(func(context.Context) error {
		// Sync on stderr loggers fails harmlessly on some platforms.
		_ = logger.Sync()
		return nil
	})

	c.Metrics = observability.NewCollector("memvault")
	return nil
}

// initAWSClients builds the SDK clients over one shared keep-alive HTTP
// client so warm connections are reused across DynamoDB, S3, and
// EventBridge. Skipped entirely on in-process backends.
func (c *Container) initAWSClients(ctx context.Context) error {
	c.httpClient = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	if c.inProcess() {
		return nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.Config.AWS.Region),
		awsconfig.WithHTTPClient(c.httpClient),
	}
	if c.Config.AWS.Endpoint != "" {
		// Local stacks accept any static credentials.
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(loadCtx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	endpoint := c.Config.AWS.Endpoint
	c.DynamoDBClient = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		o.RetryMaxAttempts = 3
		o.RetryMode = aws.RetryModeAdaptive
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	c.S3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 3
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	c.EventBridgeClient = eventbridge.NewFromConfig(awsCfg, func(o *eventbridge.Options) {
		o.RetryMaxAttempts = 3
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return nil
}

func (c *Container) initStorage(context.Context) error {
	if c.inProcess() {
		c.BlobTransport = blob.NewMemoryTransport()
	} else {
		c.BlobTransport = blob.NewS3Transport(c.S3Client, c.Config.AWS.Bucket, c.Config.Blob.Timeout)
	}
	c.BlobStore = blob.NewStore(c.BlobTransport, blob.StoreConfig{
		EpochDays:   c.Config.Blob.EpochDays,
		MaxAttempts: c.Config.Blob.MaxAttempts,
	}, c.Logger, c.Metrics)

	if c.Config.Redis.Enabled {
		hot, err := cache.NewRedisHotSet(cache.RedisOptions{
			Addr:     c.Config.Redis.Addr,
			Password: c.Config.Redis.Password,
			DB:       c.Config.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("connect redis hot set: %w", err)
		}
		c.HotSet = hot
	} else {
		c.HotSet = cache.NewLocalHotSet(c.Config.Cache.L2Bytes)
	}
	c.onShutdown(func(context.Context) error { return c.HotSet.Close() })

	contents, err := cache.NewContentCache(c.HotSet, c.BlobStore, cache.Config{
		L1Entries: c.Config.Cache.L1Entries,
		TTL:       c.Config.Cache.TTL,
	}, c.Logger, c.Metrics)
	if err != nil {
		return err
	}
	c.ContentCache = contents
	c.onShutdown(func(context.Context) error { return contents.Close() })
	return nil
}

func (c *Container) initRepository(context.Context) error {
	if c.inProcess() {
		c.Repository = inmem.New()
		return nil
	}
	store, err := ddb.New(c.DynamoDBClient, repository.Config{
		TableName: c.Config.AWS.TableName,
	}, c.Logger, c.Metrics)
	if err != nil {
		return err
	}
	c.Repository = store
	return nil
}

func (c *Container) initEvents(context.Context) error {
	c.Dispatcher = events.NewDispatcher(c.Logger)
	if c.inProcess() || c.Config.AWS.EventBus == "" {
		c.Publisher = c.Dispatcher
		return nil
	}
	c.Publisher = events.NewEventBridgePublisher(c.EventBridgeClient, c.Config.AWS.EventBus, c.Logger)
	return nil
}

// initSeal stands the envelope up: the key ring over the ceremony seed, the
// session store, and the quorum fetcher over the configured key servers.
// In-process backends replace hosted servers with fakes that the ring
// provisions on first use.
func (c *Container) initSeal(context.Context) error {
	sealCfg := c.Config.Seal

	totalWeight := 0
	for _, s := range sealCfg.Servers {
		totalWeight += s.Weight
	}

	var (
		servers []seal.KeyServerClient
		sinks   []seal.ShareSink
	)
	if c.inProcess() {
		for _, s := range sealCfg.Servers {
			fake := seal.NewFakeKeyServer(s.ObjectID, s.Weight)
			servers = append(servers, fake)
			sinks = append(sinks, fake)
		}
	} else {
		transport := &http.Transport{
			MaxIdleConns:        len(sealCfg.Servers) * 2,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		}
		if !sealCfg.VerifyServers {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		client := &http.Client{Timeout: sealCfg.Timeout, Transport: transport}
		for _, s := range sealCfg.Servers {
			servers = append(servers, seal.NewHTTPKeyServer(s.ObjectID, s.URL, s.Weight, client))
		}
	}

	ring, err := seal.NewKeyRing([]byte(sealCfg.CeremonySeed), sinks, totalWeight, sealCfg.Quorum)
	if err != nil {
		return err
	}
	c.KeyRing = ring

	// Rotations persist their version in user state; the ring consults it
	// the first time it sees an owner after a restart.
	repo := c.Repository
	ring.SetVersionSource(func(owner identity.Address) uint32 {
		lookupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		state, err := repo.GetUserState(lookupCtx, owner)
		if err != nil {
			c.Logger.Warn("key version lookup failed, assuming first version",
				zap.String("owner", owner.String()), zap.Error(err))
			return 0
		}
		return state.KeyVersion
	})

	signerSecret := sha256.Sum256(append([]byte(sealCfg.CeremonySeed), []byte("\x00session-signer")...))
	sessions, err := seal.NewSessionStore(
		seal.NewLocalSigner(signerSecret[:]),
		sealCfg.PackageID,
		time.Duration(sealCfg.SessionTTLMin)*time.Minute,
		c.Logger, c.Metrics, nil,
	)
	if err != nil {
		return err
	}
	c.Sessions = sessions

	retry := resilience.DefaultRetryConfig()
	retry.MaxElapsedTime = sealCfg.Timeout
	quorum, err := seal.NewQuorumFetcher(servers, sealCfg.Quorum, retry, c.Logger, c.Metrics)
	if err != nil {
		return err
	}
	c.Quorum = quorum

	// The authorizer lands later: the consent service needs the repository
	// wiring that follows.
	c.Sealer = seal.NewService(ring, sessions, quorum, nil, sealCfg.PackageID, c.Logger, c.Metrics, nil)
	return nil
}

func (c *Container) initIntelligence(context.Context) error {
	switch c.Config.LLM.Provider {
	case "http":
		client := &http.Client{Timeout: c.Config.LLM.Timeout}
		c.LLMProvider = llm.NewHTTPProvider(c.Config.LLM.Endpoint, os.Getenv("LLM_API_KEY"), c.Config.LLM.Model, client, c.Logger)
	default:
		// The mock accepts every utterance and extracts nothing, so the
		// whole write path can be exercised without a provider.
		mock := llm.NewMockProvider()
		mock.Always("memory gatekeeper", `{"should_save": true, "category": "other", "confidence": 0.5}`)
		mock.Always("knowledge graph", `{"nodes": [], "edges": []}`)
		c.LLMProvider = mock
		c.Logger.Warn("llm provider is the scripted mock",
			zap.String("provider", c.Config.LLM.Provider))
	}
	c.Classifier = classify.NewService(c.LLMProvider, c.Logger)
	c.Extractor = extraction.NewService(c.LLMProvider, c.Logger)

	var provider embedding.Provider
	if c.Config.Embedding.Provider == "http" {
		client := &http.Client{Timeout: c.Config.Embedding.Timeout}
		provider = embedding.NewHTTPProvider(
			c.Config.Embedding.Endpoint,
			os.Getenv("EMBEDDING_API_KEY"),
			c.Config.Embedding.Model,
			c.Config.Embedding.Dimension,
			client,
		)
	} else {
		provider = embedding.NewLocalProvider(c.Config.Embedding.Dimension)
	}
	embeddings, err := embedding.NewService(provider, embedding.ServiceConfig{
		CacheEntries: c.Config.Embedding.CacheEntries,
		RPM:          c.Config.Embedding.RPM,
		MaxBatch:     c.Config.Embedding.BatchSize,
	}, c.Logger, c.Metrics)
	if err != nil {
		return err
	}
	c.Embeddings = embeddings
	return nil
}

func (c *Container) initManagers(context.Context) error {
	c.Batches = batch.NewRegistry(c.Logger)
	c.onShutdown(func(ctx context.Context) error { return c.Batches.Shutdown(ctx) })

	// A tighter embedding deadline tightens the index queue too: a queued
	// text must not outwait the embedding budget it was priced under.
	indexBatchAge := c.Config.Index.BatchAge
	if age := c.Config.Embedding.BatchAge; age > 0 && age < indexBatchAge {
		indexBatchAge = age
	}

	vectors, err := vector.NewManager(vector.ManagerConfig{
		Dimension: c.Config.Embedding.Dimension,
		Index: vector.IndexConfig{
			M:              c.Config.Index.M,
			EfConstruction: c.Config.Index.EfConstruction,
			EfSearch:       c.Config.Index.EfSearchDefault,
		},
		BatchSize:         c.Config.Index.BatchSize,
		BatchAge:          indexBatchAge,
		MaxPending:        c.Config.Batch.MaxPending,
		EnqueueTimeout:    c.Config.Batch.EnqueueTimeout,
		SnapshotThreshold: c.Config.Index.SnapshotThreshold,
		SnapshotIdle:      c.Config.Index.SnapshotIdle,
		EvictAfter:        c.Config.Index.EvictAfter,
	}, c.BlobTransport, c.Batches, c.Logger, c.Metrics)
	if err != nil {
		return err
	}
	c.Vectors = vectors
	c.onShutdown(func(ctx context.Context) error { return vectors.Shutdown(ctx) })

	graphs, err := kgraph.NewManager(kgraph.ManagerConfig{
		CheckpointEvery: c.Config.Graph.CheckpointEvery,
		CheckpointIdle:  c.Config.Graph.CheckpointIdle,
		MaxHops:         c.Config.Graph.MaxHops,
		VisitBudget:     c.Config.Graph.VisitBudget,
		BatchSize:       c.Config.Graph.BatchSize,
		BatchAge:        c.Config.Graph.BatchAge,
		MaxPending:      c.Config.Batch.MaxPending,
		EnqueueTimeout:  c.Config.Batch.EnqueueTimeout,
	}, c.BlobTransport, c.Batches, c.Logger, c.Metrics)
	if err != nil {
		return err
	}
	c.Graphs = graphs
	c.onShutdown(func(ctx context.Context) error { return graphs.Shutdown(ctx) })
	return nil
}

func (c *Container) initServices(context.Context) error {
	consentSvc, err := consent.NewService(c.Repository, c.Publisher, consent.Config{}, c.Logger, c.Metrics)
	if err != nil {
		return err
	}
	c.Consent = consentSvc
	c.Sealer.SetAuthorizer(consentSvc)

	ingestSvc, err := ingest.NewService(ingest.Deps{
		Classifier: c.Classifier,
		Extractor:  c.Extractor,
		Embedder:   c.Embeddings,
		Sealer:     c.Sealer,
		Blobs:      c.BlobStore,
		Contents:   c.ContentCache,
		Vectors:    c.Vectors,
		Graphs:     c.Graphs,
		Repo:       c.Repository,
		Publisher:  c.Publisher,
	}, ingest.Config{}, c.Logger, c.Metrics)
	if err != nil {
		return err
	}
	c.Ingest = ingestSvc

	searchSvc, err := search.NewService(search.Deps{
		Embedder: c.Embeddings,
		Vectors:  c.Vectors,
		Graphs:   c.Graphs,
		Repo:     c.Repository,
		Perms:    consentSvc,
		Sealer:   c.Sealer,
		Blobs:    c.BlobStore,
		Contents: c.ContentCache,
	}, search.Config{
		DefaultK:  c.Config.Retrieval.DefaultK,
		Threshold: c.Config.Retrieval.Threshold,
		Weights: search.Weights{
			Vector:   c.Config.Retrieval.Weights.Vector,
			Keyword:  c.Config.Retrieval.Weights.Keyword,
			Graph:    c.Config.Retrieval.Weights.Graph,
			Temporal: c.Config.Retrieval.Weights.Temporal,
		},
		MaxHops: c.Config.Graph.MaxHops,
	}, c.Logger, c.Metrics)
	if err != nil {
		return err
	}
	c.Search = searchSvc
	return nil
}

func (c *Container) initHandlers(context.Context) error {
	c.Health = handlers.NewHealthHandler(string(c.Config.Environment))
	h := handlers.Handlers{
		Memories: handlers.NewMemoryHandler(c.Ingest, c.Repository, c.Sealer, c.BlobStore, c.ContentCache, c.Logger),
		Search:   handlers.NewSearchHandler(c.Search, c.Logger),
		Consent:  handlers.NewConsentHandler(c.Consent, c.Logger),
		Keys:     handlers.NewKeysHandler(c.Sealer, c.Consent, c.Repository, c.Publisher, c.Logger),
		Admin:    handlers.NewAdminHandler(c.Ingest, c.Vectors, c.Graphs, c.Batches, c.ContentCache, c.Logger),
		Health:   c.Health,
	}
	c.Router = handlers.NewRouter(h, c.Metrics, c.Logger, handlers.RouterConfig{
		RequestTimeout: c.Config.Server.WriteTimeout,
	})
	return nil
}

func (c *Container) initTracing(ctx context.Context) error {
	if !c.Config.Tracing.Enabled {
		return nil
	}
	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName: "memvault-backend",
		Environment: string(c.Config.Environment),
		Endpoint:    c.Config.Tracing.Endpoint,
		SampleRatio: c.Config.Tracing.SampleRatio,
	})
	if err != nil {
		// Tracing is observability, not correctness. Run without it.
		c.Logger.Warn("tracing disabled, exporter init failed", zap.Error(err))
		return nil
	}
	c.Tracing = tp
	c.onShutdown(func(ctx context.Context) error { return tp.Shutdown(ctx) })
	return nil
}
