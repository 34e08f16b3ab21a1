package seal

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"memvault-backend/internal/domain/identity"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/observability"
	"memvault-backend/internal/resilience"
)

// ShareRequest carries the authorisation material for one share fetch. The
// approval message names the content identity and the requesting identity so
// servers can log and audit what each signature released.
type ShareRequest struct {
	Owner         identity.Address
	Requester     identity.Address
	Identity      string
	KeyVersion    uint32
	PackageID     string
	SessionHandle string
	Signature     []byte
	Approval      string
}

// ApprovalMessage renders the per-fetch approval line. Textual and stable.
func ApprovalMessage(contentIdentity string, requester identity.Address, sessionHandle string) string {
	return fmt.Sprintf("approve decrypt %s for %s session %s", contentIdentity, requester, sessionHandle)
}

// ServerShare is one key server's contribution: its share material for the
// requested key plus the commitment it believes that key satisfies.
type ServerShare struct {
	ServerID   string
	KeyVersion uint32
	Commitment []byte
	Payloads   [][]byte
}

// KeyServerClient talks to one configured key server.
type KeyServerClient interface {
	ObjectID() string
	Weight() int
	FetchShare(ctx context.Context, req ShareRequest) (ServerShare, error)
}

// ShareSink receives share material at provisioning time. The in-process
// fake implements it; hosted servers are provisioned during the key ceremony
// outside this process.
type ShareSink interface {
	ObjectID() string
	Weight() int
	Install(owner identity.Address, version uint32, commitment []byte, payloads [][]byte)
}

// --- HTTP client ---

type httpShareResponse struct {
	KeyVersion uint32   `json:"key_version"`
	Commitment string   `json:"commitment"`
	Shares     []string `json:"shares"`
}

// HTTPKeyServer fetches shares from a hosted key server over HTTPS.
type HTTPKeyServer struct {
	objectID string
	url      string
	weight   int
	client   *http.Client
}

// NewHTTPKeyServer builds a client for one server endpoint. The http.Client
// is shared across servers so connections are reused.
func NewHTTPKeyServer(objectID, url string, weight int, client *http.Client) *HTTPKeyServer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPKeyServer{objectID: objectID, url: url, weight: weight, client: client}
}

func (h *HTTPKeyServer) ObjectID() string { return h.objectID }
func (h *HTTPKeyServer) Weight() int      { return h.weight }

// FetchShare implements KeyServerClient.
func (h *HTTPKeyServer) FetchShare(ctx context.Context, req ShareRequest) (ServerShare, error) {
	body, err := json.Marshal(map[string]any{
		"owner":       req.Owner.String(),
		"requester":   req.Requester.String(),
		"identity":    req.Identity,
		"key_version": req.KeyVersion,
		"package_id":  req.PackageID,
		"session":     req.SessionHandle,
		"signature":   hex.EncodeToString(req.Signature),
		"approval":    req.Approval,
	})
	if err != nil {
		return ServerShare{}, appErrors.NewInternal("share request encoding failed", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url+"/v1/share", bytes.NewReader(body))
	if err != nil {
		return ServerShare{}, appErrors.NewInternal("share request build failed", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return ServerShare{}, appErrors.NewKeyServerUnavailable(fmt.Sprintf("key server %s unreachable", h.objectID), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ServerShare{}, appErrors.NewSessionExpired(fmt.Sprintf("key server %s rejected the session", h.objectID))
	case resp.StatusCode == http.StatusForbidden:
		return ServerShare{}, appErrors.NewNoAccess(fmt.Sprintf("key server %s denied the request", h.objectID))
	case resp.StatusCode != http.StatusOK:
		return ServerShare{}, appErrors.NewKeyServerUnavailable(fmt.Sprintf("key server %s returned status %d", h.objectID, resp.StatusCode), nil)
	}

	var decoded httpShareResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ServerShare{}, appErrors.NewKeyServerUnavailable(fmt.Sprintf("key server %s sent a malformed response", h.objectID), err)
	}
	commitment, err := hex.DecodeString(decoded.Commitment)
	if err != nil || len(commitment) != sha256.Size {
		return ServerShare{}, appErrors.NewInconsistentKeyServers(fmt.Sprintf("key server %s sent an invalid commitment", h.objectID))
	}
	payloads := make([][]byte, 0, len(decoded.Shares))
	for _, s := range decoded.Shares {
		p, err := hex.DecodeString(s)
		if err != nil || len(p) < 2 {
			return ServerShare{}, appErrors.NewInconsistentKeyServers(fmt.Sprintf("key server %s sent invalid share material", h.objectID))
		}
		payloads = append(payloads, p)
	}
	return ServerShare{
		ServerID:   h.objectID,
		KeyVersion: decoded.KeyVersion,
		Commitment: commitment,
		Payloads:   payloads,
	}, nil
}

// --- In-process fake ---

type fakeShareSet struct {
	commitment []byte
	payloads   [][]byte
}

// FakeKeyServer holds shares in memory. Local deployments and tests use it in
// place of hosted servers; corrupt and down modes exercise the failure paths.
type FakeKeyServer struct {
	mu       sync.Mutex
	objectID string
	weight   int
	material map[string]fakeShareSet
	corrupt  bool
	down     bool
}

// NewFakeKeyServer builds an empty fake holding the given share weight.
func NewFakeKeyServer(objectID string, weight int) *FakeKeyServer {
	return &FakeKeyServer{
		objectID: objectID,
		weight:   weight,
		material: make(map[string]fakeShareSet),
	}
}

func (f *FakeKeyServer) ObjectID() string { return f.objectID }
func (f *FakeKeyServer) Weight() int      { return f.weight }

// SetCorrupt makes the fake flip a bit in every share it serves.
func (f *FakeKeyServer) SetCorrupt(corrupt bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrupt = corrupt
}

// SetDown makes the fake unreachable.
func (f *FakeKeyServer) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func materialKey(owner identity.Address, version uint32) string {
	return fmt.Sprintf("%s#%d", owner, version)
}

// Install implements ShareSink.
func (f *FakeKeyServer) Install(owner identity.Address, version uint32, commitment []byte, payloads [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.material[materialKey(owner, version)] = fakeShareSet{
		commitment: append([]byte(nil), commitment...),
		payloads:   payloads,
	}
}

// FetchShare implements KeyServerClient.
func (f *FakeKeyServer) FetchShare(_ context.Context, req ShareRequest) (ServerShare, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down {
		return ServerShare{}, appErrors.NewKeyServerUnavailable(fmt.Sprintf("key server %s unreachable", f.objectID), nil)
	}
	if req.SessionHandle == "" || len(req.Signature) == 0 {
		return ServerShare{}, appErrors.NewSessionExpired(fmt.Sprintf("key server %s rejected the session", f.objectID))
	}
	set, ok := f.material[materialKey(req.Owner, req.KeyVersion)]
	if !ok {
		return ServerShare{}, appErrors.NewKeyServerUnavailable(fmt.Sprintf("key server %s holds no shares for version %d", f.objectID, req.KeyVersion), nil)
	}

	payloads := make([][]byte, len(set.payloads))
	for i, p := range set.payloads {
		cp := append([]byte(nil), p...)
		if f.corrupt && len(cp) > 1 {
			cp[1] ^= 0x01
		}
		payloads[i] = cp
	}
	return ServerShare{
		ServerID:   f.objectID,
		KeyVersion: req.KeyVersion,
		Commitment: append([]byte(nil), set.commitment...),
		Payloads:   payloads,
	}, nil
}

// --- Quorum fetch ---

// QuorumFetcher fans a share request out to every configured server and
// reconstructs the root secret once responses carrying enough weight agree.
// Disagreement between servers is InconsistentKeyServers and is never
// retried; only reachability problems are transient.
type QuorumFetcher struct {
	servers  []KeyServerClient
	breakers map[string]*gobreaker.CircuitBreaker
	quorum   int
	retry    resilience.RetryConfig
	logger   *zap.Logger
	metrics  *observability.Collector
}

// NewQuorumFetcher wires the per-server breakers around the given clients.
func NewQuorumFetcher(servers []KeyServerClient, quorum int, retry resilience.RetryConfig, logger *zap.Logger, metrics *observability.Collector) (*QuorumFetcher, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("seal: no key servers configured")
	}
	total := 0
	for _, s := range servers {
		total += s.Weight()
	}
	if quorum <= 0 || quorum > total {
		return nil, fmt.Errorf("seal: quorum %d out of range for total weight %d", quorum, total)
	}

	logger = logger.Named("keyservers")
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(servers))
	for _, s := range servers {
		breakers[s.ObjectID()] = resilience.NewBreaker(resilience.BreakerConfig{
			Name: "keyserver-" + s.ObjectID(),
			// Denials are policy outcomes, not server health.
			IsSuccessful: func(err error) bool {
				return err == nil || !appErrors.IsKeyServerUnavailable(err)
			},
		}, logger)
	}
	retry.RetryIfFn = appErrors.IsTransient
	return &QuorumFetcher{
		servers:  servers,
		breakers: breakers,
		quorum:   quorum,
		retry:    retry,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Quorum returns the configured threshold weight.
func (q *QuorumFetcher) Quorum() int { return q.quorum }

func (q *QuorumFetcher) fetchOne(ctx context.Context, server KeyServerClient, req ShareRequest) (ServerShare, error) {
	breaker := q.breakers[server.ObjectID()]
	return resilience.RetryWithResult(ctx, q.retry, func() (ServerShare, error) {
		result, err := breaker.Execute(func() (interface{}, error) {
			return server.FetchShare(ctx, req)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return ServerShare{}, appErrors.NewKeyServerUnavailable(fmt.Sprintf("key server %s circuit open", server.ObjectID()), err)
			}
			return ServerShare{}, err
		}
		return result.(ServerShare), nil
	})
}

// Fetch gathers shares for one root key and reconstructs it. The returned
// secret has been verified against the commitment every responding server
// agreed on.
func (q *QuorumFetcher) Fetch(ctx context.Context, req ShareRequest) ([]byte, error) {
	results := make([]*ServerShare, len(q.servers))
	fetchErrs := make([]error, len(q.servers))

	g, gctx := errgroup.WithContext(ctx)
	for i, server := range q.servers {
		g.Go(func() error {
			share, err := q.fetchOne(gctx, server, req)
			if err != nil {
				fetchErrs[i] = err
				q.observe(server.ObjectID(), "error")
				q.logger.Warn("share fetch failed",
					zap.String("server", server.ObjectID()),
					zap.Error(err))
				return nil // partial failure is fine while quorum is reachable
			}
			results[i] = &share
			q.observe(server.ObjectID(), "ok")
			return nil
		})
	}
	_ = g.Wait()

	// A hard denial from any server ends the attempt regardless of quorum.
	for _, err := range fetchErrs {
		if err != nil && (appErrors.IsNoAccess(err) || appErrors.IsSessionExpired(err) || appErrors.IsInconsistentKeyServers(err)) {
			return nil, err
		}
	}

	var (
		responded []*ServerShare
		weight    int
	)
	for i, share := range results {
		if share == nil {
			continue
		}
		responded = append(responded, share)
		weight += q.servers[i].Weight()
	}
	if weight < q.quorum {
		var cause error
		for _, err := range fetchErrs {
			if err != nil {
				cause = err
				break
			}
		}
		return nil, appErrors.NewKeyServerUnavailable(
			fmt.Sprintf("quorum not reached: weight %d of required %d", weight, q.quorum), cause)
	}

	// Every responding server must agree on the key's commitment and version
	// before any reconstruction is attempted.
	sort.Slice(responded, func(i, j int) bool { return responded[i].ServerID < responded[j].ServerID })
	commitment := responded[0].Commitment
	for _, share := range responded[1:] {
		if !bytes.Equal(share.Commitment, commitment) || share.KeyVersion != responded[0].KeyVersion {
			return nil, appErrors.NewInconsistentKeyServers("key servers disagree about the backup key")
		}
	}

	var payloads [][]byte
	for _, share := range responded {
		payloads = append(payloads, share.Payloads...)
	}
	secret, err := combineShares(payloads)
	if err != nil {
		return nil, appErrors.NewInconsistentKeyServers("share material does not reconstruct")
	}
	digest := sha256.Sum256(secret)
	if !bytes.Equal(digest[:], commitment) {
		return nil, appErrors.NewInconsistentKeyServers("reconstructed key does not match the agreed commitment")
	}
	return secret, nil
}

func (q *QuorumFetcher) observe(server, status string) {
	if q.metrics != nil {
		q.metrics.KeyServerFetches.WithLabelValues(server, status).Inc()
	}
}
