// Package seal implements the identity-based encryption envelope. Content is
// sealed under a named identity; opening it requires a signed session and a
// weighted quorum of key-server shares that reconstruct the owner's backup
// key. The envelope format, session challenge, and identity serialisation are
// external contracts.
package seal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"memvault-backend/internal/domain/consent"
	"memvault-backend/internal/domain/identity"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/observability"
)

// Authorizer decides whether a requester may open content sealed under the
// target identity. The consent service implements it; a nil authorizer skips
// the policy gate, which only tests should do.
type Authorizer interface {
	Allows(ctx context.Context, requester identity.Address, target identity.Identity, scope consent.Scope) (bool, error)
}

// Sealer is the envelope interface the ingestion and retrieval pipelines
// consume.
type Sealer interface {
	Encrypt(ctx context.Context, plaintext []byte, id identity.Identity) ([]byte, error)
	Decrypt(ctx context.Context, blob []byte, requester identity.Address) ([]byte, error)
	Rotate(ctx context.Context, owner identity.Address, ttlMin int) (uint32, error)
}

// Service wires the key ring, session store, and quorum fetcher into the
// Sealer contract.
type Service struct {
	ring     *KeyRing
	sessions *SessionStore
	quorum   *QuorumFetcher
	auth     Authorizer

	packageID string
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *observability.Collector
}

// NewService builds the envelope service. A nil clock uses wall time.
func NewService(ring *KeyRing, sessions *SessionStore, quorum *QuorumFetcher, auth Authorizer, packageID string, logger *zap.Logger, metrics *observability.Collector, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		ring:      ring,
		sessions:  sessions,
		quorum:    quorum,
		auth:      auth,
		packageID: packageID,
		clock:     clock,
		logger:    logger.Named("seal"),
		metrics:   metrics,
	}
}

// SetAuthorizer installs the policy gate after construction. The consent
// service depends on repositories that are wired later than the sealer.
func (s *Service) SetAuthorizer(auth Authorizer) {
	s.auth = auth
}

// Encrypt seals plaintext under the identity using the owner's current
// backup-key version. Encryption is local: no session or quorum is needed.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte, id identity.Identity) ([]byte, error) {
	if id.IsZero() {
		return nil, appErrors.NewInvalidInput("cannot seal under the zero identity")
	}
	secret, version, err := s.ring.Current(id.User())
	if err != nil {
		return nil, err
	}
	blob, err := sealEnvelope(secret, version, plaintext, id)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("content sealed",
		zap.String("identity", id.String()),
		zap.Uint32("key_version", version),
		zap.Int("plaintext_bytes", len(plaintext)))
	return blob, nil
}

// Decrypt opens a sealed blob on behalf of the requester: policy check,
// session, share quorum, then the AEAD open. Time-locked identities refuse
// to open before their unlock instant regardless of who asks.
func (s *Service) Decrypt(ctx context.Context, blob []byte, requester identity.Address) ([]byte, error) {
	plaintext, err := s.decrypt(ctx, blob, requester)
	s.observe(err)
	return plaintext, err
}

func (s *Service) decrypt(ctx context.Context, blob []byte, requester identity.Address) ([]byte, error) {
	env, aad, err := parseEnvelope(blob)
	if err != nil {
		return nil, err
	}
	id, err := identity.Parse(env.identity)
	if err != nil {
		return nil, appErrors.NewInvalidCiphertext("sealed blob carries unparseable identity")
	}

	if id.Kind() == identity.VariantTime {
		if now := s.clock().UnixMilli(); now < id.UnlockMs() {
			return nil, appErrors.NewNoAccess("content is time-locked")
		}
	}
	if s.auth != nil {
		allowed, err := s.auth.Allows(ctx, requester, id, consent.ScopeReadMemories)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, appErrors.NewNoAccess("requester is not permitted to open this content")
		}
	}

	sess, err := s.sessions.Ensure(ctx, requester)
	if err != nil {
		return nil, err
	}

	owner := id.User()
	if err := s.ring.EnsureProvisioned(owner, env.keyVersion); err != nil {
		return nil, err
	}
	secret, err := s.quorum.Fetch(ctx, ShareRequest{
		Owner:         owner,
		Requester:     requester,
		Identity:      env.identity,
		KeyVersion:    env.keyVersion,
		PackageID:     s.packageID,
		SessionHandle: sess.Handle,
		Signature:     sess.Signature,
		Approval:      ApprovalMessage(env.identity, requester, sess.Handle),
	})
	if err != nil {
		return nil, err
	}
	return openEnvelope(secret, env, aad)
}

// Rotate mints a new backup-key version for the owner, drops their cached
// session, and applies the new session TTL. Ciphertexts sealed under earlier
// versions remain decryptable.
func (s *Service) Rotate(ctx context.Context, owner identity.Address, ttlMin int) (uint32, error) {
	if owner.IsEmpty() {
		return 0, appErrors.NewInvalidInput("rotation requires an owner address")
	}
	version, err := s.ring.Rotate(owner)
	if err != nil {
		return 0, err
	}
	s.sessions.Evict(owner)
	if ttlMin > 0 {
		s.sessions.SetTTL(time.Duration(ttlMin) * time.Minute)
	}
	s.logger.Info("backup key rotated",
		zap.String("owner", owner.String()),
		zap.Uint32("key_version", version))
	return version, nil
}

func (s *Service) observe(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case err == nil:
		s.metrics.Decryptions.WithLabelValues("ok").Inc()
	case appErrors.IsNoAccess(err):
		s.metrics.Decryptions.WithLabelValues("denied").Inc()
	case appErrors.IsIntegrity(err) || appErrors.IsInvalidCiphertext(err):
		s.metrics.Decryptions.WithLabelValues("integrity").Inc()
	default:
		s.metrics.Decryptions.WithLabelValues("failed").Inc()
	}
}
