package seal

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"memvault-backend/internal/domain/identity"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/observability"
)

// Signer produces the signature that authorises a session key. In production
// this is backed by the requester's wallet; tests and local mode use
// LocalSigner.
type Signer interface {
	Sign(ctx context.Context, user identity.Address, message []byte) ([]byte, error)
}

// SessionChallenge renders the message a requester signs to open a session.
// The format is part of the external contract and must not change.
func SessionChallenge(user identity.Address, packageID string, ttlMin int) []byte {
	return []byte(fmt.Sprintf(
		"Please sign this message to authenticate with SEAL:\n\nAddress: %s\nPackage: %s\nTTL: %d minutes",
		user.String(), packageID, ttlMin,
	))
}

// Session is a signed, time-limited authorisation to request key shares on
// behalf of one requester against one package.
type Session struct {
	Handle    string
	User      identity.Address
	PackageID string
	Signature []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session is past its TTL at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionStore caches live sessions keyed by (requester, package). Ensure
// transparently re-signs when a session is missing or expired; a signer
// refusal surfaces as SessionExpired so callers know a fresh signature is
// needed.
type SessionStore struct {
	mu        sync.Mutex
	sessions  *lru.Cache[string, *Session]
	signer    Signer
	packageID string
	ttl       time.Duration

	clock   func() time.Time
	logger  *zap.Logger
	metrics *observability.Collector
}

const sessionCacheSize = 1024

// NewSessionStore builds a store with the given signer and TTL. A nil clock
// uses wall time.
func NewSessionStore(signer Signer, packageID string, ttl time.Duration, logger *zap.Logger, metrics *observability.Collector, clock func() time.Time) (*SessionStore, error) {
	if signer == nil {
		return nil, fmt.Errorf("seal: session store requires a signer")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("seal: session TTL must be positive, got %v", ttl)
	}
	cache, err := lru.New[string, *Session](sessionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("seal: session cache: %w", err)
	}
	if clock == nil {
		clock = time.Now
	}
	return &SessionStore{
		sessions:  cache,
		signer:    signer,
		packageID: packageID,
		ttl:       ttl,
		clock:     clock,
		logger:    logger.Named("sessions"),
		metrics:   metrics,
	}, nil
}

func sessionKey(user identity.Address, packageID string) string {
	return user.String() + "\x00" + packageID
}

// Ensure returns a live session for the requester, creating one when none
// exists or the cached one expired.
func (s *SessionStore) Ensure(ctx context.Context, user identity.Address) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(user, s.packageID)
	now := s.clock()
	if sess, ok := s.sessions.Get(key); ok && !sess.Expired(now) {
		return sess, nil
	}

	ttlMin := int(s.ttl / time.Minute)
	challenge := SessionChallenge(user, s.packageID, ttlMin)
	signature, err := s.signer.Sign(ctx, user, challenge)
	if err != nil {
		s.sessions.Remove(key)
		return nil, appErrors.NewSessionExpired(fmt.Sprintf("session signing failed for %s", user))
	}

	var handle [16]byte
	if _, err := rand.Read(handle[:]); err != nil {
		return nil, appErrors.NewInternal("session handle generation failed", err)
	}

	sess := &Session{
		Handle:    hex.EncodeToString(handle[:]),
		User:      user,
		PackageID: s.packageID,
		Signature: signature,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.sessions.Add(key, sess)
	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
	}
	s.logger.Debug("session created",
		zap.String("user", user.String()),
		zap.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

// Evict drops any cached session for the requester. Used on key rotation so
// stale sessions cannot fetch shares for the new backup key.
func (s *SessionStore) Evict(user identity.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions.Remove(sessionKey(user, s.packageID))
}

// SetTTL changes the TTL applied to sessions created from now on.
func (s *SessionStore) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

// TTL returns the TTL applied to new sessions.
func (s *SessionStore) TTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl
}

// LocalSigner signs session challenges with an HMAC keyed per node. It stands
// in for wallet signing in local and test deployments; key servers in open
// mode accept any well-formed signature.
type LocalSigner struct {
	secret []byte
}

// NewLocalSigner derives a signer from the node secret.
func NewLocalSigner(secret []byte) *LocalSigner {
	return &LocalSigner{secret: secret}
}

// Sign implements Signer.
func (l *LocalSigner) Sign(_ context.Context, user identity.Address, message []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(user.String()))
	mac.Write([]byte{0})
	mac.Write(message)
	return mac.Sum(nil), nil
}

// RefusingSigner always declines. Tests use it to drive the re-sign path.
type RefusingSigner struct{}

// Sign implements Signer.
func (RefusingSigner) Sign(context.Context, identity.Address, []byte) ([]byte, error) {
	return nil, fmt.Errorf("signing refused")
}
