// Package consent implements the permission predicate over sealed
// identities plus the grant management API. Decisions are cached for a
// short TTL; rotation and grant changes invalidate a user's cached
// decisions.
package consent

import (
	"context"
	"strings"
	"sync"
	"time"

	domain "memvault-backend/internal/domain/consent"
	"memvault-backend/internal/domain/identity"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/events"
	"memvault-backend/internal/observability"
	"memvault-backend/internal/repository"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Evaluator decides role- and cond-gated identities. Registered per
// role id or condition hash; unknown keys deny.
type Evaluator func(ctx context.Context, requester identity.Address, target identity.Identity) (bool, error)

// Config tunes the decision cache.
type Config struct {
	CacheEntries int
	CacheTTL     time.Duration
	Clock        func() time.Time
}

func (c Config) withDefaults() Config {
	if c.CacheEntries <= 0 {
		c.CacheEntries = 4096
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

type decision struct {
	allowed bool
	freshTo int64
}

// Service answers permission checks and manages grants.
type Service struct {
	repo    repository.Grants
	pub     events.Publisher
	logger  *zap.Logger
	metrics *observability.Collector
	cfg     Config

	mu    sync.RWMutex
	roles map[string]Evaluator
	conds map[string]Evaluator

	decisions *lru.Cache[string, decision]
}

// NewService creates the permission service.
func NewService(repo repository.Grants, pub events.Publisher, cfg Config, logger *zap.Logger, metrics *observability.Collector) (*Service, error) {
	cfg = cfg.withDefaults()
	decisions, err := lru.New[string, decision](cfg.CacheEntries)
	if err != nil {
		return nil, appErrors.NewInternal("failed to create decision cache", err)
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Service{
		repo:      repo,
		pub:       pub,
		logger:    logger.Named("consent"),
		metrics:   metrics,
		cfg:       cfg,
		roles:     make(map[string]Evaluator),
		conds:     make(map[string]Evaluator),
		decisions: decisions,
	}, nil
}

// RegisterRole installs the evaluator for one role id. Decisions cached
// before the registration are dropped.
func (s *Service) RegisterRole(roleID string, fn Evaluator) {
	s.mu.Lock()
	s.roles[roleID] = fn
	s.mu.Unlock()
	s.decisions.Purge()
}

// RegisterCond installs the evaluator for one condition hash. Decisions
// cached before the registration are dropped.
func (s *Service) RegisterCond(conditionHash string, fn Evaluator) {
	s.mu.Lock()
	s.conds[conditionHash] = fn
	s.mu.Unlock()
	s.decisions.Purge()
}

func decisionKey(requester identity.Address, target identity.Identity, scope domain.Scope) string {
	return target.User().String() + "|" + requester.String() + "|" + target.String() + "|" + string(scope)
}

// Allows reports whether requester may act on content sealed to target at
// the given scope.
func (s *Service) Allows(ctx context.Context, requester identity.Address, target identity.Identity, scope domain.Scope) (bool, error) {
	if requester.IsEmpty() || target.IsZero() {
		return false, appErrors.NewInvalidInput("permission check requires requester and target identity")
	}

	now := s.cfg.Clock()
	key := decisionKey(requester, target, scope)
	if cached, ok := s.decisions.Get(key); ok && now.UnixMilli() < cached.freshTo {
		s.observe(cached.allowed, nil)
		return cached.allowed, nil
	}

	allowed, err := s.evaluate(ctx, requester, target, scope, now)
	s.observe(allowed, err)
	if err != nil {
		return false, err
	}
	s.decisions.Add(key, decision{allowed: allowed, freshTo: now.Add(s.cfg.CacheTTL).UnixMilli()})
	return allowed, nil
}

func (s *Service) evaluate(ctx context.Context, requester identity.Address, target identity.Identity, scope domain.Scope, now time.Time) (bool, error) {
	owner := target.User()
	switch target.Kind() {
	case identity.VariantSelf, identity.VariantApp:
		// The owner always reaches their own content; anyone else needs an
		// active grant at the requested scope.
		if requester.Equals(owner) {
			return true, nil
		}
		grant, err := s.repo.GetGrant(ctx, owner, requester, scope)
		if err != nil {
			if appErrors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		return grant.Active(now), nil

	case identity.VariantTime:
		if now.UnixMilli() < target.UnlockMs() {
			return false, nil
		}
		return requester.Equals(owner), nil

	case identity.VariantRole:
		s.mu.RLock()
		fn, ok := s.roles[target.RoleID()]
		s.mu.RUnlock()
		if !ok {
			return false, nil
		}
		return fn(ctx, requester, target)

	case identity.VariantCond:
		s.mu.RLock()
		fn, ok := s.conds[target.ConditionHash()]
		s.mu.RUnlock()
		if !ok {
			return false, nil
		}
		return fn(ctx, requester, target)
	}
	return false, nil
}

func (s *Service) observe(allowed bool, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "deny"
	switch {
	case err != nil:
		outcome = "error"
	case allowed:
		outcome = "allow"
	}
	s.metrics.PermissionChecks.WithLabelValues(outcome).Inc()
}

// InvalidateUser drops every cached decision about one user's content.
func (s *Service) InvalidateUser(user identity.Address) {
	prefix := user.String() + "|"
	for _, key := range s.decisions.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.decisions.Remove(key)
		}
	}
}

// Grant records that requester may act at scope on the user's memories.
// ttl of zero means the grant does not expire.
func (s *Service) Grant(ctx context.Context, user, requester identity.Address, scope domain.Scope, ttl time.Duration) (*domain.Grant, error) {
	now := s.cfg.Clock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	grant, err := domain.NewGrant(user, requester, scope, now, expiresAt)
	if err != nil {
		return nil, err
	}
	if err := s.repo.PutGrant(ctx, grant); err != nil {
		return nil, err
	}
	s.InvalidateUser(user)
	if err := s.pub.Publish(ctx, events.NewConsentGranted(user.String(), requester.String(), string(scope), now)); err != nil {
		s.logger.Warn("failed to publish consent granted event", zap.Error(err))
	}
	s.logger.Info("consent granted",
		zap.String("user", user.String()),
		zap.String("requester", requester.String()),
		zap.String("scope", string(scope)))
	return grant, nil
}

// Revoke removes a grant.
func (s *Service) Revoke(ctx context.Context, user, requester identity.Address, scope domain.Scope) error {
	if err := s.repo.DeleteGrant(ctx, user, requester, scope); err != nil {
		return err
	}
	s.InvalidateUser(user)
	now := s.cfg.Clock()
	if err := s.pub.Publish(ctx, events.NewConsentRevoked(user.String(), requester.String(), string(scope), now)); err != nil {
		s.logger.Warn("failed to publish consent revoked event", zap.Error(err))
	}
	s.logger.Info("consent revoked",
		zap.String("user", user.String()),
		zap.String("requester", requester.String()),
		zap.String("scope", string(scope)))
	return nil
}

// List returns every grant the user has issued.
func (s *Service) List(ctx context.Context, user identity.Address) ([]*domain.Grant, error) {
	return s.repo.ListGrants(ctx, user)
}
