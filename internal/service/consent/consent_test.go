package consent_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	domain "memvault-backend/internal/domain/consent"
	"memvault-backend/internal/domain/identity"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/events"
	"memvault-backend/internal/observability"
	"memvault-backend/internal/repository/inmem"
	"memvault-backend/internal/service/consent"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	alice = identity.MustAddress("0x1111111111111111111111111111111111111111")
	bob   = identity.MustAddress("0x2222222222222222222222222222222222222222")
	app   = identity.MustAddress("0x3333333333333333333333333333333333333333")
)

type fixture struct {
	svc   *consent.Service
	store *inmem.Store
	now   *time.Time
	mu    sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.UnixMilli(1_700_000_000_000)
	f := &fixture{store: inmem.New(), now: &now}
	svc, err := consent.NewService(f.store, events.NopPublisher{},
		consent.Config{Clock: f.clock},
		zaptest.NewLogger(t), observability.NewCollector("memvault"))
	require.NoError(t, err)
	f.svc = svc
	return f
}

func TestSelfTargetOwnerAndGrantees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := identity.Self(alice)

	ok, err := f.svc.Allows(ctx, alice, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.Allows(ctx, bob, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.False(t, ok)

	// A read grant opens default-sealed content to its holder.
	_, err = f.svc.Grant(ctx, alice, bob, domain.ScopeReadMemories, time.Hour)
	require.NoError(t, err)
	ok, err = f.svc.Allows(ctx, bob, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.Allows(ctx, bob, target, domain.ScopeWriteMemories)
	require.NoError(t, err)
	assert.False(t, ok, "the grant's scope does not transfer")
}

func TestAppTargetRequiresActiveGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := identity.App(alice, app)

	// No grant yet.
	ok, err := f.svc.Allows(ctx, bob, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.Grant(ctx, alice, bob, domain.ScopeReadMemories, time.Hour)
	require.NoError(t, err)

	ok, err = f.svc.Allows(ctx, bob, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.True(t, ok)

	// A different scope never inherits the grant.
	ok, err = f.svc.Allows(ctx, bob, target, domain.ScopeWriteMemories)
	require.NoError(t, err)
	assert.False(t, ok)

	// Owner access needs no grant.
	ok, err = f.svc.Allows(ctx, alice, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAppTargetGrantExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := identity.App(alice, app)

	_, err := f.svc.Grant(ctx, alice, bob, domain.ScopeReadMemories, time.Minute)
	require.NoError(t, err)

	ok, err := f.svc.Allows(ctx, bob, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.True(t, ok)

	// Jump past grant expiry and the decision cache TTL.
	f.advance(2 * time.Minute)
	ok, err = f.svc.Allows(ctx, bob, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTimeTargetDeniesUntilUnlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unlockMs := f.clock().Add(time.Hour).UnixMilli()
	target := identity.TimeLock(alice, unlockMs)

	// Before unlock even the owner is denied.
	ok, err := f.svc.Allows(ctx, alice, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.False(t, ok)

	f.advance(2 * time.Hour)
	ok, err = f.svc.Allows(ctx, alice, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.True(t, ok)

	// Non-owners stay denied after unlock.
	ok, err = f.svc.Allows(ctx, bob, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoleAndCondDelegateToEvaluators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	role, err := identity.Role(alice, "family")
	require.NoError(t, err)
	cond, err := identity.Cond(alice, "00112233445566778899aabbccddeeff")
	require.NoError(t, err)

	// Unknown keys deny.
	ok, err := f.svc.Allows(ctx, bob, role, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.svc.Allows(ctx, bob, cond, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.False(t, ok)

	f.svc.RegisterRole("family", func(_ context.Context, requester identity.Address, _ identity.Identity) (bool, error) {
		return requester.Equals(bob), nil
	})
	f.svc.RegisterCond(cond.ConditionHash(), func(_ context.Context, _ identity.Address, _ identity.Identity) (bool, error) {
		return true, nil
	})

	ok, err = f.svc.Allows(ctx, bob, role, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.svc.Allows(ctx, app, role, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.svc.Allows(ctx, bob, cond, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecisionCacheServesWithinTTLAndInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := identity.App(alice, app)

	_, err := f.svc.Grant(ctx, alice, bob, domain.ScopeReadMemories, 0)
	require.NoError(t, err)

	ok, err := f.svc.Allows(ctx, bob, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	require.True(t, ok)

	// Remove the grant behind the service's back; the cached allow keeps
	// serving until TTL or invalidation.
	require.NoError(t, f.store.DeleteGrant(ctx, alice, bob, domain.ScopeReadMemories))

	ok, err = f.svc.Allows(ctx, bob, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.True(t, ok, "cached decision should still serve")

	f.svc.InvalidateUser(alice)
	ok, err = f.svc.Allows(ctx, bob, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.False(t, ok, "invalidation must force re-evaluation")
}

func TestDecisionCacheExpiresWithTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := identity.App(alice, app)

	_, err := f.svc.Grant(ctx, alice, bob, domain.ScopeReadMemories, 0)
	require.NoError(t, err)

	ok, err := f.svc.Allows(ctx, bob, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.store.DeleteGrant(ctx, alice, bob, domain.ScopeReadMemories))
	f.advance(31 * time.Second)

	ok, err = f.svc.Allows(ctx, bob, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRevokeInvalidatesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := identity.App(alice, app)

	_, err := f.svc.Grant(ctx, alice, bob, domain.ScopeReadMemories, 0)
	require.NoError(t, err)
	ok, err := f.svc.Allows(ctx, bob, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.svc.Revoke(ctx, alice, bob, domain.ScopeReadMemories))
	ok, err = f.svc.Allows(ctx, bob, target, domain.ScopeReadMemories)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, appErrors.IsNotFound(f.svc.Revoke(ctx, alice, bob, domain.ScopeReadMemories)))
}

func TestGrantEventsPublished(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	f := &fixture{store: inmem.New(), now: &now}
	dispatcher := events.NewDispatcher(zaptest.NewLogger(t))
	var published []string
	for _, eventType := range []string{events.TypeConsentGranted, events.TypeConsentRevoked} {
		et := eventType
		dispatcher.Register(et, func(_ context.Context, _ events.DomainEvent) {
			published = append(published, et)
		})
	}
	svc, err := consent.NewService(f.store, dispatcher,
		consent.Config{Clock: f.clock},
		zaptest.NewLogger(t), observability.NewCollector("memvault"))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = svc.Grant(ctx, alice, bob, domain.ScopeReadMemories, 0)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, alice, bob, domain.ScopeReadMemories))

	assert.Equal(t, []string{events.TypeConsentGranted, events.TypeConsentRevoked}, published)
}

func TestAllowsRejectsZeroIdentities(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Allows(context.Background(), identity.Address{}, identity.Self(alice), domain.ScopeReadMemories)
	assert.True(t, appErrors.IsInvalidInput(err))
	_, err = f.svc.Allows(context.Background(), bob, identity.Identity{}, domain.ScopeReadMemories)
	assert.True(t, appErrors.IsInvalidInput(err))
}
