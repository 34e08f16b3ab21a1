// Package consent defines consent grants: a user allowing a requesting
// identity to act on their memories at a named scope.
package consent

import (
	"fmt"
	"time"

	"memvault-backend/internal/domain/identity"
	appErrors "memvault-backend/internal/errors"
)

// Scope names an allowed operation class. The set is closed.
type Scope string

const (
	ScopeReadMemories  Scope = "read:memories"
	ScopeWriteMemories Scope = "write:memories"
)

// ParseScope validates a scope string against the closed set.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeReadMemories, ScopeWriteMemories:
		return Scope(s), nil
	}
	return "", appErrors.NewInvalidInput(fmt.Sprintf("unknown scope %q", s))
}

// Grant records that Requester may act on User's memories at Scope.
// ExpiresAt of zero means the grant does not expire.
type Grant struct {
	User      identity.Address `json:"user"`
	Requester identity.Address `json:"requester"`
	Scope     Scope            `json:"scope"`
	GrantedAt int64            `json:"granted_at"`
	ExpiresAt int64            `json:"expires_at,omitempty"`
}

// NewGrant stamps a grant. expiresAt may be the zero time for no expiry.
func NewGrant(user, requester identity.Address, scope Scope, now, expiresAt time.Time) (*Grant, error) {
	if user.IsEmpty() || requester.IsEmpty() {
		return nil, appErrors.NewInvalidInput("grant requires user and requester addresses")
	}
	if user.Equals(requester) {
		return nil, appErrors.NewInvalidInput("self grants are implicit")
	}
	g := &Grant{
		User:      user,
		Requester: requester,
		Scope:     scope,
		GrantedAt: now.UnixMilli(),
	}
	if !expiresAt.IsZero() {
		if !expiresAt.After(now) {
			return nil, appErrors.NewInvalidInput("grant expiry must be in the future")
		}
		g.ExpiresAt = expiresAt.UnixMilli()
	}
	return g, nil
}

// Active reports whether the grant is usable at the given instant.
func (g *Grant) Active(now time.Time) bool {
	return g.ExpiresAt == 0 || now.UnixMilli() < g.ExpiresAt
}

// Agrees reports whether two grants name the same permission. Two grants
// agree iff they share requester, user, and scope.
func (g *Grant) Agrees(other *Grant) bool {
	return g.User.Equals(other.User) &&
		g.Requester.Equals(other.Requester) &&
		g.Scope == other.Scope
}
