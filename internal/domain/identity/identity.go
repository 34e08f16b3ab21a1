// Package identity models the encryption identities that name the key under
// which content is sealed. An identity is a tagged variant; its textual
// serialisation is part of the wire contract with the key servers and must
// stay stable.
package identity

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	appErrors "memvault-backend/internal/errors"
)

// Pre-compiled regular expressions for better cold start performance
var (
	// addressRegex accepts 0x-prefixed hex account and package identifiers
	addressRegex = regexp.MustCompile(`^0x[0-9a-f]{1,64}$`)
	// condHashRegex validates the serialised condition-hash prefix
	condHashRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)
	// roleIDRegex keeps role identifiers colon-free so serialisation stays parseable
	roleIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
)

// Address is a value object for an on-chain account or package identifier.
type Address struct {
	value string
}

// ParseAddress creates an Address from a string, validating the hex form.
// Addresses are normalised to lower case.
func ParseAddress(s string) (Address, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !addressRegex.MatchString(s) {
		return Address{}, appErrors.NewInvalidInput(fmt.Sprintf("invalid address %q", s))
	}
	return Address{value: s}, nil
}

// MustAddress parses an address and panics on failure. Fixture use only.
func MustAddress(s string) Address {
	addr, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// String returns the canonical 0x-prefixed hex form
func (a Address) String() string {
	return a.value
}

// Equals checks if two Addresses are equal
func (a Address) Equals(other Address) bool {
	return a.value == other.value
}

// IsEmpty checks if the Address is empty
func (a Address) IsEmpty() bool {
	return a.value == ""
}

// Variant tags the identity shape.
type Variant string

const (
	VariantSelf Variant = "self"
	VariantApp  Variant = "app"
	VariantTime Variant = "time"
	VariantRole Variant = "role"
	VariantCond Variant = "cond"
)

// Identity is a tagged variant naming an encryption identity. The zero value
// is invalid; construct through the variant constructors or Parse.
type Identity struct {
	kind     Variant
	user     Address
	target   Address
	unlockMs int64
	role     string
	condHash string
}

// Self names owner-only content for the given user.
func Self(user Address) Identity {
	return Identity{kind: VariantSelf, user: user}
}

// App names content shared with one consuming application.
func App(user, target Address) Identity {
	return Identity{kind: VariantApp, user: user, target: target}
}

// TimeLock names content decryptable only once wall-clock reaches unlockMs.
func TimeLock(user Address, unlockMs int64) Identity {
	return Identity{kind: VariantTime, user: user, unlockMs: unlockMs}
}

// Role names role-gated content.
func Role(user Address, roleID string) (Identity, error) {
	if !roleIDRegex.MatchString(roleID) {
		return Identity{}, appErrors.NewInvalidInput(fmt.Sprintf("invalid role id %q", roleID))
	}
	return Identity{kind: VariantRole, user: user, role: roleID}, nil
}

// Cond names predicate-gated content. conditionHash is a lowercase hex hash;
// only its first 16 characters participate in the serialised form.
func Cond(user Address, conditionHash string) (Identity, error) {
	conditionHash = strings.ToLower(strings.TrimSpace(conditionHash))
	if len(conditionHash) < 16 || !condHashRegex.MatchString(conditionHash[:16]) {
		return Identity{}, appErrors.NewInvalidInput("condition hash must be at least 16 hex chars")
	}
	return Identity{kind: VariantCond, user: user, condHash: conditionHash}, nil
}

// Parse reads the serialised textual form back into an Identity.
func Parse(s string) (Identity, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return Identity{}, appErrors.NewInvalidInput(fmt.Sprintf("malformed identity %q", s))
	}

	user, err := ParseAddress(parts[1])
	if err != nil {
		return Identity{}, err
	}

	switch Variant(parts[0]) {
	case VariantSelf:
		if len(parts) != 2 {
			return Identity{}, appErrors.NewInvalidInput("self identity takes no argument")
		}
		return Self(user), nil
	case VariantApp:
		if len(parts) != 3 {
			return Identity{}, appErrors.NewInvalidInput("app identity requires a target address")
		}
		target, err := ParseAddress(parts[2])
		if err != nil {
			return Identity{}, err
		}
		return App(user, target), nil
	case VariantTime:
		if len(parts) != 3 {
			return Identity{}, appErrors.NewInvalidInput("time identity requires an unlock timestamp")
		}
		ms, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || ms < 0 {
			return Identity{}, appErrors.NewInvalidInput(fmt.Sprintf("invalid unlock timestamp %q", parts[2]))
		}
		return TimeLock(user, ms), nil
	case VariantRole:
		if len(parts) != 3 {
			return Identity{}, appErrors.NewInvalidInput("role identity requires a role id")
		}
		return Role(user, parts[2])
	case VariantCond:
		if len(parts) != 3 || !condHashRegex.MatchString(parts[2]) {
			return Identity{}, appErrors.NewInvalidInput("cond identity requires a 16-hex-char hash prefix")
		}
		return Identity{kind: VariantCond, user: user, condHash: parts[2]}, nil
	}
	return Identity{}, appErrors.NewInvalidInput(fmt.Sprintf("unknown identity variant %q", parts[0]))
}

// Kind returns the variant tag.
func (id Identity) Kind() Variant {
	return id.kind
}

// User returns the owning user address.
func (id Identity) User() Address {
	return id.user
}

// Target returns the consuming application address for app identities.
func (id Identity) Target() Address {
	return id.target
}

// UnlockMs returns the wall-clock unlock time for time identities.
func (id Identity) UnlockMs() int64 {
	return id.unlockMs
}

// RoleID returns the role for role identities.
func (id Identity) RoleID() string {
	return id.role
}

// ConditionHash returns the condition-hash prefix for cond identities.
func (id Identity) ConditionHash() string {
	if len(id.condHash) > 16 {
		return id.condHash[:16]
	}
	return id.condHash
}

// String serialises the identity. The format is fixed:
//
//	self:<addr>  app:<addr>:<target>  time:<addr>:<ms>
//	role:<addr>:<role>  cond:<addr>:<h16>
func (id Identity) String() string {
	switch id.kind {
	case VariantSelf:
		return fmt.Sprintf("self:%s", id.user)
	case VariantApp:
		return fmt.Sprintf("app:%s:%s", id.user, id.target)
	case VariantTime:
		return fmt.Sprintf("time:%s:%d", id.user, id.unlockMs)
	case VariantRole:
		return fmt.Sprintf("role:%s:%s", id.user, id.role)
	case VariantCond:
		return fmt.Sprintf("cond:%s:%s", id.user, id.ConditionHash())
	}
	return ""
}

// Bytes returns the serialised identity as AAD material.
func (id Identity) Bytes() []byte {
	return []byte(id.String())
}

// Equals checks if two Identities name the same key.
func (id Identity) Equals(other Identity) bool {
	return id.String() == other.String()
}

// IsZero checks if the Identity is the invalid zero value.
func (id Identity) IsZero() bool {
	return id.kind == ""
}
