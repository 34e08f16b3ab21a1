package identity_test

import (
	"strings"
	"testing"

	"memvault-backend/internal/domain/identity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	userHex = "0x1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0b1c2d3e4f5a6b7c8d9e0f1a2b"
	appHex  = "0x9f8e7d6c5b4a39281706f5e4d3c2b1a09f8e7d6c5b4a39281706f5e4d3c2b1a0"
)

func TestParseAddressNormalisesCase(t *testing.T) {
	addr, err := identity.ParseAddress("0xAB12")
	require.NoError(t, err)
	assert.Equal(t, "0xab12", addr.String())
}

func TestParseAddressRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "ab12", "0x", "0xzz", "0x" + strings.Repeat("a", 65)} {
		_, err := identity.ParseAddress(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestIdentitySerialisationRoundTrip(t *testing.T) {
	user := identity.MustAddress(userHex)
	app := identity.MustAddress(appHex)

	roleID, err := identity.Role(user, "editor")
	require.NoError(t, err)
	condID, err := identity.Cond(user, "deadbeefdeadbeefcafecafecafecafe")
	require.NoError(t, err)

	tests := []struct {
		name string
		id   identity.Identity
		want string
	}{
		{"self", identity.Self(user), "self:" + userHex},
		{"app", identity.App(user, app), "app:" + userHex + ":" + appHex},
		{"time", identity.TimeLock(user, 1767225600000), "time:" + userHex + ":1767225600000"},
		{"role", roleID, "role:" + userHex + ":editor"},
		{"cond", condID, "cond:" + userHex + ":deadbeefdeadbeef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.String())

			parsed, err := identity.Parse(tt.id.String())
			require.NoError(t, err)
			assert.True(t, parsed.Equals(tt.id))
			assert.Equal(t, tt.id.Kind(), parsed.Kind())
			assert.Equal(t, user.String(), parsed.User().String())
		})
	}
}

func TestCondSerialisationTruncatesHash(t *testing.T) {
	user := identity.MustAddress(userHex)
	full := "0123456789abcdef0123456789abcdef0123456789abcdef"

	id, err := identity.Cond(user, full)
	require.NoError(t, err)
	assert.Equal(t, "cond:"+userHex+":0123456789abcdef", id.String())
	assert.Equal(t, "0123456789abcdef", id.ConditionHash())
}

func TestParseRejectsMalformedIdentities(t *testing.T) {
	malformed := []string{
		"",
		"self",
		"self:" + userHex + ":extra",
		"app:" + userHex,
		"time:" + userHex + ":soon",
		"time:" + userHex + ":-5",
		"cond:" + userHex + ":tooshort",
		"vault:" + userHex,
		"role:" + userHex + ":has:colon",
	}

	for _, in := range malformed {
		_, err := identity.Parse(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestRoleRejectsUnserialisableIDs(t *testing.T) {
	user := identity.MustAddress(userHex)
	_, err := identity.Role(user, "a:b")
	assert.Error(t, err)
}
