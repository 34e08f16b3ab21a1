package seal

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"memvault-backend/internal/domain/identity"
	appErrors "memvault-backend/internal/errors"
)

// KeyRing derives the per-user backup keys that envelopes are sealed under
// and provisions their shares to the key servers. Root secrets are derived
// deterministically from the ceremony seed, so hosted servers provisioned
// from the same seed serve matching shares; the in-process sinks receive
// theirs on first use.
//
// Encrypt reads the current version directly from the ring. Decrypt never
// touches ring secrets: it reconstructs them from server shares so a broken
// quorum actually fails.
type KeyRing struct {
	mu          sync.Mutex
	seed        []byte
	versions    map[string]uint32
	provisioned map[string]bool
	source      VersionSource
	sinks       []ShareSink
	totalWeight int
	quorum      int
}

// VersionSource supplies the persisted key version for an owner the ring has
// not seen since the process started. Zero means unknown.
type VersionSource func(owner identity.Address) uint32

// NewKeyRing builds a ring over the ceremony seed. sinks may be empty when
// every configured server is hosted.
func NewKeyRing(seed []byte, sinks []ShareSink, totalWeight, quorum int) (*KeyRing, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("seal: ceremony seed must be at least 16 bytes")
	}
	if quorum <= 0 || quorum > totalWeight {
		return nil, fmt.Errorf("seal: quorum %d out of range for total weight %d", quorum, totalWeight)
	}
	return &KeyRing{
		seed:        append([]byte(nil), seed...),
		versions:    make(map[string]uint32),
		provisioned: make(map[string]bool),
		sinks:       sinks,
		totalWeight: totalWeight,
		quorum:      quorum,
	}, nil
}

// rootSecret derives the 32-byte root secret for (owner, version).
func (r *KeyRing) rootSecret(owner identity.Address, version uint32) ([]byte, error) {
	info := make([]byte, 0, len(owner.String())+5)
	info = append(info, owner.String()...)
	info = append(info, 0)
	info = binary.BigEndian.AppendUint32(info, version)

	secret := make([]byte, 32)
	kr := hkdf.New(sha256.New, r.seed, []byte("memvault-backup-key"), info)
	if _, err := io.ReadFull(kr, secret); err != nil {
		return nil, appErrors.NewInternal("backup key derivation failed", err)
	}
	return secret, nil
}

// provisionLocked splits the (owner, version) secret and installs the shares
// on the in-process sinks. Caller holds the lock.
func (r *KeyRing) provisionLocked(owner identity.Address, version uint32) error {
	key := materialKey(owner, version)
	if r.provisioned[key] || len(r.sinks) == 0 {
		r.provisioned[key] = true
		return nil
	}
	secret, err := r.rootSecret(owner, version)
	if err != nil {
		return err
	}
	shares, err := splitSecret(secret, r.totalWeight, r.quorum)
	if err != nil {
		return appErrors.NewInternal("backup key split failed", err)
	}
	commitment := sha256.Sum256(secret)

	offset := 0
	for _, sink := range r.sinks {
		w := sink.Weight()
		sink.Install(owner, version, commitment[:], shares[offset:offset+w])
		offset += w
	}
	r.provisioned[key] = true
	return nil
}

// Current returns the active version and its root secret for sealing new
// content, provisioning shares on first use.
func (r *KeyRing) Current(owner identity.Address) ([]byte, uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	version, ok := r.versions[owner.String()]
	if !ok {
		version = r.restoreLocked(owner)
	}
	if err := r.provisionLocked(owner, version); err != nil {
		return nil, 0, err
	}
	secret, err := r.rootSecret(owner, version)
	if err != nil {
		return nil, 0, err
	}
	return secret, version, nil
}

// SetVersionSource installs the persisted-version lookup consulted the first
// time an owner touches the ring after a restart.
func (r *KeyRing) SetVersionSource(src VersionSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source = src
}

// restoreLocked resolves an owner's starting version: the persisted counter
// when a source is wired and knows the owner, version one otherwise. Caller
// holds the lock.
func (r *KeyRing) restoreLocked(owner identity.Address) uint32 {
	var version uint32
	if r.source != nil {
		version = r.source(owner)
	}
	if version == 0 {
		version = 1
	}
	r.versions[owner.String()] = version
	return version
}

// Rotate mints the next backup-key version for the owner and provisions its
// shares. Earlier versions stay derivable, so existing ciphertexts remain
// decryptable.
func (r *KeyRing) Rotate(owner identity.Address) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	version, ok := r.versions[owner.String()]
	if !ok {
		version = r.restoreLocked(owner)
	}
	version++
	if err := r.provisionLocked(owner, version); err != nil {
		return 0, err
	}
	r.versions[owner.String()] = version
	return version, nil
}

// EnsureProvisioned makes sure shares for (owner, version) are installed on
// the sinks. Decrypts of pre-restart ciphertexts need this when sinks are
// memory-backed.
func (r *KeyRing) EnsureProvisioned(owner identity.Address, version uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provisionLocked(owner, version)
}
