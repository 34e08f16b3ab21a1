package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"memvault-backend/internal/domain/identity"
	appErrors "memvault-backend/internal/errors"
)

// Sealed blob layout (all integers big-endian):
//
//	magic       4  bytes  "MVE1"
//	keyVersion  4  bytes  backup-key version the data key derives from
//	identityLen 2  bytes
//	identity    variable  canonical identity string
//	nonce       12 bytes
//	bindingHash 32 bytes  SHA-256(plaintext || identity string)
//	payloadLen  4  bytes
//	payload     variable  AEAD ciphertext + tag
//
// Everything before the payload is fed to the AEAD as additional data, so a
// flipped bit anywhere in the header fails the tag check. The binding hash is
// re-verified against the recovered plaintext after a successful open.

var envelopeMagic = [4]byte{'M', 'V', 'E', '1'}

const (
	envelopeNonceSize = chacha20poly1305.NonceSize
	envelopeHeaderMin = 4 + 4 + 2 + envelopeNonceSize + sha256.Size + 4
	maxIdentityLen    = 4096
	dataKeySize       = chacha20poly1305.KeySize
	hkdfSaltLabel     = "memvault-seal-v1"
)

type envelope struct {
	keyVersion  uint32
	identity    string
	nonce       [envelopeNonceSize]byte
	bindingHash [sha256.Size]byte
	payload     []byte
}

// computeBindingHash commits the plaintext to the identity it was sealed under.
func computeBindingHash(plaintext []byte, identityStr string) [sha256.Size]byte {
	h := sha256.New()
	h.Write(plaintext)
	h.Write([]byte(identityStr))
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// deriveDataKey stretches the reconstructed root secret into a per-identity
// AEAD key. Distinct identities under the same root never share a key.
func deriveDataKey(rootSecret []byte, identityStr string, keyVersion uint32) ([]byte, error) {
	info := make([]byte, 4, 4+len(identityStr))
	binary.BigEndian.PutUint32(info, keyVersion)
	info = append(info, identityStr...)

	key := make([]byte, dataKeySize)
	r := hkdf.New(sha256.New, rootSecret, []byte(hkdfSaltLabel), info)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, appErrors.NewEncryptionFailed("key derivation failed", err)
	}
	return key, nil
}

// sealEnvelope encrypts plaintext under the data key and renders the wire blob.
func sealEnvelope(rootSecret []byte, keyVersion uint32, plaintext []byte, id identity.Identity) ([]byte, error) {
	identityStr := id.String()
	if identityStr == "" || len(identityStr) > maxIdentityLen {
		return nil, appErrors.NewInvalidInput("identity is not sealable")
	}

	key, err := deriveDataKey(rootSecret, identityStr, keyVersion)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, appErrors.NewEncryptionFailed("cipher init failed", err)
	}

	var nonce [envelopeNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, appErrors.NewEncryptionFailed("nonce generation failed", err)
	}

	binding := computeBindingHash(plaintext, identityStr)

	header := make([]byte, 0, envelopeHeaderMin+len(identityStr))
	header = append(header, envelopeMagic[:]...)
	header = binary.BigEndian.AppendUint32(header, keyVersion)
	header = binary.BigEndian.AppendUint16(header, uint16(len(identityStr)))
	header = append(header, identityStr...)
	header = append(header, nonce[:]...)
	header = append(header, binding[:]...)

	payload := aead.Seal(nil, nonce[:], plaintext, header)

	blob := make([]byte, 0, len(header)+4+len(payload))
	blob = append(blob, header...)
	blob = binary.BigEndian.AppendUint32(blob, uint32(len(payload)))
	blob = append(blob, payload...)
	return blob, nil
}

// parseEnvelope splits a wire blob into its fields and returns the header
// slice that doubles as AEAD additional data. Structural problems are
// InvalidCiphertext; nothing cryptographic is checked here.
func parseEnvelope(blob []byte) (*envelope, []byte, error) {
	if len(blob) < envelopeHeaderMin {
		return nil, nil, appErrors.NewInvalidCiphertext("sealed blob truncated")
	}
	if [4]byte(blob[:4]) != envelopeMagic {
		return nil, nil, appErrors.NewInvalidCiphertext("bad sealed blob magic")
	}
	env := &envelope{}
	off := 4
	env.keyVersion = binary.BigEndian.Uint32(blob[off:])
	off += 4
	idLen := int(binary.BigEndian.Uint16(blob[off:]))
	off += 2
	if idLen == 0 || idLen > maxIdentityLen || len(blob) < off+idLen+envelopeNonceSize+sha256.Size+4 {
		return nil, nil, appErrors.NewInvalidCiphertext("sealed blob header malformed")
	}
	env.identity = string(blob[off : off+idLen])
	off += idLen
	copy(env.nonce[:], blob[off:])
	off += envelopeNonceSize
	copy(env.bindingHash[:], blob[off:])
	off += sha256.Size
	payloadLen := int(binary.BigEndian.Uint32(blob[off:]))
	off += 4
	if payloadLen < 0 || len(blob) != off+payloadLen {
		return nil, nil, appErrors.NewInvalidCiphertext("sealed blob payload length mismatch")
	}
	env.payload = blob[off:]
	return env, blob[:off-4], nil
}

// openEnvelope decrypts a parsed envelope with the reconstructed root secret.
// Tag or binding-hash failures are IntegrityError: the blob parsed fine but
// someone changed its contents.
func openEnvelope(rootSecret []byte, env *envelope, aad []byte) ([]byte, error) {
	key, err := deriveDataKey(rootSecret, env.identity, env.keyVersion)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, appErrors.NewDecryptionFailed("cipher init failed", err)
	}
	plaintext, err := aead.Open(nil, env.nonce[:], env.payload, aad)
	if err != nil {
		return nil, appErrors.NewIntegrity("authentication tag mismatch")
	}
	if computeBindingHash(plaintext, env.identity) != env.bindingHash {
		return nil, appErrors.NewIntegrity("plaintext binding hash mismatch")
	}
	return plaintext, nil
}

// BindingHash returns the hex form of the commitment sealed blobs carry
// between plaintext and identity, for callers recording it in metadata.
func BindingHash(plaintext []byte, id identity.Identity) string {
	sum := computeBindingHash(plaintext, id.String())
	return hex.EncodeToString(sum[:])
}

// PeekIdentity extracts the identity a sealed blob was encrypted under
// without attempting decryption.
func PeekIdentity(blob []byte) (identity.Identity, error) {
	env, _, err := parseEnvelope(blob)
	if err != nil {
		return identity.Identity{}, err
	}
	id, err := identity.Parse(env.identity)
	if err != nil {
		return identity.Identity{}, appErrors.NewInvalidCiphertext("sealed blob carries unparseable identity")
	}
	return id, nil
}
