// Package blob is the content-addressed blob store adapter. Addresses are
// deterministic functions of content bytes; tags ride alongside each object;
// retention is epoch-based and coarse. The adapter wraps a narrow Transport
// with retries and a circuit breaker.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
)

// Tags is the metadata set stored with every blob.
type Tags struct {
	Owner          string            `json:"owner"`
	Category       string            `json:"category,omitempty"`
	Topic          string            `json:"topic,omitempty"`
	Importance     float64           `json:"importance,omitempty"`
	ContentType    string            `json:"content_type,omitempty"`
	ContentSize    int64             `json:"content_size"`
	ContentHash    string            `json:"content_hash"`
	CreatedMs      int64             `json:"created_ms"`
	IsEncrypted    bool              `json:"is_encrypted"`
	EncryptionType string            `json:"encryption_type,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// PutReceipt is returned by a successful Put.
type PutReceipt struct {
	Address           string `json:"address"`
	Size              int64  `json:"size"`
	StoredAt          int64  `json:"stored_at"`
	RetentionEpochEnd int64  `json:"retention_epoch_end"`
}

// Object is a blob with its tags.
type Object struct {
	Bytes []byte
	Tags  Tags
}

// ListQuery selects addresses by owner with optional category narrowing.
type ListQuery struct {
	Owner    string
	Category string
	Limit    int
	Cursor   string
}

// ListPage is one page of a List result.
type ListPage struct {
	Addresses  []string
	NextCursor string
}

// AddressOf computes the content address of a byte string: lowercase hex
// SHA-256. The same bytes always map to the same address.
func AddressOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

const msPerDay = int64(24 * 60 * 60 * 1000)

// RetentionEpochEnd returns the wall-clock ms at which the blob's retention
// epoch ends. Epochs are aligned to epochDays boundaries; content survives
// at least one full epoch past its creation.
func RetentionEpochEnd(createdMs int64, epochDays int) int64 {
	epochMs := int64(epochDays) * msPerDay
	if epochMs <= 0 {
		return createdMs
	}
	nextBoundary := (createdMs/epochMs + 1) * epochMs
	return nextBoundary + epochMs
}
