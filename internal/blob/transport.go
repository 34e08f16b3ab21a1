package blob

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

// ErrKeyNotFound is returned by transports for missing keys. The store maps
// it to the application NotFound error.
var ErrKeyNotFound = errors.New("blob: key not found")

// Transport is the narrow byte-level interface the store adapter drives.
// Implementations: S3 and an in-process map for tests and local mode.
type Transport interface {
	Put(ctx context.Context, key string, data []byte, meta map[string]string) error
	Get(ctx context.Context, key string) ([]byte, map[string]string, error)
	Head(ctx context.Context, key string) (map[string]string, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string, limit int, cursor string) ([]string, string, error)
}

// Object keys: the blob itself lives under blobs/<address>; a zero-byte
// owner marker under owners/<owner>/<address> makes List a prefix scan.
const (
	blobKeyPrefix  = "blobs/"
	ownerKeyPrefix = "owners/"
)

func blobKey(address string) string {
	return blobKeyPrefix + address
}

func ownerKey(owner, address string) string {
	return ownerKeyPrefix + owner + "/" + address
}

func encodeMeta(t Tags) map[string]string {
	meta := map[string]string{
		"owner":        t.Owner,
		"content-size": strconv.FormatInt(t.ContentSize, 10),
		"content-hash": t.ContentHash,
		"created-ms":   strconv.FormatInt(t.CreatedMs, 10),
		"is-encrypted": strconv.FormatBool(t.IsEncrypted),
	}
	if t.Category != "" {
		meta["category"] = t.Category
	}
	if t.Topic != "" {
		meta["topic"] = t.Topic
	}
	if t.Importance != 0 {
		meta["importance"] = strconv.FormatFloat(t.Importance, 'f', -1, 64)
	}
	if t.ContentType != "" {
		meta["content-type"] = t.ContentType
	}
	if t.EncryptionType != "" {
		meta["encryption-type"] = t.EncryptionType
	}
	if len(t.Extra) > 0 {
		if extra, err := json.Marshal(t.Extra); err == nil {
			meta["extra"] = string(extra)
		}
	}
	return meta
}

func decodeMeta(meta map[string]string) Tags {
	t := Tags{
		Owner:          meta["owner"],
		Category:       meta["category"],
		Topic:          meta["topic"],
		ContentType:    meta["content-type"],
		ContentHash:    meta["content-hash"],
		EncryptionType: meta["encryption-type"],
	}
	t.ContentSize, _ = strconv.ParseInt(meta["content-size"], 10, 64)
	t.CreatedMs, _ = strconv.ParseInt(meta["created-ms"], 10, 64)
	t.Importance, _ = strconv.ParseFloat(meta["importance"], 64)
	t.IsEncrypted, _ = strconv.ParseBool(meta["is-encrypted"])
	if raw, ok := meta["extra"]; ok {
		_ = json.Unmarshal([]byte(raw), &t.Extra)
	}
	return t
}
