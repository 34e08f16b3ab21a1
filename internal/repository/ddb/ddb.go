// Package ddb implements the repository contracts on a single DynamoDB
// table. Every item lives under a composite key of the form
// USER#<address>#<facet>#..., so one user's rows cluster together and
// per-user scans can use a begins_with prefix.
package ddb

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/observability"
	"memvault-backend/internal/repository"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

const metadataSK = "METADATA#v0"

// Store is the DynamoDB-backed repository.
type Store struct {
	client  *dynamodb.Client
	config  repository.Config
	logger  *zap.Logger
	metrics *observability.Collector
}

// New creates a Store. The aggregate repository.Repository is satisfied
// by the methods spread across this package's files.
func New(client *dynamodb.Client, cfg repository.Config, logger *zap.Logger, metrics *observability.Collector) (*Store, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ddb: %w", err)
	}
	return &Store{
		client:  client,
		config:  cfg,
		logger:  logger.Named("ddb"),
		metrics: metrics,
	}, nil
}

var _ repository.Repository = (*Store)(nil)

// classify translates a DynamoDB failure into the app taxonomy. Throttling
// is backpressure the caller can shed; everything else is a storage outage.
func classify(message string, err error) error {
	var throughput *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return appErrors.NewBackpressure(message + ": table throughput exceeded")
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "RequestLimitExceeded":
			return appErrors.NewBackpressure(message + ": request throttled")
		}
	}
	return appErrors.NewStorageUnavailable(message, err)
}

// observe records one database operation against the collector.
func (s *Store) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.DBOperations.WithLabelValues(op, status).Inc()
	s.metrics.DBDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Key builders. The facet segment keeps the row families disjoint even
// though they share one table.

func memoryPK(owner, memoryID string) string {
	return fmt.Sprintf("USER#%s#MEM#%s", owner, memoryID)
}

func memoryListGSI1PK(owner string) string {
	return fmt.Sprintf("USER#%s#MEM", owner)
}

// memoryGSI1SK zero-pads the millisecond timestamp so lexicographic order
// on the sort key matches chronological order.
func memoryGSI1SK(createdMs int64, memoryID string) string {
	return fmt.Sprintf("CREATED#%013d#%s", createdMs, memoryID)
}

func grantPK(user, requester string) string {
	return fmt.Sprintf("USER#%s#GRANT#%s", user, requester)
}

func grantSK(scope string) string {
	return fmt.Sprintf("SCOPE#%s", scope)
}

func statePK(user string) string {
	return fmt.Sprintf("USER#%s#STATE", user)
}

func dedupPK(user string, hash uint64) string {
	return fmt.Sprintf("USER#%s#DEDUP#%016x", user, hash)
}

func reindexPK(user, memoryID string) string {
	return fmt.Sprintf("USER#%s#REINDEX#%s", user, memoryID)
}

func pendingGraphPK(user, memoryID string) string {
	return fmt.Sprintf("USER#%s#PENDGRAPH#%s", user, memoryID)
}

func stringKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// batchDelete removes the given keys in chunks of the configured batch size.
func (s *Store) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	for len(keys) > 0 {
		n := len(keys)
		if n > s.config.BatchSize {
			n = s.config.BatchSize
		}
		requests := make([]types.WriteRequest, 0, n)
		for _, key := range keys[:n] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: key},
			})
		}
		_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{
				s.config.TableName: requests,
			},
		})
		if err != nil {
			return err
		}
		keys = keys[n:]
	}
	return nil
}

// floatsToBytes packs an embedding as little-endian float32 words so the
// attribute stays a single binary value instead of a number list.
func floatsToBytes(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func bytesToFloats(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// Cursors are the DynamoDB string key of the last item returned, carried
// opaquely to the client.

type listCursor struct {
	PK     string `json:"pk"`
	SK     string `json:"sk"`
	GSI1PK string `json:"gsi1pk"`
	GSI1SK string `json:"gsi1sk"`
}

func encodeCursor(lastKey map[string]types.AttributeValue) string {
	if len(lastKey) == 0 {
		return ""
	}
	c := listCursor{}
	if v, ok := lastKey["PK"].(*types.AttributeValueMemberS); ok {
		c.PK = v.Value
	}
	if v, ok := lastKey["SK"].(*types.AttributeValueMemberS); ok {
		c.SK = v.Value
	}
	if v, ok := lastKey["GSI1PK"].(*types.AttributeValueMemberS); ok {
		c.GSI1PK = v.Value
	}
	if v, ok := lastKey["GSI1SK"].(*types.AttributeValueMemberS); ok {
		c.GSI1SK = v.Value
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, err
	}
	var c listCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if c.PK == "" || c.SK == "" {
		return nil, fmt.Errorf("cursor missing key attributes")
	}
	key := stringKey(c.PK, c.SK)
	if c.GSI1PK != "" {
		key["GSI1PK"] = &types.AttributeValueMemberS{Value: c.GSI1PK}
	}
	if c.GSI1SK != "" {
		key["GSI1SK"] = &types.AttributeValueMemberS{Value: c.GSI1SK}
	}
	return key, nil
}
