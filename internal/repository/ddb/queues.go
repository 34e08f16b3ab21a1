package ddb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"memvault-backend/internal/domain/identity"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/repository"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ddbDedup is one content-hash row in the ingest dedup window. TTL lets
// the table reap stale rows; the expiry check still happens on read
// because TTL deletion lags.
type ddbDedup struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	MemoryID    string `dynamodbav:"MemoryID"`
	ExpiresAtMs int64  `dynamodbav:"ExpiresAtMs"`
	TTL         int64  `dynamodbav:"TTL"`
}

// ddbReindex is one needs-reindex row.
type ddbReindex struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	MemoryID  string `dynamodbav:"MemoryID"`
	VectorID  string `dynamodbav:"VectorID"`
	Embedding []byte `dynamodbav:"Embedding"`
	CreatedMs int64  `dynamodbav:"CreatedMs"`
}

// ddbPendingGraph is one pending-graph row.
type ddbPendingGraph struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	MemoryID  string `dynamodbav:"MemoryID"`
	CreatedMs int64  `dynamodbav:"CreatedMs"`
}

// RecallDedup looks up the window entry for a content hash.
func (s *Store) RecallDedup(ctx context.Context, user identity.Address, hash uint64, nowMs int64) (string, bool, error) {
	start := time.Now()
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.TableName),
		Key:       stringKey(dedupPK(user.String(), hash), "WINDOW"),
	})
	s.observe("recall_dedup", start, err)
	if err != nil {
		return "", false, classify("failed to check dedup window", err)
	}
	if result.Item == nil {
		return "", false, nil
	}
	var item ddbDedup
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return "", false, appErrors.NewInternal("failed to unmarshal dedup item", err)
	}
	if nowMs >= item.ExpiresAtMs {
		return "", false, nil
	}
	return item.MemoryID, true, nil
}

// RememberDedup records the hash for the window.
func (s *Store) RememberDedup(ctx context.Context, user identity.Address, hash uint64, memoryID string, expiresAtMs int64) error {
	start := time.Now()
	item, err := attributevalue.MarshalMap(ddbDedup{
		PK:          dedupPK(user.String(), hash),
		SK:          "WINDOW",
		MemoryID:    memoryID,
		ExpiresAtMs: expiresAtMs,
		TTL:         expiresAtMs / 1000,
	})
	if err != nil {
		return appErrors.NewInternal("failed to marshal dedup item", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.TableName),
		Item:      item,
	})
	s.observe("remember_dedup", start, err)
	if err != nil {
		return classify("failed to record dedup entry", err)
	}
	return nil
}

// PutReindex records one accepted vector write pending a durable snapshot.
func (s *Store) PutReindex(ctx context.Context, user identity.Address, e repository.ReindexEntry) error {
	start := time.Now()
	item, err := attributevalue.MarshalMap(ddbReindex{
		PK:        reindexPK(user.String(), e.MemoryID),
		SK:        metadataSK,
		MemoryID:  e.MemoryID,
		VectorID:  e.VectorID,
		Embedding: floatsToBytes(e.Embedding),
		CreatedMs: e.CreatedMs,
	})
	if err != nil {
		return appErrors.NewInternal("failed to marshal reindex item", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.TableName),
		Item:      item,
	})
	s.observe("put_reindex", start, err)
	if err != nil {
		return classify("failed to record reindex entry", err)
	}
	return nil
}

// ListReindex scans the user's needs-reindex rows, oldest first.
func (s *Store) ListReindex(ctx context.Context, user identity.Address) ([]repository.ReindexEntry, error) {
	start := time.Now()
	prefix := fmt.Sprintf("USER#%s#REINDEX#", user.String())
	input := &dynamodb.ScanInput{
		TableName:        aws.String(s.config.TableName),
		FilterExpression: aws.String("begins_with(PK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
	}

	var entries []repository.ReindexEntry
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		result, err := paginator.NextPage(ctx)
		if err != nil {
			s.observe("list_reindex", start, err)
			return nil, classify("failed to list reindex entries", err)
		}
		for _, raw := range result.Items {
			var item ddbReindex
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				s.observe("list_reindex", start, err)
				return nil, appErrors.NewInternal("failed to unmarshal reindex item", err)
			}
			entries = append(entries, repository.ReindexEntry{
				MemoryID:  item.MemoryID,
				VectorID:  item.VectorID,
				Embedding: bytesToFloats(item.Embedding),
				CreatedMs: item.CreatedMs,
			})
		}
	}
	s.observe("list_reindex", start, nil)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedMs != entries[j].CreatedMs {
			return entries[i].CreatedMs < entries[j].CreatedMs
		}
		return entries[i].MemoryID < entries[j].MemoryID
	})
	return entries, nil
}

// DeleteReindex clears the given memory ids from the needs-reindex list.
func (s *Store) DeleteReindex(ctx context.Context, user identity.Address, memoryIDs []string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	start := time.Now()
	keys := make([]map[string]types.AttributeValue, 0, len(memoryIDs))
	for _, id := range memoryIDs {
		keys = append(keys, stringKey(reindexPK(user.String(), id), metadataSK))
	}
	err := s.batchDelete(ctx, keys)
	s.observe("delete_reindex", start, err)
	if err != nil {
		return classify("failed to clear reindex entries", err)
	}
	return nil
}

// PutPendingGraph records one memory whose graph update is not yet durable.
func (s *Store) PutPendingGraph(ctx context.Context, user identity.Address, memoryID string, createdMs int64) error {
	start := time.Now()
	item, err := attributevalue.MarshalMap(ddbPendingGraph{
		PK:        pendingGraphPK(user.String(), memoryID),
		SK:        metadataSK,
		MemoryID:  memoryID,
		CreatedMs: createdMs,
	})
	if err != nil {
		return appErrors.NewInternal("failed to marshal pending graph item", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.TableName),
		Item:      item,
	})
	s.observe("put_pending_graph", start, err)
	if err != nil {
		return classify("failed to record pending graph entry", err)
	}
	return nil
}

// ListPendingGraph scans the user's pending-graph memory ids, oldest first.
func (s *Store) ListPendingGraph(ctx context.Context, user identity.Address) ([]string, error) {
	start := time.Now()
	prefix := fmt.Sprintf("USER#%s#PENDGRAPH#", user.String())
	input := &dynamodb.ScanInput{
		TableName:        aws.String(s.config.TableName),
		FilterExpression: aws.String("begins_with(PK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
	}

	type pending struct {
		memoryID  string
		createdMs int64
	}
	var rows []pending
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		result, err := paginator.NextPage(ctx)
		if err != nil {
			s.observe("list_pending_graph", start, err)
			return nil, classify("failed to list pending graph entries", err)
		}
		for _, raw := range result.Items {
			var item ddbPendingGraph
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				s.observe("list_pending_graph", start, err)
				return nil, appErrors.NewInternal("failed to unmarshal pending graph item", err)
			}
			rows = append(rows, pending{memoryID: item.MemoryID, createdMs: item.CreatedMs})
		}
	}
	s.observe("list_pending_graph", start, nil)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].createdMs != rows[j].createdMs {
			return rows[i].createdMs < rows[j].createdMs
		}
		return rows[i].memoryID < rows[j].memoryID
	})
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.memoryID)
	}
	return ids, nil
}

// DeletePendingGraph clears the given memory ids from the pending list.
func (s *Store) DeletePendingGraph(ctx context.Context, user identity.Address, memoryIDs []string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	start := time.Now()
	keys := make([]map[string]types.AttributeValue, 0, len(memoryIDs))
	for _, id := range memoryIDs {
		keys = append(keys, stringKey(pendingGraphPK(user.String(), id), metadataSK))
	}
	err := s.batchDelete(ctx, keys)
	s.observe("delete_pending_graph", start, err)
	if err != nil {
		return classify("failed to clear pending graph entries", err)
	}
	return nil
}
