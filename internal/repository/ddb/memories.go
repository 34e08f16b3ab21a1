package ddb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"memvault-backend/internal/domain/identity"
	"memvault-backend/internal/domain/memory"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/repository"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ddbMemory is the table shape of one memory record.
type ddbMemory struct {
	PK             string   `dynamodbav:"PK"`
	SK             string   `dynamodbav:"SK"`
	GSI1PK         string   `dynamodbav:"GSI1PK"`
	GSI1SK         string   `dynamodbav:"GSI1SK"`
	MemoryID       string   `dynamodbav:"MemoryID"`
	Owner          string   `dynamodbav:"Owner"`
	Category       string   `dynamodbav:"Category"`
	CreatedAt      int64    `dynamodbav:"CreatedAt"`
	UpdatedAt      int64    `dynamodbav:"UpdatedAt"`
	Importance     float64  `dynamodbav:"Importance"`
	Tags           []string `dynamodbav:"Tags,omitempty"`
	Keywords       []string `dynamodbav:"Keywords,omitempty"`
	ContentRef     string   `dynamodbav:"ContentRef"`
	VectorRef      *int64   `dynamodbav:"VectorRef,omitempty"`
	EmbeddingModel string   `dynamodbav:"EmbeddingModel,omitempty"`
	EncType        string   `dynamodbav:"EncType"`
	EncIdentity    string   `dynamodbav:"EncIdentity,omitempty"`
	EncAADHash     string   `dynamodbav:"EncAADHash,omitempty"`
	GraphRefs      []string `dynamodbav:"GraphRefs,omitempty"`
}

func toDDBMemory(m *memory.Memory) ddbMemory {
	owner := m.Owner.String()
	return ddbMemory{
		PK:             memoryPK(owner, m.MemoryID),
		SK:             metadataSK,
		GSI1PK:         memoryListGSI1PK(owner),
		GSI1SK:         memoryGSI1SK(m.CreatedAt, m.MemoryID),
		MemoryID:       m.MemoryID,
		Owner:          owner,
		Category:       m.Category,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		Importance:     m.Importance,
		Tags:           m.Tags,
		Keywords:       m.Keywords,
		ContentRef:     m.ContentRef,
		VectorRef:      m.VectorRef,
		EmbeddingModel: m.EmbeddingModel,
		EncType:        string(m.Encryption.Type),
		EncIdentity:    m.Encryption.Identity,
		EncAADHash:     m.Encryption.AADHash,
		GraphRefs:      m.GraphRefs,
	}
}

func fromDDBMemory(item ddbMemory) (*memory.Memory, error) {
	owner, err := identity.ParseAddress(item.Owner)
	if err != nil {
		return nil, appErrors.Wrap(err, "stored memory has malformed owner")
	}
	return &memory.Memory{
		MemoryID:       item.MemoryID,
		Owner:          owner,
		Category:       item.Category,
		CreatedAt:      item.CreatedAt,
		UpdatedAt:      item.UpdatedAt,
		Importance:     item.Importance,
		Tags:           item.Tags,
		Keywords:       item.Keywords,
		ContentRef:     item.ContentRef,
		VectorRef:      item.VectorRef,
		EmbeddingModel: item.EmbeddingModel,
		Encryption: memory.Encryption{
			Type:     memory.EncryptionType(item.EncType),
			Identity: item.EncIdentity,
			AADHash:  item.EncAADHash,
		},
		GraphRefs: item.GraphRefs,
	}, nil
}

// SaveMemory upserts the record.
func (s *Store) SaveMemory(ctx context.Context, m *memory.Memory) error {
	start := time.Now()
	item, err := attributevalue.MarshalMap(toDDBMemory(m))
	if err != nil {
		return appErrors.NewInternal("failed to marshal memory item", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.TableName),
		Item:      item,
	})
	s.observe("save_memory", start, err)
	if err != nil {
		return classify("failed to save memory", err)
	}
	return nil
}

// GetMemory retrieves a single memory record.
func (s *Store) GetMemory(ctx context.Context, owner identity.Address, memoryID string) (*memory.Memory, error) {
	start := time.Now()
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.TableName),
		Key:       stringKey(memoryPK(owner.String(), memoryID), metadataSK),
	})
	s.observe("get_memory", start, err)
	if err != nil {
		return nil, classify("failed to get memory", err)
	}
	if result.Item == nil {
		return nil, appErrors.NewNotFound(fmt.Sprintf("memory %s not found", memoryID))
	}
	var item ddbMemory
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, appErrors.NewInternal("failed to unmarshal memory item", err)
	}
	return fromDDBMemory(item)
}

// DeleteMemory removes the record, reporting NotFound when nothing existed.
func (s *Store) DeleteMemory(ctx context.Context, owner identity.Address, memoryID string) error {
	start := time.Now()
	result, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.config.TableName),
		Key:          stringKey(memoryPK(owner.String(), memoryID), metadataSK),
		ReturnValues: types.ReturnValueAllOld,
	})
	s.observe("delete_memory", start, err)
	if err != nil {
		return classify("failed to delete memory", err)
	}
	if len(result.Attributes) == 0 {
		return appErrors.NewNotFound(fmt.Sprintf("memory %s not found", memoryID))
	}
	return nil
}

// ListMemories returns one page of the owner's records, newest first. The
// GSI1 sort key encodes created_at, so time bounds become a key condition
// and category narrows with a filter expression.
func (s *Store) ListMemories(ctx context.Context, owner identity.Address, q repository.MemoryQuery) (repository.MemoryPage, error) {
	start := time.Now()
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	keyEx := expression.Key("GSI1PK").Equal(expression.Value(memoryListGSI1PK(owner.String())))
	switch {
	case q.SinceMs > 0 && q.UntilMs > 0:
		keyEx = keyEx.And(expression.Key("GSI1SK").Between(
			expression.Value(fmt.Sprintf("CREATED#%013d", q.SinceMs)),
			expression.Value(fmt.Sprintf("CREATED#%013d#~", q.UntilMs))))
	case q.SinceMs > 0:
		keyEx = keyEx.And(expression.Key("GSI1SK").GreaterThanEqual(
			expression.Value(fmt.Sprintf("CREATED#%013d", q.SinceMs))))
	case q.UntilMs > 0:
		keyEx = keyEx.And(expression.Key("GSI1SK").LessThanEqual(
			expression.Value(fmt.Sprintf("CREATED#%013d#~", q.UntilMs))))
	}

	builder := expression.NewBuilder().WithKeyCondition(keyEx)
	if q.Category != "" {
		builder = builder.WithFilter(expression.Equal(expression.Name("Category"), expression.Value(q.Category)))
	}
	expr, err := builder.Build()
	if err != nil {
		return repository.MemoryPage{}, appErrors.NewInternal("failed to build listing expression", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.TableName),
		IndexName:                 aws.String(s.config.IndexName),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int32(int32(limit)),
		ScanIndexForward:          aws.Bool(false),
	}
	if q.Cursor != "" {
		startKey, err := decodeCursor(q.Cursor)
		if err != nil {
			return repository.MemoryPage{}, appErrors.NewInvalidInput("malformed listing cursor")
		}
		input.ExclusiveStartKey = startKey
	}

	result, err := s.client.Query(ctx, input)
	s.observe("list_memories", start, err)
	if err != nil {
		return repository.MemoryPage{}, classify("failed to list memories", err)
	}

	page := repository.MemoryPage{Items: make([]*memory.Memory, 0, len(result.Items))}
	for _, raw := range result.Items {
		var item ddbMemory
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return repository.MemoryPage{}, appErrors.NewInternal("failed to unmarshal memory item", err)
		}
		m, err := fromDDBMemory(item)
		if err != nil {
			return repository.MemoryPage{}, err
		}
		page.Items = append(page.Items, m)
	}
	sort.SliceStable(page.Items, func(i, j int) bool {
		if page.Items[i].CreatedAt != page.Items[j].CreatedAt {
			return page.Items[i].CreatedAt > page.Items[j].CreatedAt
		}
		return page.Items[i].MemoryID < page.Items[j].MemoryID
	})
	page.Cursor = encodeCursor(result.LastEvaluatedKey)
	return page, nil
}
