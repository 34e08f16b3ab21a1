package ddb

import (
	"context"
	"strconv"
	"time"

	"memvault-backend/internal/domain/identity"
	appErrors "memvault-backend/internal/errors"
	"memvault-backend/internal/repository"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ddbUserState is the table shape of the per-user control record.
type ddbUserState struct {
	PK               string `dynamodbav:"PK"`
	SK               string `dynamodbav:"SK"`
	User             string `dynamodbav:"User"`
	VectorRefCounter int64  `dynamodbav:"VectorRefCounter"`
	KeyVersion       uint32 `dynamodbav:"KeyVersion"`
	UpdatedAtMs      int64  `dynamodbav:"UpdatedAtMs"`
}

// GetUserState returns the control record, zero-valued for unknown users.
func (s *Store) GetUserState(ctx context.Context, user identity.Address) (repository.UserState, error) {
	start := time.Now()
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.TableName),
		Key:       stringKey(statePK(user.String()), metadataSK),
	})
	s.observe("get_user_state", start, err)
	if err != nil {
		return repository.UserState{}, classify("failed to get user state", err)
	}
	state := repository.UserState{User: user}
	if result.Item == nil {
		return state, nil
	}
	var item ddbUserState
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return repository.UserState{}, appErrors.NewInternal("failed to unmarshal user state", err)
	}
	state.VectorRefCounter = item.VectorRefCounter
	state.KeyVersion = item.KeyVersion
	state.UpdatedAtMs = item.UpdatedAtMs
	return state, nil
}

// PutUserState upserts the control record.
func (s *Store) PutUserState(ctx context.Context, state repository.UserState) error {
	start := time.Now()
	item, err := attributevalue.MarshalMap(ddbUserState{
		PK:               statePK(state.User.String()),
		SK:               metadataSK,
		User:             state.User.String(),
		VectorRefCounter: state.VectorRefCounter,
		KeyVersion:       state.KeyVersion,
		UpdatedAtMs:      time.Now().UnixMilli(),
	})
	if err != nil {
		return appErrors.NewInternal("failed to marshal user state", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.TableName),
		Item:      item,
	})
	s.observe("put_user_state", start, err)
	if err != nil {
		return classify("failed to save user state", err)
	}
	return nil
}

// NextVectorRef atomically increments the per-user counter. An ADD on the
// control row creates it on first use, so no separate bootstrap is needed.
func (s *Store) NextVectorRef(ctx context.Context, user identity.Address) (int64, error) {
	start := time.Now()
	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.config.TableName),
		Key:              stringKey(statePK(user.String()), metadataSK),
		UpdateExpression: aws.String("SET UpdatedAtMs = :now ADD VectorRefCounter :inc"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inc": &types.AttributeValueMemberN{Value: "1"},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().UnixMilli(), 10)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	s.observe("next_vector_ref", start, err)
	if err != nil {
		return 0, classify("failed to advance vector ref counter", err)
	}
	counter, ok := result.Attributes["VectorRefCounter"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, appErrors.NewInternal("vector ref counter missing from update result", nil)
	}
	next, err := strconv.ParseInt(counter.Value, 10, 64)
	if err != nil {
		return 0, appErrors.NewInternal("vector ref counter is not numeric", err)
	}
	return next, nil
}
