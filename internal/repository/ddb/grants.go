package ddb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"memvault-backend/internal/domain/consent"
	"memvault-backend/internal/domain/identity"
	appErrors "memvault-backend/internal/errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ddbGrant is the table shape of one consent grant.
type ddbGrant struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	User      string `dynamodbav:"User"`
	Requester string `dynamodbav:"Requester"`
	Scope     string `dynamodbav:"Scope"`
	GrantedAt int64  `dynamodbav:"GrantedAt"`
	ExpiresAt int64  `dynamodbav:"ExpiresAt,omitempty"`
}

func fromDDBGrant(item ddbGrant) (*consent.Grant, error) {
	user, err := identity.ParseAddress(item.User)
	if err != nil {
		return nil, appErrors.Wrap(err, "stored grant has malformed user")
	}
	requester, err := identity.ParseAddress(item.Requester)
	if err != nil {
		return nil, appErrors.Wrap(err, "stored grant has malformed requester")
	}
	scope, err := consent.ParseScope(item.Scope)
	if err != nil {
		return nil, appErrors.Wrap(err, "stored grant has malformed scope")
	}
	return &consent.Grant{
		User:      user,
		Requester: requester,
		Scope:     scope,
		GrantedAt: item.GrantedAt,
		ExpiresAt: item.ExpiresAt,
	}, nil
}

// PutGrant upserts the grant row.
func (s *Store) PutGrant(ctx context.Context, g *consent.Grant) error {
	start := time.Now()
	item, err := attributevalue.MarshalMap(ddbGrant{
		PK:        grantPK(g.User.String(), g.Requester.String()),
		SK:        grantSK(string(g.Scope)),
		User:      g.User.String(),
		Requester: g.Requester.String(),
		Scope:     string(g.Scope),
		GrantedAt: g.GrantedAt,
		ExpiresAt: g.ExpiresAt,
	})
	if err != nil {
		return appErrors.NewInternal("failed to marshal grant item", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.TableName),
		Item:      item,
	})
	s.observe("put_grant", start, err)
	if err != nil {
		return classify("failed to save grant", err)
	}
	return nil
}

// DeleteGrant removes the grant row, reporting NotFound when absent.
func (s *Store) DeleteGrant(ctx context.Context, user, requester identity.Address, scope consent.Scope) error {
	start := time.Now()
	result, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.config.TableName),
		Key:          stringKey(grantPK(user.String(), requester.String()), grantSK(string(scope))),
		ReturnValues: types.ReturnValueAllOld,
	})
	s.observe("delete_grant", start, err)
	if err != nil {
		return classify("failed to delete grant", err)
	}
	if len(result.Attributes) == 0 {
		return appErrors.NewNotFound(fmt.Sprintf("no %s grant for %s", scope, requester))
	}
	return nil
}

// GetGrant retrieves a single grant row.
func (s *Store) GetGrant(ctx context.Context, user, requester identity.Address, scope consent.Scope) (*consent.Grant, error) {
	start := time.Now()
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.TableName),
		Key:       stringKey(grantPK(user.String(), requester.String()), grantSK(string(scope))),
	})
	s.observe("get_grant", start, err)
	if err != nil {
		return nil, classify("failed to get grant", err)
	}
	if result.Item == nil {
		return nil, appErrors.NewNotFound(fmt.Sprintf("no %s grant for %s", scope, requester))
	}
	var item ddbGrant
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, appErrors.NewInternal("failed to unmarshal grant item", err)
	}
	return fromDDBGrant(item)
}

// ListGrants scans every grant row the user has issued.
func (s *Store) ListGrants(ctx context.Context, user identity.Address) ([]*consent.Grant, error) {
	start := time.Now()
	prefix := fmt.Sprintf("USER#%s#GRANT#", user.String())
	input := &dynamodb.ScanInput{
		TableName:        aws.String(s.config.TableName),
		FilterExpression: aws.String("begins_with(PK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
	}

	var grants []*consent.Grant
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		result, err := paginator.NextPage(ctx)
		if err != nil {
			s.observe("list_grants", start, err)
			return nil, classify("failed to list grants", err)
		}
		for _, raw := range result.Items {
			var item ddbGrant
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				s.observe("list_grants", start, err)
				return nil, appErrors.NewInternal("failed to unmarshal grant item", err)
			}
			g, err := fromDDBGrant(item)
			if err != nil {
				s.observe("list_grants", start, err)
				return nil, err
			}
			grants = append(grants, g)
		}
	}
	s.observe("list_grants", start, nil)
	sort.Slice(grants, func(i, j int) bool {
		if !grants[i].Requester.Equals(grants[j].Requester) {
			return grants[i].Requester.String() < grants[j].Requester.String()
		}
		return grants[i].Scope < grants[j].Scope
	})
	return grants, nil
}
