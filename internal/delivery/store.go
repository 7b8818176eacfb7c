package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-grocery-orderflow/internal/aws"
)

type profileRecord struct {
	UserID         string `dynamodbav:"user_id"` // PK
	ProfileID      string `dynamodbav:"profile_id"`
	Verified       bool   `dynamodbav:"verified"`
	VehicleDetails string `dynamodbav:"vehicle_details,omitempty"`
}

// DynamoProfileStore keeps agent profiles in the agents table.
type DynamoProfileStore struct {
	client    aws.DynamoDBAPI
	tableName string
}

func NewDynamoProfileStore(client aws.DynamoDBAPI, tableName string) *DynamoProfileStore {
	return &DynamoProfileStore{client: client, tableName: tableName}
}

var _ ProfileStore = (*DynamoProfileStore)(nil)

func (s *DynamoProfileStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrProfileNotFound
	}
	var rec profileRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	return &Profile{
		ID:             rec.ProfileID,
		UserID:         rec.UserID,
		Verified:       rec.Verified,
		VehicleDetails: rec.VehicleDetails,
	}, nil
}

func (s *DynamoProfileStore) PutProfile(ctx context.Context, p Profile) error {
	item, err := attributevalue.MarshalMap(profileRecord{
		UserID:         p.UserID,
		ProfileID:      p.ID,
		Verified:       p.Verified,
		VehicleDetails: p.VehicleDetails,
	})
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.tableName, Item: item}); err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}
