package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/docbrowser/internal/model"
)

// currentKey is the partition key of the single current-channel row.
const currentKey = "current"

// ChannelStore persists the current channel so a cold-started process can
// keep accepting its notifications.
type ChannelStore interface {
	Save(ctx context.Context, ch *model.Channel) error
	// Load returns the persisted channel, or nil when there is none.
	Load(ctx context.Context) (*model.Channel, error)
	// Delete removes the persisted channel if it is still channelID.
	Delete(ctx context.Context, channelID string) error
}

// DynamoDBAPI is the subset of *dynamodb.Client methods used by DynamoChannelStore.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type channelItem struct {
	PK          string `dynamodbav:"pk"`
	ChannelID   string `dynamodbav:"channel_id"`
	ResourceID  string `dynamodbav:"resource_id"`
	ResourceURI string `dynamodbav:"resource_uri,omitempty"`
	WebhookURL  string `dynamodbav:"webhook_url"`
	ExpiresAt   int64  `dynamodbav:"expires_at"`
	// TTL lets DynamoDB drop the row once the provider has dropped the channel.
	TTL int64 `dynamodbav:"ttl"`
}

// DynamoChannelStore implements ChannelStore on DynamoDB using a TTL
// attribute equal to the channel expiry.
type DynamoChannelStore struct {
	client    DynamoDBAPI
	tableName string
	now       func() time.Time
}

// NewDynamoChannelStore creates a new DynamoChannelStore.
func NewDynamoChannelStore(client DynamoDBAPI, tableName string) *DynamoChannelStore {
	return &DynamoChannelStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func (s *DynamoChannelStore) Save(ctx context.Context, ch *model.Channel) error {
	item, err := attributevalue.MarshalMap(channelItem{
		PK:          currentKey,
		ChannelID:   ch.ID,
		ResourceID:  ch.ResourceID,
		ResourceURI: ch.ResourceURI,
		WebhookURL:  ch.WebhookURL,
		ExpiresAt:   ch.ExpiresAt.Unix(),
		TTL:         ch.ExpiresAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal channel: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}
	return nil
}

func (s *DynamoChannelStore) Load(ctx context.Context) (*model.Channel, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: currentKey},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var item channelItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal channel: %w", err)
	}
	// TTL deletion is lazy; an expired row may still be returned.
	if item.TTL <= s.now().Unix() {
		return nil, nil
	}
	return &model.Channel{
		ID:          item.ChannelID,
		ResourceID:  item.ResourceID,
		ResourceURI: item.ResourceURI,
		WebhookURL:  item.WebhookURL,
		ExpiresAt:   time.Unix(item.ExpiresAt, 0).UTC(),
	}, nil
}

func (s *DynamoChannelStore) Delete(ctx context.Context, channelID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: currentKey},
		},
		ConditionExpression: aws.String("channel_id = :channel_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":channel_id": &types.AttributeValueMemberS{Value: channelID},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// Already replaced or gone.
			return nil
		}
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	return nil
}

// MemoryChannelStore implements ChannelStore in memory for dev mode and tests.
type MemoryChannelStore struct {
	mu sync.Mutex
	ch *model.Channel
}

// NewMemoryChannelStore creates an empty MemoryChannelStore.
func NewMemoryChannelStore() *MemoryChannelStore {
	return &MemoryChannelStore{}
}

func (s *MemoryChannelStore) Save(ctx context.Context, ch *model.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *ch
	s.ch = &c
	return nil
}

func (s *MemoryChannelStore) Load(ctx context.Context) (*model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return nil, nil
	}
	c := *s.ch
	return &c, nil
}

func (s *MemoryChannelStore) Delete(ctx context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil && s.ch.ID == channelID {
		s.ch = nil
	}
	return nil
}
