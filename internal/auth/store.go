package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/docbrowser/internal/crypto"
	"github.com/jun/docbrowser/internal/model"
)

// CredentialStore keeps the history of issued credentials.
type CredentialStore interface {
	// Insert appends a record. Existing records are never overwritten.
	Insert(ctx context.Context, rec *model.CredentialRecord) error

	// MostRecent returns the newest record by creation time, or ErrNoCredentials.
	MostRecent(ctx context.Context) (*model.CredentialRecord, error)
}

// DynamoDBAPI is the subset of *dynamodb.Client methods used by DynamoStore.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// credentialItem is the table layout: one partition per provider account,
// sorted by creation time so the newest record is a single reverse query.
type credentialItem struct {
	Account               string    `dynamodbav:"pk"`
	CreatedAt             int64     `dynamodbav:"created_at"`
	EncryptedAccessToken  string    `dynamodbav:"encrypted_access_token"`
	EncryptedRefreshToken string    `dynamodbav:"encrypted_refresh_token,omitempty"`
	TokenType             string    `dynamodbav:"token_type,omitempty"`
	ExpiresAt             time.Time `dynamodbav:"expires_at"`
	TTL                   int64     `dynamodbav:"ttl,omitempty"`
}

// DynamoStore implements CredentialStore on DynamoDB with token material
// sealed by an Encryptor. With a nil client it keeps items in memory.
type DynamoStore struct {
	client    DynamoDBAPI
	tableName string
	account   string
	enc       crypto.Encryptor
	retention time.Duration

	// In-memory fallback
	items []credentialItem
	mu    sync.RWMutex
}

// NewDynamoStore creates a DynamoStore. retention sets the TTL attribute on
// each row; zero keeps rows forever.
func NewDynamoStore(client DynamoDBAPI, tableName, account string, enc crypto.Encryptor, retention time.Duration) *DynamoStore {
	if account == "" {
		account = "default"
	}
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		account:   account,
		enc:       enc,
		retention: retention,
	}
}

// Insert seals and appends rec.
func (s *DynamoStore) Insert(ctx context.Context, rec *model.CredentialRecord) error {
	access, err := s.enc.Encrypt(ctx, rec.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := s.enc.Encrypt(ctx, rec.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	item := credentialItem{
		Account:               s.account,
		CreatedAt:             rec.CreatedAt.UnixNano(),
		EncryptedAccessToken:  access,
		EncryptedRefreshToken: refresh,
		TokenType:             rec.TokenType,
		ExpiresAt:             rec.ExpiresAt.UTC(),
	}
	if s.retention > 0 {
		item.TTL = rec.CreatedAt.Add(s.retention).Unix()
	}

	if s.client == nil {
		s.mu.Lock()
		s.items = append(s.items, item)
		s.mu.Unlock()
		return nil
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	// Insert-only: never replace a row with the same timestamp.
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(created_at)"),
	})
	if err != nil {
		return fmt.Errorf("failed to save credential to DynamoDB: %w", err)
	}
	return nil
}

// MostRecent returns the newest record.
func (s *DynamoStore) MostRecent(ctx context.Context) (*model.CredentialRecord, error) {
	var item credentialItem

	if s.client == nil {
		s.mu.RLock()
		if len(s.items) == 0 {
			s.mu.RUnlock()
			return nil, ErrNoCredentials
		}
		sorted := append([]credentialItem(nil), s.items...)
		s.mu.RUnlock()
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt < sorted[j].CreatedAt })
		item = sorted[len(sorted)-1]
	} else {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: s.account},
			},
			ScanIndexForward: aws.Bool(false),
			Limit:            aws.Int32(1),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query credentials: %w", err)
		}
		if len(out.Items) == 0 {
			return nil, ErrNoCredentials
		}
		if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
		}
	}

	access, err := s.enc.Decrypt(ctx, item.EncryptedAccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh, err := s.enc.Decrypt(ctx, item.EncryptedRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	return &model.CredentialRecord{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    item.TokenType,
		ExpiresAt:    item.ExpiresAt,
		CreatedAt:    time.Unix(0, item.CreatedAt).UTC(),
	}, nil
}

// Len reports how many records the in-memory fallback holds.
func (s *DynamoStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
