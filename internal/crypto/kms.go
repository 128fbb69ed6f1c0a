// Package crypto seals token material before it is written to durable storage.
package crypto

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Encryptor seals and opens short secrets such as OAuth tokens.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// KMSClient is the subset of *kms.Client methods used by KMSService.
type KMSClient interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// tokenContext binds ciphertexts to their purpose; KMS refuses to decrypt
// a blob under a different encryption context.
var tokenContext = map[string]string{"purpose": "drive-credential"}

// KMSService implements Encryptor using AWS KMS.
type KMSService struct {
	client KMSClient
	keyID  string
}

// NewKMSService creates a new KMSService.
// keyID can be a key ID, key ARN, or alias name (e.g., "alias/docbrowser-token-key").
func NewKMSService(client KMSClient, keyID string) *KMSService {
	return &KMSService{
		client: client,
		keyID:  keyID,
	}
}

// Encrypt seals plaintext with the configured key and returns base64 ciphertext.
// Empty plaintext encrypts to the empty string so optional tokens stay optional.
func (s *KMSService) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	out, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(s.keyID),
		Plaintext:         []byte(plaintext),
		EncryptionContext: tokenContext,
	})
	if err != nil {
		return "", fmt.Errorf("kms encrypt: %w", err)
	}
	if len(out.CiphertextBlob) == 0 {
		return "", errors.New("kms encrypt: empty ciphertext")
	}

	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

// Decrypt opens base64 ciphertext produced by Encrypt.
func (s *KMSService) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    blob,
		KeyId:             aws.String(s.keyID),
		EncryptionContext: tokenContext,
	})
	if err != nil {
		return "", fmt.Errorf("kms decrypt: %w", err)
	}

	return string(out.Plaintext), nil
}
