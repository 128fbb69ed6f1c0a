package crypto

import (
	"context"
	"strings"
)

const mockPrefix = "mock:"

// MockEncryptor implements Encryptor for DEV_MODE and tests. It only tags
// values so that sealed and unsealed strings can be told apart.
type MockEncryptor struct{}

func NewMockEncryptor() *MockEncryptor {
	return &MockEncryptor{}
}

func (m *MockEncryptor) Encrypt(_ context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return mockPrefix + plaintext, nil
}

func (m *MockEncryptor) Decrypt(_ context.Context, ciphertext string) (string, error) {
	return strings.TrimPrefix(ciphertext, mockPrefix), nil
}
