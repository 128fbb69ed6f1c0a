// Package secret resolves deployment secrets (OAuth client secret, session
// signing key, origin-verify header) from SSM Parameter Store or, in
// DEV_MODE, from environment variables.
package secret

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"
)

// SSMClient is the subset of *ssm.Client methods used by SSMResolver.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver retrieves secret values by parameter name.
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SSMResolver fetches SecureString parameters and memoizes them for the
// lifetime of the process (a Lambda container or the local server).
type SSMResolver struct {
	client SSMClient

	mu    sync.Mutex
	cache map[string]string
}

// NewSSMResolver returns a Resolver backed by SSM Parameter Store.
func NewSSMResolver(client SSMClient) *SSMResolver {
	return &SSMResolver{client: client, cache: make(map[string]string)}
}

// GetSecret returns the decrypted parameter value.
func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache[name]; ok {
		return v, nil
	}

	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %q has no value", name)
	}

	r.cache[name] = *out.Parameter.Value
	return *out.Parameter.Value, nil
}

// EnvResolver reads secrets from environment variables. The parameter path
// "/docbrowser/google-client-secret" maps to GOOGLE_CLIENT_SECRET.
type EnvResolver struct{}

// NewEnvResolver returns a Resolver that reads from environment variables.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{}
}

// GetSecret reads the environment variable derived from the parameter name.
func (r *EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	envName := paramNameToEnvVar(name)
	val := os.Getenv(envName)
	if val == "" {
		return "", fmt.Errorf("environment variable %q (from param %q) is not set", envName, name)
	}
	return val, nil
}

// Lookup resolves name and falls back to def when the secret is missing.
// A missing secret is logged as a warning, never with its value.
func Lookup(ctx context.Context, r Resolver, name, def string, logger *zap.Logger) string {
	if logger == nil {
		logger = zap.L()
	}
	v, err := r.GetSecret(ctx, name)
	if err != nil {
		logger.Warn("secret not resolved, using default", zap.String("param", name), zap.Error(err))
		return def
	}
	return v
}

// "/docbrowser/jwt-secret" -> "JWT_SECRET"
func paramNameToEnvVar(name string) string {
	parts := strings.Split(name, "/")
	last := parts[len(parts)-1]
	return strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
}
