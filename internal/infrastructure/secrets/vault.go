// Package secrets reads delivery credentials from AWS Secrets Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	sm "github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"go.uber.org/zap"
)

// SecretsAPI is the subset of the Secrets Manager client used here.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *sm.GetSecretValueInput, optFns ...func(*sm.Options)) (*sm.GetSecretValueOutput, error)
}

// Vault fetches and caches secret strings. Secrets are assumed immutable for
// the process lifetime; rotation requires a restart.
type Vault struct {
	api    SecretsAPI
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewVault creates a vault over the given Secrets Manager client.
func NewVault(api SecretsAPI, logger *zap.Logger) *Vault {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vault{api: api, logger: logger, cache: make(map[string]string)}
}

// Get returns the secret string for the name, or "" when the secret does not
// exist. Lookups are cached.
func (v *Vault) Get(ctx context.Context, name string) (string, error) {
	v.mu.RLock()
	val, ok := v.cache[name]
	v.mu.RUnlock()
	if ok {
		return val, nil
	}

	out, err := v.api.GetSecretValue(ctx, &sm.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	var notFound *smtypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	val = aws.ToString(out.SecretString)
	v.mu.Lock()
	v.cache[name] = val
	v.mu.Unlock()

	v.logger.Debug("secret loaded", zap.String("name", name))
	return val, nil
}
