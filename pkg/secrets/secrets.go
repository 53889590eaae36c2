// Package secrets resolves startup secrets from AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// EncryptionKeySecret is the JSON shape of a structured key secret. A secret
// holding the bare key string is accepted too.
type EncryptionKeySecret struct {
	TokenEncryptionKey string `json:"token_encryption_key"`
}

// Client is the subset of the Secrets Manager API used here
type Client interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewClient creates a Secrets Manager client from the default AWS config chain
func NewClient(ctx context.Context) (*secretsmanager.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// LoadEncryptionKey fetches the token encryption key stored under secretName
func LoadEncryptionKey(ctx context.Context, client Client, secretName string) (string, error) {
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to retrieve secret %s: %w", secretName, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretName)
	}

	return parseEncryptionKey(*result.SecretString)
}

func parseEncryptionKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "{") {
		var secret EncryptionKeySecret
		if err := json.Unmarshal([]byte(raw), &secret); err != nil {
			return "", fmt.Errorf("failed to parse secret JSON: %w", err)
		}
		raw = secret.TokenEncryptionKey
	}

	if len(raw) < 32 {
		return "", fmt.Errorf("token encryption key must be at least 32 characters long")
	}
	return raw, nil
}
