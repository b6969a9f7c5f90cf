package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/gyre-io/gyre/internal/store"
)

// ManagerAPI mirrors the subset of the Secrets Manager client used here.
// It matches *secretsmanager.Client so tests can pass fakes.
type ManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWS reads secrets from AWS Secrets Manager. It is read-only: writes keep
// going through whatever provisions the secrets (terraform, console, CI).
type AWS struct {
	client ManagerAPI
	prefix string
}

// NewAWS builds an AWS source over an existing client. prefix is prepended
// to every name, letting one account host several installations.
func NewAWS(client ManagerAPI, prefix string) *AWS {
	return &AWS{client: client, prefix: prefix}
}

// NewAWSFromEnv builds an AWS source using the default credential chain
// (env vars, shared config, instance role).
func NewAWSFromEnv(ctx context.Context, prefix string) (*AWS, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWS(secretsmanager.NewFromConfig(cfg), prefix), nil
}

// Get fetches the secret named name. String secrets are returned as-is,
// binary secrets as their raw bytes.
func (a *AWS) Get(ctx context.Context, name string) (string, error) {
	out, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(a.prefix + name),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("secret %q: %w", name, store.ErrSecretNotFound)
		}
		return "", fmt.Errorf("get secret %q: %w", name, err)
	}
	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	return string(out.SecretBinary), nil
}
