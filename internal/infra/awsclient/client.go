// Package awsclient holds the shared AWS wiring for components that talk
// to AWS outside the blob store: config loading, credential selection,
// and the Secrets Manager client used by the awssm signer.
package awsclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"custodia/internal/config"
)

type Client struct {
	secrets *secretsmanager.Client
}

// NewFromConfig builds a Secrets Manager client from service config.
// Static credentials are used when provided; otherwise the SDK default
// chain applies. A custom endpoint covers LocalStack.
func NewFromConfig(cfg config.Config) (*Client, error) {
	if cfg.AWSRegion == "" {
		return nil, errors.New("AWS_REGION is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}
	if cfg.AWSAccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, cfg.AWSSessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	sm := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if cfg.AWSSecretsManagerEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWSSecretsManagerEndpoint)
		}
	})
	return &Client{secrets: sm}, nil
}

// GetSecret fetches the current version of a secret. String secrets come
// back as their UTF-8 bytes, binary secrets as stored.
func (c *Client) GetSecret(ctx context.Context, secretID string) ([]byte, error) {
	if c == nil {
		return nil, errors.New("aws client is nil")
	}
	if secretID == "" {
		return nil, errors.New("secret id is required")
	}
	out, err := c.secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("get secret %q: %w", secretID, err)
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		return out.SecretBinary, nil
	}
	return nil, fmt.Errorf("secret %q has no value", secretID)
}
