// Package awssm provides a credential provider backed by AWS Secrets
// Manager using the AWS SDK v2. Secrets are loaded just in time; the
// provider holds no credential material between resolutions.
package awssm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/conveyorcd/conveyor/credential"
)

// SecretsManagerAPI is the subset of the AWS Secrets Manager client
// the provider uses, extracted for mocking in unit tests.
type SecretsManagerAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
	DescribeSecret(
		ctx context.Context,
		params *secretsmanager.DescribeSecretInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.DescribeSecretOutput, error)
}

// Provider implements credential.Provider on AWS Secrets Manager.
type Provider struct {
	client SecretsManagerAPI
}

// Options configures provider construction.
type Options struct {
	// Region overrides the region from the ambient AWS configuration.
	Region string

	// Endpoint overrides the service endpoint (LocalStack testing).
	Endpoint string

	// Client injects a pre-built API client; when set, Region and
	// Endpoint are ignored.
	Client SecretsManagerAPI
}

// New creates a provider from the ambient AWS configuration chain
// (environment, shared config, instance metadata).
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Client != nil {
		return &Provider{client: opts.Client}, nil
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	client := secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return &Provider{client: client}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return "awssm"
}

// Resolve fetches a secret value. String secrets are returned as their
// UTF-8 bytes; binary secrets are returned verbatim.
func (p *Provider) Resolve(ctx context.Context, ref credential.Ref) (*credential.Secret, error) {
	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref.Path),
	}
	if ref.Version != "" {
		input.VersionId = aws.String(ref.Version)
	}

	output, err := p.client.GetSecretValue(ctx, input)
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", credential.ErrSecretNotFound, ref.Path)
		}
		return nil, fmt.Errorf("getting secret %s: %w", ref.Path, err)
	}

	var value []byte
	switch {
	case output.SecretString != nil:
		value = []byte(*output.SecretString)
	case output.SecretBinary != nil:
		value = append([]byte(nil), output.SecretBinary...)
	default:
		return nil, fmt.Errorf("secret %s has no value", ref.Path)
	}

	version := ""
	if output.VersionId != nil {
		version = *output.VersionId
	}

	return &credential.Secret{
		Value:     value,
		Version:   version,
		CreatedAt: time.Now(),
	}, nil
}

// HealthCheck verifies connectivity by describing a well-known path.
// A not-found response still proves the service is reachable.
func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String("conveyor/health-check"),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("secrets manager unreachable: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources needing release.
func (p *Provider) Close() error {
	return nil
}
