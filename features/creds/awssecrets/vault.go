// Package awssecrets resolves retailer login credentials from AWS Secrets
// Manager. Secrets are JSON documents stored under a common name prefix, one
// per retailer.
package awssecrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/drishti-ai/navigator/runtime/agent"
)

// defaultPrefix matches the naming convention used when secrets are created.
const defaultPrefix = "order-automation/credentials/"

// ErrSecretNotFound indicates no secret exists for the retailer.
var ErrSecretNotFound = errors.New("awssecrets: secret not found")

type (
	// SecretsClient captures the subset of the Secrets Manager client used by
	// the vault. It matches *secretsmanager.Client.
	SecretsClient interface {
		GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	}

	// Options configures the vault.
	Options struct {
		// Prefix is prepended to the retailer name to form the secret name.
		// Defaults to "order-automation/credentials/".
		Prefix string
	}

	// Vault implements the scheduler's credential lookup over Secrets Manager.
	Vault struct {
		client SecretsClient
		prefix string
	}

	// secretDoc is the stored JSON shape. Extra fields are ignored.
	secretDoc struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
)

// New builds a vault from the given Secrets Manager client.
func New(client SecretsClient, opts Options) (*Vault, error) {
	if client == nil {
		return nil, errors.New("secrets manager client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Vault{client: client, prefix: prefix}, nil
}

// Credentials fetches and decodes the retailer's secret. A missing secret
// returns ErrSecretNotFound.
func (v *Vault) Credentials(ctx context.Context, retailer string) (agent.Credentials, error) {
	name := v.prefix + retailer
	out, err := v.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return agent.Credentials{}, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return agent.Credentials{}, fmt.Errorf("get secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return agent.Credentials{}, fmt.Errorf("secret %s has no string value", name)
	}
	var doc secretDoc
	if err := json.Unmarshal([]byte(*out.SecretString), &doc); err != nil {
		return agent.Credentials{}, fmt.Errorf("decode secret %s: %w", name, err)
	}
	if doc.Username == "" && doc.Password == "" {
		return agent.Credentials{}, fmt.Errorf("secret %s carries no credentials", name)
	}
	return agent.Credentials{Username: doc.Username, Password: doc.Password}, nil
}
