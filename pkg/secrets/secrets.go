// Package secrets resolves named credentials from Vault KV, AWS Secrets
// Manager or the process environment.
package secrets

import (
	"context"
	"os"
	"stashbin/cfg"
	"stashbin/svc/util"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

var ErrSecretNotFound = errors.New("secret not found")

// Provider looks up a secret by its environment-style name, e.g.
// S3_SECRET_ACCESS_KEY.
type Provider interface {
	GetSecret(ctx context.Context, key string) (string, error)
}

type Resolver struct {
	provider Provider
	name     string
}

// New builds the resolver selected by SECRETS_PROVIDER.
func New(ctx context.Context, c *cfg.Cfg) (*Resolver, error) {
	switch c.SecretsProvider {
	case "", "env":
		return &Resolver{provider: envProvider{}, name: "env"}, nil
	case "vault":
		vp, err := newVaultProvider(ctx, os.Getenv("VAULT_ADDR"), c.VaultSecretPath)
		if err != nil {
			return nil, errors.Wrap(err, "init vault secrets")
		}
		return &Resolver{provider: vp, name: "vault"}, nil
	case "aws":
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = c.S3Region
		}
		ap, err := newAWSProvider(ctx, region, "", c.AWSSecretPrefix)
		if err != nil {
			return nil, errors.Wrap(err, "init aws secrets")
		}
		return &Resolver{provider: ap, name: "aws"}, nil
	default:
		return nil, errors.Errorf("unsupported secrets provider %q", c.SecretsProvider)
	}
}

func (r *Resolver) Name() string { return r.name }

func (r *Resolver) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	v, err := r.provider.GetSecret(ctx, key)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", ErrSecretNotFound
	}
	return v, nil
}

// Fill resolves the credentials the configuration left empty. A secret the
// provider does not hold is left empty; any other lookup failure is fatal.
func (r *Resolver) Fill(ctx context.Context, c *cfg.Cfg) error {
	fields := []struct {
		key    string
		target *cfg.Secret
	}{
		{"S3_SECRET_ACCESS_KEY", &c.S3SecretAccessKey},
		{"MONGODB_URI", &c.MongoURI},
		{"BLOB_ENCRYPTION_KEY", &c.BlobEncryptionKey},
	}
	for _, f := range fields {
		if f.target.Value() != "" {
			continue
		}
		v, err := r.Get(ctx, f.key)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "resolve %s", f.key)
		}
		*f.target = cfg.NewSecret(v)
		util.Debug().Str("secret", f.key).Str("provider", r.name).Msg("secret resolved")
	}
	return nil
}

type envProvider struct{}

func (envProvider) GetSecret(_ context.Context, key string) (string, error) {
	val, exists := os.LookupEnv(key)
	if !exists {
		return "", ErrSecretNotFound
	}
	return val, nil
}

// vaultProvider reads KV v2 entries at <path>/<lower-cased key>, each holding
// a single "value" field.
type vaultProvider struct {
	client     *vault.Client
	secretPath string
}

func newVaultProvider(ctx context.Context, addr, secretPath string) (*vaultProvider, error) {
	vcfg := vault.DefaultConfig()
	if addr != "" {
		vcfg.Address = addr
	}
	vcfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "read VAULT_TOKEN_FILE")
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check")
	}
	return &vaultProvider{client: client, secretPath: strings.TrimRight(secretPath, "/")}, nil
}
func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	path := v.secretPath + "/" + strings.ToLower(key)
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", errors.Wrapf(err, "vault read %s", path)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrSecretNotFound
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	client *secretsmanager.Client
	prefix string
}

// newAWSProvider reads secrets named <prefix><lower-cased key>. endpoint is
// only set for local emulators.
func newAWSProvider(ctx context.Context, region, endpoint, prefix string, loadOpts ...func(*config.LoadOptions) error) (*awsProvider, error) {
	loadOpts = append([]func(*config.LoadOptions) error{config.WithRegion(region)}, loadOpts...)
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &awsProvider{client: client, prefix: prefix}, nil
}
func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	name := a.prefix + strings.ToLower(key)
	result, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var nf *smtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", ErrSecretNotFound
		}
		return "", errors.Wrapf(err, "get secret %s", name)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}
