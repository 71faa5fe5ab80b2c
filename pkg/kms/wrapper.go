// Package kms wraps and unwraps the per-blob data keys used to encrypt
// offloaded paste bodies at rest.
package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"os"
	"stashbin/cfg"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrUnwrapFailed        = errors.New("data key unwrap failed")
)

// encryptionContext binds wrapped keys to this use so they cannot be replayed
// against another consumer of the same master key.
var encryptionContext = map[string]string{"purpose": "stashbin-blob"}

// Wrapper encrypts data keys under a master key it never reveals.
type Wrapper interface {
	Wrap(ctx context.Context, dek []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
	Name() string
}

// NewWrapper returns the wrapper selected by BLOB_ENCRYPTION, or nil when blob
// encryption is off.
func NewWrapper(ctx context.Context, c *cfg.Cfg) (Wrapper, error) {
	switch c.BlobEncryption {
	case "", cfg.EncryptNone:
		return nil, nil
	case cfg.EncryptLocal:
		key, err := base64.StdEncoding.DecodeString(c.BlobEncryptionKey.Value())
		if err != nil {
			return nil, errors.Wrap(err, "BLOB_ENCRYPTION_KEY must be base64")
		}
		defer wipe(key)
		return NewLocalWrapper(key)
	case cfg.EncryptAWS:
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = c.S3Region
		}
		return newAWSWrapper(ctx, region, "", c.KMSKeyID)
	case cfg.EncryptVault:
		return newVaultWrapper(ctx, os.Getenv("VAULT_ADDR"), c.VaultTransitMount, c.VaultTransitKey)
	}
	return nil, errors.Errorf("unsupported blob encryption %q", c.BlobEncryption)
}

type localWrapper struct {
	aead cipher.AEAD
}

// NewLocalWrapper wraps keys with AES-256-GCM under a 32-byte master key.
func NewLocalWrapper(key []byte) (Wrapper, error) {
	if len(key) != 32 {
		return nil, errors.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "create GCM")
	}
	return &localWrapper{aead: aead}, nil
}
func (l *localWrapper) Name() string { return cfg.EncryptLocal }
func (l *localWrapper) Wrap(ctx context.Context, dek []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return l.aead.Seal(nonce, nonce, dek, []byte(encryptionContext["purpose"])), nil
}
func (l *localWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := l.aead.NonceSize()
	if len(wrapped) < n {
		return nil, ErrUnwrapFailed
	}
	dek, err := l.aead.Open(nil, wrapped[:n], wrapped[n:], []byte(encryptionContext["purpose"]))
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	return dek, nil
}

type awsWrapper struct {
	client *kms.Client
	keyID  string
}

func newAWSWrapper(ctx context.Context, region, endpoint, keyID string, loadOpts ...func(*config.LoadOptions) error) (*awsWrapper, error) {
	if keyID == "" {
		return nil, errors.New("KMS_KEY_ID is required for aws blob encryption")
	}
	loadOpts = append([]func(*config.LoadOptions) error{config.WithRegion(region)}, loadOpts...)
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := kms.NewFromConfig(awsCfg, func(o *kms.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
	})
	return &awsWrapper{client: client, keyID: keyID}, nil
}
func (a *awsWrapper) Name() string { return cfg.EncryptAWS }
func (a *awsWrapper) Wrap(ctx context.Context, dek []byte) ([]byte, error) {
	out, err := a.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             &a.keyID,
		Plaintext:         dek,
		EncryptionContext: encryptionContext,
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms encrypt")
	}
	return out.CiphertextBlob, nil
}
func (a *awsWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	out, err := a.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    wrapped,
		EncryptionContext: encryptionContext,
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms decrypt")
	}
	return out.Plaintext, nil
}

// vaultWrapper uses the transit secrets engine; wrapped keys are the
// "vault:v1:..." ciphertext strings.
type vaultWrapper struct {
	client *vault.Client
	mount  string
	keyID  string
}

func newVaultWrapper(ctx context.Context, addr, mount, keyID string) (*vaultWrapper, error) {
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
	return &vaultWrapper{client: client, mount: mount, keyID: keyID}, nil
}
func (v *vaultWrapper) Name() string { return cfg.EncryptVault }
func (v *vaultWrapper) Wrap(ctx context.Context, dek []byte) ([]byte, error) {
	secret, err := v.client.Logical().WriteWithContext(ctx, v.mount+"/encrypt/"+v.keyID, map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(dek),
		"context":   base64.StdEncoding.EncodeToString([]byte(encryptionContext["purpose"])),
	})
	if err != nil {
		return nil, errors.Wrap(err, "vault transit encrypt")
	}
	if secret == nil {
		return nil, ErrProviderUnavailable
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault: ciphertext not found")
	}
	return []byte(ciphertext), nil
}
func (v *vaultWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	secret, err := v.client.Logical().WriteWithContext(ctx, v.mount+"/decrypt/"+v.keyID, map[string]interface{}{
		"ciphertext": string(wrapped),
		"context":    base64.StdEncoding.EncodeToString([]byte(encryptionContext["purpose"])),
	})
	if err != nil {
		return nil, errors.Wrap(err, "vault transit decrypt")
	}
	if secret == nil {
		return nil, ErrProviderUnavailable
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: plaintext not found")
	}
	return base64.StdEncoding.DecodeString(plaintextB64)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
