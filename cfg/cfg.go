package cfg

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"os"
	"stashbin/pkg/domain"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

const (
	StoreSQLite   = "sqlite"
	StoreDynamoDB = "dynamodb"
	StoreMongoDB  = "mongodb"

	BlobS3   = "s3"
	BlobBolt = "bolt"

	EncryptNone  = "none"
	EncryptLocal = "local"
	EncryptAWS   = "aws"
	EncryptVault = "vault"

	DefaultIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

type Cfg struct {
	Port        string
	Environment string
	LogLevel    string
	BaseURL     string

	StoreBackend      string
	DatabasePath      string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DynamoDBTable     string
	DynamoDBRegion    string
	DynamoDBEndpoint  string
	MongoURI          Secret
	MongoDatabase     string
	MongoCollection   string
	BlobBackend       string
	BoltPath          string
	S3Bucket          string
	S3Prefix          string
	S3Region          string
	S3Endpoint        string
	S3PathStyle       bool
	S3AccessKeyID     string
	S3SecretAccessKey Secret
	SecretsProvider   string
	VaultSecretPath   string
	AWSSecretPrefix   string

	BlobEncryption    string
	BlobEncryptionKey Secret
	KMSKeyID          string
	VaultTransitMount string
	VaultTransitKey   string
	DEKCacheTTL       time.Duration

	InlineThreshold  int
	MaxPasteSize     int
	SweepInterval    time.Duration
	SweepConcurrency int
	SweepBatchSize   int
	StoreTimeout     time.Duration
	IDLength         int
	IDAlphabet       string
	IDMaxAttempts    int

	ContextTimeout time.Duration
	RedisURL       string
	RedisTimeout   time.Duration
	RedisCACert    string
	LRUCacheSize   int
	BlobCacheTTL   time.Duration
	RateLimit      RateLimitCfg
	TrustedProxies []string
	MetricsUser    string
	MetricsPass    Secret
	ExpiryPresets  []string
}

type RateLimitCfg struct {
	RPM   int
	Burst int
}

// Load reads configuration from the environment. A .env file in the working
// directory, if present, fills in variables that are not already set.
func Load() (*Cfg, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrap(err, "load .env")
	}
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.BaseURL = strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/")

	c.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", StoreSQLite))
	c.DatabasePath = getEnv("DATABASE_PATH", "stashbin.db")
	c.DynamoDBTable = getEnv("DYNAMODB_TABLE", "stashbin-pastes")
	c.DynamoDBRegion = getEnv("DYNAMODB_REGION", "us-east-1")
	c.DynamoDBEndpoint = getEnv("DYNAMODB_ENDPOINT", "")
	c.MongoURI = NewSecret(getEnv("MONGODB_URI", ""))
	c.MongoDatabase = getEnv("MONGODB_DATABASE", "stashbin")
	c.MongoCollection = getEnv("MONGODB_COLLECTION", "pastes")
	c.BlobBackend = strings.ToLower(getEnv("BLOB_BACKEND", BlobBolt))
	c.BoltPath = getEnv("BOLT_PATH", "stashbin-blobs.db")
	c.S3Bucket = getEnv("S3_BUCKET", "")
	c.S3Prefix = getEnv("S3_PREFIX", "pastes/")
	c.S3Region = getEnv("S3_REGION", "us-east-1")
	c.S3Endpoint = getEnv("S3_ENDPOINT", "")
	c.S3PathStyle = getEnv("S3_PATH_STYLE", "false") == "true"
	c.S3AccessKeyID = getEnv("S3_ACCESS_KEY_ID", "")
	c.S3SecretAccessKey = NewSecret(getEnv("S3_SECRET_ACCESS_KEY", ""))
	c.SecretsProvider = strings.ToLower(getEnv("SECRETS_PROVIDER", "env"))
	c.IDAlphabet = getEnv("ID_ALPHABET", DefaultIDAlphabet)
	c.VaultSecretPath = getEnv("VAULT_SECRET_PATH", "secret/data/stashbin")
	c.AWSSecretPrefix = getEnv("AWS_SECRET_PREFIX", "stashbin/")
	c.BlobEncryption = strings.ToLower(getEnv("BLOB_ENCRYPTION", EncryptNone))
	c.BlobEncryptionKey = NewSecret(getEnv("BLOB_ENCRYPTION_KEY", ""))
	c.KMSKeyID = getEnv("KMS_KEY_ID", "")
	c.VaultTransitMount = getEnv("VAULT_TRANSIT_MOUNT", "transit")
	c.VaultTransitKey = getEnv("VAULT_TRANSIT_KEY", "stashbin-blobs")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisCACert = getEnv("REDIS_TLS_CA_CERT", "")
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.ExpiryPresets = getSlice("EXPIRY_PRESETS", domain.DefaultPresetNames)

	var err error
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10); err != nil {
		return nil, err
	}
	if c.InlineThreshold, err = getInt("INLINE_THRESHOLD", 100*1024); err != nil {
		return nil, err
	}
	if c.MaxPasteSize, err = getInt("MAX_PASTE_SIZE", 10*1024*1024); err != nil {
		return nil, err
	}
	if c.SweepInterval, err = getDuration("SWEEP_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	if c.SweepConcurrency, err = getInt("SWEEP_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if c.SweepBatchSize, err = getInt("SWEEP_BATCH_SIZE", 500); err != nil {
		return nil, err
	}
	if c.StoreTimeout, err = getDuration("STORE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.IDLength, err = getInt("ID_LENGTH", 4); err != nil {
		return nil, err
	}
	if c.IDMaxAttempts, err = getInt("ID_MAX_ATTEMPTS", 8); err != nil {
		return nil, err
	}
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if c.DEKCacheTTL, err = getDuration("DEK_CACHE_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 256); err != nil {
		return nil, err
	}
	if c.BlobCacheTTL, err = getDuration("BLOB_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 60); err != nil {
		return nil, err
	}
	if c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10); err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("BASE_URL must be an absolute http(s) URL")
	}

	switch c.StoreBackend {
	case StoreSQLite:
		if c.DatabasePath == "" {
			return errors.New("DATABASE_PATH is required for the sqlite store")
		}
	case StoreDynamoDB:
		if c.DynamoDBTable == "" {
			return errors.New("DYNAMODB_TABLE is required for the dynamodb store")
		}
		if c.DynamoDBEndpoint != "" {
			if _, err := url.ParseRequestURI(c.DynamoDBEndpoint); err != nil {
				return errors.Wrap(err, "invalid DYNAMODB_ENDPOINT")
			}
		}
	case StoreMongoDB:
		if c.MongoDatabase == "" || c.MongoCollection == "" {
			return errors.New("MONGODB_DATABASE and MONGODB_COLLECTION are required for the mongodb store")
		}
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q (supported: sqlite, dynamodb, mongodb)", c.StoreBackend)
	}

	switch c.BlobBackend {
	case BlobS3:
		if c.S3Bucket == "" {
			return errors.New("S3_BUCKET is required for the s3 blob backend")
		}
		if c.S3Endpoint != "" {
			if _, err := url.ParseRequestURI(c.S3Endpoint); err != nil {
				return errors.Wrap(err, "invalid S3_ENDPOINT")
			}
		}
	case BlobBolt:
		if c.BoltPath == "" {
			return errors.New("BOLT_PATH is required for the bolt blob backend")
		}
	default:
		return fmt.Errorf("unsupported BLOB_BACKEND %q (supported: s3, bolt)", c.BlobBackend)
	}

	switch c.SecretsProvider {
	case "env", "aws":
	case "vault":
		if c.VaultSecretPath == "" {
			return errors.New("VAULT_SECRET_PATH is required for the vault secrets provider")
		}
	default:
		return fmt.Errorf("unsupported SECRETS_PROVIDER %q (supported: env, vault, aws)", c.SecretsProvider)
	}

	switch c.BlobEncryption {
	case EncryptNone:
	case EncryptLocal:
		key, err := base64.StdEncoding.DecodeString(c.BlobEncryptionKey.Value())
		if err != nil || len(key) != 32 {
			return errors.New("BLOB_ENCRYPTION_KEY must be 32 bytes, base64-encoded")
		}
	case EncryptAWS:
		if c.KMSKeyID == "" {
			return errors.New("KMS_KEY_ID is required for aws blob encryption")
		}
	case EncryptVault:
		if c.VaultTransitMount == "" || c.VaultTransitKey == "" {
			return errors.New("VAULT_TRANSIT_MOUNT and VAULT_TRANSIT_KEY are required for vault blob encryption")
		}
	default:
		return fmt.Errorf("unsupported BLOB_ENCRYPTION %q (supported: none, local, aws, vault)", c.BlobEncryption)
	}

	if _, err := domain.ParsePresets(c.ExpiryPresets); err != nil {
		return errors.Wrap(err, "invalid EXPIRY_PRESETS")
	}

	if c.InlineThreshold <= 0 {
		return errors.New("INLINE_THRESHOLD must be positive")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 100*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 100MB")
	}
	if c.SweepInterval < time.Second {
		return errors.New("SWEEP_INTERVAL must be at least 1s")
	}
	if c.SweepConcurrency < 1 {
		return errors.New("SWEEP_CONCURRENCY must be at least 1")
	}
	if c.SweepBatchSize < 1 {
		return errors.New("SWEEP_BATCH_SIZE must be at least 1")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("STORE_TIMEOUT must be positive")
	}
	if c.IDLength < 2 || c.IDLength > 32 {
		return errors.New("ID_LENGTH must be between 2 and 32")
	}
	if err := validateAlphabet(c.IDAlphabet); err != nil {
		return err
	}
	if c.IDMaxAttempts < 1 || c.IDMaxAttempts > 64 {
		return errors.New("ID_MAX_ATTEMPTS must be between 1 and 64")
	}
	if c.ContextTimeout <= 0 {
		return errors.New("CONTEXT_TIMEOUT must be positive")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if c.RedisCACert != "" && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_TLS_CA_CERT requires a rediss:// REDIS_URL")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return errors.New("RATE_LIMIT_BURST must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}

func validateAlphabet(alphabet string) error {
	seen := make(map[rune]bool)
	for _, r := range alphabet {
		if r == '.' || r == '/' || r <= ' ' || r > '~' {
			return fmt.Errorf("ID_ALPHABET contains unsupported character %q", r)
		}
		if seen[r] {
			return fmt.Errorf("ID_ALPHABET contains duplicate character %q", r)
		}
		seen[r] = true
	}
	if len(seen) < 2 {
		return errors.New("ID_ALPHABET needs at least 2 distinct characters")
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.MongoURI.Wipe()
	c.S3SecretAccessKey.Wipe()
	c.BlobEncryptionKey.Wipe()
	c.MetricsPass.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
