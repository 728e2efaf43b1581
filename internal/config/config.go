package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	PostgresDSN string
	LogLevel    string

	AdminAPIKey string
	Env         string

	// Blob storage. Backend is "s3" or "fs".
	StorageBackend  string
	StorageDir      string
	S3Bucket        string
	S3Endpoint      string
	S3PathStyle     bool
	S3SignedURLSecs int

	// Signing. Backend is "local" or "awssm".
	SignerBackend            string
	SigningPrivateKeyBase64  string
	SigningPrivateKeySeedHex string
	SigningKeyID             string
	SigningSecretName        string
	SigningKeyCacheSecs      int
	SignRateLimit            int
	SignRateWindowSeconds    int

	AWSRegion                 string
	AWSAccessKeyID            string
	AWSSecretAccessKey        string
	AWSSessionToken           string
	AWSSecretsManagerEndpoint string

	RateLimitRequests      int
	RateLimitWindowSeconds int
	RateLimitFailClosed    bool
	RateLimitMaxKeys       int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PolicyBundlePath string
	PolicyFailClosed bool

	BundleExpiryDays  int
	SnapshotMaxBytes  int
	StorePayloads     bool
	RequestTimeoutSec int
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		HTTPAddr:    addr,
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		LogLevel:    envDefault("LOG_LEVEL", "info"),

		AdminAPIKey: os.Getenv("ADMIN_API_KEY"),
		Env:         os.Getenv("CUSTODIA_ENV"),

		StorageBackend:  envDefault("STORAGE_BACKEND", "fs"),
		StorageDir:      envDefault("STORAGE_DIR", "./data/blobs"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		S3PathStyle:     envBoolDefault("S3_PATH_STYLE", false),
		S3SignedURLSecs: envIntDefault("S3_SIGNED_URL_SECONDS", 900),

		SignerBackend:            envDefault("SIGNER_BACKEND", "local"),
		SigningPrivateKeyBase64:  os.Getenv("SIGNING_PRIVATE_KEY_BASE64"),
		SigningPrivateKeySeedHex: os.Getenv("SIGNING_PRIVATE_KEY_SEED_HEX"),
		SigningKeyID:             envDefault("SIGNING_KEY_ID", "local-dev"),
		SigningSecretName:        os.Getenv("SIGNING_SECRET_NAME"),
		SigningKeyCacheSecs:      envIntDefault("SIGNING_KEY_CACHE_SECONDS", 300),
		SignRateLimit:            envIntDefault("SIGN_RATE_LIMIT", 1000),
		SignRateWindowSeconds:    envIntDefault("SIGN_RATE_WINDOW_SECONDS", 3600),

		AWSRegion:                 os.Getenv("AWS_REGION"),
		AWSAccessKeyID:            os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey:        os.Getenv("AWS_SECRET_ACCESS_KEY"),
		AWSSessionToken:           os.Getenv("AWS_SESSION_TOKEN"),
		AWSSecretsManagerEndpoint: os.Getenv("AWS_SECRETS_MANAGER_ENDPOINT"),

		RateLimitRequests:      envIntDefault("RATE_LIMIT_REQUESTS", 0),
		RateLimitWindowSeconds: envIntDefault("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitFailClosed:    envBoolDefault("RATE_LIMIT_FAIL_CLOSED", false),
		RateLimitMaxKeys:       envIntDefault("RATE_LIMIT_MAX_KEYS", 10000),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envIntDefault("REDIS_DB", 0),

		PolicyBundlePath: os.Getenv("POLICY_BUNDLE_PATH"),
		PolicyFailClosed: envBoolDefault("POLICY_FAIL_CLOSED", false),

		BundleExpiryDays:  envIntDefault("BUNDLE_EXPIRY_DAYS", 0),
		SnapshotMaxBytes:  envIntDefault("SNAPSHOT_MAX_BYTES", 5<<20),
		StorePayloads:     envBoolDefault("STORE_PAYLOADS", true),
		RequestTimeoutSec: envIntDefault("REQUEST_TIMEOUT_SECONDS", 30),
	}
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "No":
		return false
	default:
		return def
	}
}

func (c Config) SignRateWindow() time.Duration {
	if c.SignRateWindowSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.SignRateWindowSeconds) * time.Second
}

func (c Config) SignedURLTTL() time.Duration {
	if c.S3SignedURLSecs <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.S3SignedURLSecs) * time.Second
}

func (c Config) BundleExpiry() time.Duration {
	if c.BundleExpiryDays <= 0 {
		return 0
	}
	return time.Duration(c.BundleExpiryDays) * 24 * time.Hour
}
