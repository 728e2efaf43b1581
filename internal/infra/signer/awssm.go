package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"custodia/internal/config"
	"custodia/internal/domain"
	"custodia/internal/infra/awsclient"
)

// AWSSecrets signs with an ed25519 key held in AWS Secrets Manager. The
// key material is fetched on demand and cached with a TTL so rotation in
// the secret store takes effect without a restart.
type AWSSecrets struct {
	client     *awsclient.Client
	secretName string
	keyID      string
	cacheTTL   time.Duration
	now        func() time.Time

	mu       sync.Mutex
	cached   ed25519.PrivateKey
	cachedAt time.Time
}

type secretPayload struct {
	KID              string `json:"kid"`
	Alg              string `json:"alg"`
	PrivateKeyBase64 string `json:"private_key_base64"`
}

func NewAWSSecretsFromConfig(cfg config.Config) (*AWSSecrets, error) {
	if cfg.SigningSecretName == "" {
		return nil, errors.New("SIGNING_SECRET_NAME is required for the awssm signer")
	}
	client, err := awsclient.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	cacheTTL := time.Duration(cfg.SigningKeyCacheSecs) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	keyID := cfg.SigningKeyID
	if keyID == "" {
		keyID = cfg.SigningSecretName
	}
	return &AWSSecrets{
		client:     client,
		secretName: cfg.SigningSecretName,
		keyID:      keyID,
		cacheTTL:   cacheTTL,
		now:        time.Now,
	}, nil
}

func (a *AWSSecrets) Sign(ctx context.Context, digest []byte) (domain.SignatureResult, error) {
	if len(digest) == 0 {
		return domain.SignatureResult{}, errors.New("digest is required")
	}
	key, err := a.privateKey(ctx)
	if err != nil {
		return domain.SignatureResult{}, fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	return domain.SignatureResult{
		Signature: ed25519.Sign(key, digest),
		Algorithm: algorithmEd25519,
		KeyID:     a.keyID,
	}, nil
}

func (a *AWSSecrets) PublicKey(ctx context.Context) ([]byte, error) {
	key, err := a.privateKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("unexpected public key type")
	}
	return append([]byte(nil), pub...), nil
}

func (a *AWSSecrets) KeyID() string     { return a.keyID }
func (a *AWSSecrets) Algorithm() string { return algorithmEd25519 }

func (a *AWSSecrets) privateKey(ctx context.Context) (ed25519.PrivateKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cached != nil && a.now().Sub(a.cachedAt) < a.cacheTTL {
		return a.cached, nil
	}

	secretBytes, err := a.client.GetSecret(ctx, a.secretName)
	if err != nil {
		return nil, fmt.Errorf("fetch signing secret: %w", err)
	}
	var payload secretPayload
	if err := json.Unmarshal(secretBytes, &payload); err != nil {
		return nil, fmt.Errorf("parse signing secret: %w", err)
	}
	if payload.Alg != "" && !strings.EqualFold(payload.Alg, algorithmEd25519) {
		return nil, fmt.Errorf("unsupported key algorithm %q", payload.Alg)
	}
	if payload.KID != "" {
		a.keyID = payload.KID
	}
	raw, err := base64.StdEncoding.DecodeString(payload.PrivateKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret key: %w", err)
	}
	key, err := parsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	a.cached = key
	a.cachedAt = a.now()
	return key, nil
}
