// Package signer provides the pluggable key backends behind the signing
// service. Backends sign raw digests; callers decide what those digests
// cover.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"custodia/internal/config"
	"custodia/internal/domain"
)

const algorithmEd25519 = "ed25519"

// Local signs with an ed25519 key held in process memory, loaded from
// configuration. Intended for development and single-node deployments.
type Local struct {
	key   ed25519.PrivateKey
	keyID string
}

func NewLocalFromConfig(cfg config.Config) (*Local, error) {
	key, err := loadConfiguredKey(cfg)
	if err != nil {
		return nil, err
	}
	if key == nil {
		_, generated, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral signing key: %w", err)
		}
		log.Printf("no signing key configured; generated ephemeral key (signatures will not survive restart)")
		key = generated
	}
	keyID := cfg.SigningKeyID
	if keyID == "" {
		keyID = "local-dev"
	}
	return &Local{key: key, keyID: keyID}, nil
}

func NewLocal(key ed25519.PrivateKey, keyID string) (*Local, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key length")
	}
	if keyID == "" {
		return nil, errors.New("key id is required")
	}
	return &Local{key: key, keyID: keyID}, nil
}

func (l *Local) Sign(_ context.Context, digest []byte) (domain.SignatureResult, error) {
	if len(digest) == 0 {
		return domain.SignatureResult{}, errors.New("digest is required")
	}
	return domain.SignatureResult{
		Signature: ed25519.Sign(l.key, digest),
		Algorithm: algorithmEd25519,
		KeyID:     l.keyID,
	}, nil
}

func (l *Local) PublicKey(_ context.Context) ([]byte, error) {
	pub, ok := l.key.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("unexpected public key type")
	}
	return append([]byte(nil), pub...), nil
}

func (l *Local) KeyID() string     { return l.keyID }
func (l *Local) Algorithm() string { return algorithmEd25519 }

func loadConfiguredKey(cfg config.Config) (ed25519.PrivateKey, error) {
	if cfg.SigningPrivateKeyBase64 != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.SigningPrivateKeyBase64)
		if err != nil {
			return nil, fmt.Errorf("decode SIGNING_PRIVATE_KEY_BASE64: %w", err)
		}
		return parsePrivateKey(raw)
	}
	if cfg.SigningPrivateKeySeedHex != "" {
		raw, err := hex.DecodeString(cfg.SigningPrivateKeySeedHex)
		if err != nil {
			return nil, fmt.Errorf("decode SIGNING_PRIVATE_KEY_SEED_HEX: %w", err)
		}
		return parsePrivateKey(raw)
	}
	return nil, nil
}

func parsePrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, errors.New("invalid ed25519 private key length")
	}
}

// VerifyDigest checks an ed25519 signature over digest. It needs only the
// public key, so bundle consumers can run it fully offline.
func VerifyDigest(pubKey, digest, sig []byte) error {
	if len(pubKey) != ed25519.PublicKeySize {
		return errors.New("invalid ed25519 public key length")
	}
	if len(sig) != ed25519.SignatureSize {
		return errors.New("invalid ed25519 signature length")
	}
	if !ed25519.Verify(pubKey, digest, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// Fingerprint identifies a public key by its untagged SHA-256 hex digest.
func Fingerprint(pubKey []byte) string {
	sum := sha256.Sum256(pubKey)
	return hex.EncodeToString(sum[:])
}
