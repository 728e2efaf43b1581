package awsclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"custodia/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewFromConfig(config.Config{
		AWSRegion:                 "us-east-1",
		AWSAccessKeyID:            "test-access",
		AWSSecretAccessKey:        "test-secret",
		AWSSecretsManagerEndpoint: srv.URL,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestGetSecretString(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Amz-Target") != "secretsmanager.GetSecretValue" {
			t.Errorf("unexpected target: %s", r.Header.Get("X-Amz-Target"))
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			SecretID string `json:"SecretId"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.SecretID != "signing-key-prod" {
			t.Errorf("unexpected secret id: %s", req.SecretID)
		}
		w.Header().Set("Content-Type", "application/x-amz-json-1.1")
		_ = json.NewEncoder(w).Encode(map[string]string{"SecretString": "key material"})
	})

	got, err := client.GetSecret(context.Background(), "signing-key-prod")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if string(got) != "key material" {
		t.Fatalf("unexpected secret value: %q", got)
	}
}

func TestGetSecretPropagatesServiceError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"__type":"ResourceNotFoundException","message":"no such secret"}`))
	})

	if _, err := client.GetSecret(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing secret")
	}
}

func TestGetSecretValidation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	if _, err := client.GetSecret(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty secret id")
	}

	var nilClient *Client
	if _, err := nilClient.GetSecret(context.Background(), "x"); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestNewFromConfigRequiresRegion(t *testing.T) {
	if _, err := NewFromConfig(config.Config{}); err == nil {
		t.Fatal("expected error for missing region")
	}
}
