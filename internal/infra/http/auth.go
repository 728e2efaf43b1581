package http

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"custodia/internal/domain"
	cryptoinfra "custodia/internal/infra/crypto"

	"github.com/gin-gonic/gin"
)

var errNoDatabase = errors.New("database is required")

// authTenant resolves the calling tenant from its API key. Keys are stored
// hashed, so the lookup compares digests and never sees plaintext at rest.
func (s *Server) authTenant(c *gin.Context) (domain.Tenant, bool) {
	key := apiKeyFrom(c)
	if key == "" {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "api key required")
		return domain.Tenant{}, false
	}
	if s.tenants == nil {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key")
		return domain.Tenant{}, false
	}
	keyHash := cryptoinfra.HashString(key)
	if cached, ok := s.tenantCache.Get(keyHash); ok {
		return cached, true
	}
	tenant, err := s.tenants.GetByAPIKeyHash(c.Request.Context(), keyHash)
	if err != nil {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key")
		return domain.Tenant{}, false
	}
	s.tenantCache.Put(keyHash, *tenant)
	return *tenant, true
}

func apiKeyFrom(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader("X-API-Key")); key != "" {
		return key
	}
	value := strings.TrimSpace(c.GetHeader("Authorization"))
	if !strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return ""
	}
	return strings.TrimSpace(value[len("bearer "):])
}

func (s *Server) requireAdmin(c *gin.Context) bool {
	if s.adminAPIKey == "" {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "admin key required")
		return false
	}
	key := c.GetHeader("X-Admin-Key")
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.adminAPIKey)) != 1 {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin key")
		return false
	}
	return true
}
