package http

import (
	"net/http"
	"time"

	"custodia/internal/domain"
	"custodia/internal/usecase"

	"github.com/gin-gonic/gin"
)

type signRequest struct {
	Hash         string `json:"hash"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
}

type signatureResponse struct {
	ID             string `json:"id"`
	ResourceType   string `json:"resourceType"`
	ResourceID     string `json:"resourceId"`
	Hash           string `json:"hash"`
	Signature      string `json:"signature"`
	Algorithm      string `json:"algorithm"`
	KeyID          string `json:"keyId"`
	KeyFingerprint string `json:"keyFingerprint"`
	CreatedAt      string `json:"createdAt"`
}

type verifySignatureRequest struct {
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
}

func (s *Server) handleSign(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	sig, err := s.signing.Sign(c.Request.Context(), usecase.SignRequest{
		TenantID:     tenant.ID,
		Hash:         req.Hash,
		ResourceType: domain.SignedResourceType(req.ResourceType),
		ResourceID:   req.ResourceID,
		Actor:        c.GetHeader("X-Actor-ID"),
		IPAddress:    c.ClientIP(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, buildSignatureResponse(sig))
}

func (s *Server) handleVerifySignature(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeSignatures, tenant.ID) {
		return
	}
	var req verifySignatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	if err := s.signing.Verify(c.Request.Context(), req.Hash, req.Signature); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "hash": req.Hash})
}

func (s *Server) handlePublicKey(c *gin.Context) {
	if _, ok := s.authTenant(c); !ok {
		return
	}
	info, err := s.signing.ActiveKey(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleListSignatures(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeSignatures, tenant.ID) {
		return
	}
	list, err := s.signing.ListByResource(c.Request.Context(), tenant.ID, c.Param("resource_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]signatureResponse, 0, len(list))
	for _, sig := range list {
		out = append(out, buildSignatureResponse(sig))
	}
	c.JSON(http.StatusOK, gin.H{"signatures": out, "count": len(out)})
}

func (s *Server) handleAdminSigningStats(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	tenantID := c.Query("tenant")
	if tenantID == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "tenant query parameter is required")
		return
	}
	window := 24 * time.Hour
	if hours := intQuery(c, "windowHours"); hours > 0 {
		window = time.Duration(hours) * time.Hour
	}
	stats, err := s.signing.Stats(c.Request.Context(), tenantID, window)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func buildSignatureResponse(sig domain.HashSignature) signatureResponse {
	return signatureResponse{
		ID:             sig.ID,
		ResourceType:   string(sig.ResourceType),
		ResourceID:     sig.ResourceID,
		Hash:           sig.Hash,
		Signature:      sig.Signature,
		Algorithm:      sig.Algorithm,
		KeyID:          sig.KeyID,
		KeyFingerprint: sig.KeyFingerprint,
		CreatedAt:      sig.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
