package http

import (
	"context"
	"log"
	"net/http"
	"time"

	"custodia/internal/domain"
	"custodia/internal/usecase"

	"github.com/gin-gonic/gin"
)

type createBundleRequest struct {
	TransactionID    string `json:"transactionId,omitempty"`
	From             string `json:"from,omitempty"`
	To               string `json:"to,omitempty"`
	IncludePayloads  bool   `json:"includePayloads"`
	IncludeSnapshots bool   `json:"includeSnapshots"`
	IncludeCustody   bool   `json:"includeCustody"`
	IncludeReport    bool   `json:"includeReport"`

	// includePdf predates the rendered-report flag; both request the
	// report artifact.
	IncludePdf bool `json:"includePdf"`
}

func bundleOptionsFrom(req createBundleRequest) domain.BundleOptions {
	return domain.BundleOptions{
		IncludePayloads:  req.IncludePayloads,
		IncludeSnapshots: req.IncludeSnapshots,
		IncludeCustody:   req.IncludeCustody,
		IncludeReport:    req.IncludeReport || req.IncludePdf,
	}
}

type bundleResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	TransactionID string `json:"transactionId,omitempty"`
	From          string `json:"from,omitempty"`
	To            string `json:"to,omitempty"`

	ManifestHash string `json:"manifestHash,omitempty"`
	BundleHash   string `json:"bundleHash,omitempty"`
	BundleSize   int64  `json:"bundleSize,omitempty"`
	RecordCount  int    `json:"recordCount,omitempty"`

	CreatedAt   string `json:"createdAt"`
	CompletedAt string `json:"completedAt,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

// buildTimeout bounds a background export; request cancellation must not
// abort a build the client already got a 202 for.
const buildTimeout = 10 * time.Minute

func (s *Server) handleCreateBundle(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeBundles, tenant.ID) {
		return
	}
	var req createBundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	scope := domain.BundleScope{TransactionID: req.TransactionID}
	var err error
	if scope.From, err = parseOptionalTime(req.From); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid from timestamp")
		return
	}
	if scope.To, err = parseOptionalTime(req.To); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid to timestamp")
		return
	}

	exportReq := usecase.ExportRequest{
		TenantID:  tenant.ID,
		Scope:     scope,
		Options:   bundleOptionsFrom(req),
		Actor:     c.GetHeader("X-Actor-ID"),
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
	created, err := s.exports.CreateBundle(c.Request.Context(), exportReq)
	if err != nil {
		writeError(c, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), buildTimeout)
		defer cancel()
		if err := s.exports.Build(ctx, created.TenantID, created.ID, exportReq); err != nil {
			log.Printf("bundle %s build failed: %v", created.ID, err)
		}
	}()

	c.JSON(http.StatusAccepted, buildBundleResponse(created))
}

func (s *Server) handleListBundles(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeBundles, tenant.ID) {
		return
	}
	list, err := s.exports.List(c.Request.Context(), tenant.ID, intQuery(c, "limit"), intQuery(c, "offset"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]bundleResponse, 0, len(list))
	for _, item := range list {
		out = append(out, buildBundleResponse(item))
	}
	c.JSON(http.StatusOK, gin.H{"bundles": out, "count": len(out)})
}

func (s *Server) handleGetBundle(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeBundles, tenant.ID) {
		return
	}
	row, err := s.exports.Get(c.Request.Context(), tenant.ID, c.Param("bundle_id"), c.GetHeader("X-Actor-ID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildBundleResponse(row))
}

func (s *Server) handleDownloadBundle(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeBundles, tenant.ID) {
		return
	}
	url, row, err := s.exports.Download(c.Request.Context(), tenant.ID, c.Param("bundle_id"),
		c.GetHeader("X-Actor-ID"), c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":        url,
		"bundleHash": row.BundleHash,
		"sizeBytes":  row.BundleSize,
	})
}

func (s *Server) handleCustodyReport(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeBundles, tenant.ID) {
		return
	}
	report, err := s.custody.BuildReport(c.Request.Context(), tenant.ID, c.Param("bundle_id"), c.GetHeader("X-Actor-ID"))
	if err != nil {
		writeError(c, err)
		return
	}
	if c.Query("format") == "text" {
		c.String(http.StatusOK, usecase.RenderText(report))
		return
	}
	c.JSON(http.StatusOK, report)
}

func buildBundleResponse(row domain.EvidenceBundle) bundleResponse {
	out := bundleResponse{
		ID:            row.ID,
		Status:        string(row.Status),
		ErrorMessage:  row.ErrorMessage,
		TransactionID: row.Scope.TransactionID,
		ManifestHash:  row.ManifestHash,
		BundleHash:    row.BundleHash,
		BundleSize:    row.BundleSize,
		RecordCount:   row.RecordCount,
		CreatedAt:     row.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if row.Scope.From != nil {
		out.From = row.Scope.From.UTC().Format(time.RFC3339)
	}
	if row.Scope.To != nil {
		out.To = row.Scope.To.UTC().Format(time.RFC3339)
	}
	if row.CompletedAt != nil {
		out.CompletedAt = row.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if row.ExpiresAt != nil {
		out.ExpiresAt = row.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return out
}

func parseOptionalTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	parsed = parsed.UTC()
	return &parsed, nil
}
