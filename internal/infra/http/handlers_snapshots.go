package http

import (
	"encoding/json"
	"net/http"
	"time"

	"custodia/internal/domain"
	"custodia/internal/usecase"

	"github.com/gin-gonic/gin"
)

type createSnapshotRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Source  json.RawMessage `json:"source,omitempty"`
}

type snapshotResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	PayloadHash  string          `json:"payloadHash"`
	PayloadSize  int64           `json:"payloadSize"`
	Deduplicated bool            `json:"deduplicated,omitempty"`
	Source       json.RawMessage `json:"source,omitempty"`
	CapturedAt   string          `json:"capturedAt"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleCreateSnapshot(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeSnapshotsWrite, tenant.ID) {
		return
	}
	var req createSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	result, err := s.snapshots.Store(c.Request.Context(), usecase.StoreSnapshotRequest{
		TenantID: tenant.ID,
		Type:     domain.SnapshotType(req.Type),
		Payload:  req.Payload,
		Source:   req.Source,
		Actor:    c.GetHeader("X-Actor-ID"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	out := buildSnapshotResponse(result.Snapshot)
	out.Deduplicated = result.Deduplicated
	c.JSON(status, out)
}

func (s *Server) handleGetSnapshot(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeSnapshotsRead, tenant.ID) {
		return
	}
	retrieved, err := s.snapshots.Retrieve(c.Request.Context(), tenant.ID, c.Param("snapshot_id"), c.GetHeader("X-Actor-ID"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := buildSnapshotResponse(retrieved.Snapshot)
	out.Payload = retrieved.Payload
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleVerifySnapshot(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeSnapshotsRead, tenant.ID) {
		return
	}
	result, err := s.snapshots.Verify(c.Request.Context(), tenant.ID, c.Param("snapshot_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func buildSnapshotResponse(snapshot domain.Snapshot) snapshotResponse {
	return snapshotResponse{
		ID:          snapshot.ID,
		Type:        string(snapshot.Type),
		PayloadHash: snapshot.PayloadHash,
		PayloadSize: snapshot.PayloadSize,
		Source:      snapshot.Source,
		CapturedAt:  snapshot.CapturedAt.UTC().Format(time.RFC3339Nano),
	}
}
