package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"custodia/internal/domain"
	cryptoinfra "custodia/internal/infra/crypto"
	"custodia/internal/infra/db"
	"custodia/internal/usecase"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type createRecordRequest struct {
	PolicyID        string          `json:"policyId"`
	PolicyVersion   string          `json:"policyVersion,omitempty"`
	ModelID         string          `json:"modelId,omitempty"`
	ModelVersion    string          `json:"modelVersion,omitempty"`
	ConfidenceScore float64         `json:"confidenceScore,omitempty"`
	Input           json.RawMessage `json:"input"`
	Output          json.RawMessage `json:"output"`
	Context         json.RawMessage `json:"context,omitempty"`
	Snapshots       snapshotRefs    `json:"snapshots,omitempty"`
}

type snapshotRefs struct {
	ExternalData  string `json:"externalDataSnapshotId,omitempty"`
	BusinessRules string `json:"businessRulesSnapshotId,omitempty"`
	Environment   string `json:"environmentSnapshotId,omitempty"`
	FeatureVector string `json:"featureVectorSnapshotId,omitempty"`
}

type recordResponse struct {
	TransactionID string  `json:"transactionId"`
	TenantID      string  `json:"tenantId"`
	PolicyID      string  `json:"policyId"`
	PolicyVersion string  `json:"policyVersion,omitempty"`
	ModelID       string  `json:"modelId,omitempty"`
	ModelVersion  string  `json:"modelVersion,omitempty"`
	Confidence    float64 `json:"confidenceScore,omitempty"`

	InputHash    string  `json:"inputHash"`
	OutputHash   string  `json:"outputHash"`
	ContextHash  string  `json:"contextHash,omitempty"`
	RecordHash   string  `json:"recordHash"`
	PreviousHash *string `json:"previousHash"`

	Snapshots snapshotRefs `json:"snapshots,omitempty"`

	HasHumanIntervention bool   `json:"hasHumanIntervention"`
	FinalDecisionSource  string `json:"finalDecisionSource"`
	Timestamp            string `json:"timestamp"`
}

func (s *Server) handleCreateRecord(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeRecordsWrite, tenant.ID) {
		return
	}
	var req createRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	result, err := s.ledger.Append(c.Request.Context(), usecase.AppendRequest{
		TenantID:      tenant.ID,
		PolicyID:      req.PolicyID,
		PolicyVersion: req.PolicyVersion,
		ModelID:       req.ModelID,
		ModelVersion:  req.ModelVersion,
		Confidence:    req.ConfidenceScore,
		Input:         req.Input,
		Output:        req.Output,
		Context:       req.Context,
		Snapshots: domain.SnapshotRefs{
			ExternalData:  req.Snapshots.ExternalData,
			BusinessRules: req.Snapshots.BusinessRules,
			Environment:   req.Snapshots.Environment,
			FeatureVector: req.Snapshots.FeatureVector,
		},
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
		Actor:          c.GetHeader("X-Actor-ID"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, buildRecordResponse(result.Record))
}

func (s *Server) handleGetRecord(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeRecordsRead, tenant.ID) {
		return
	}
	record, err := s.ledger.Get(c.Request.Context(), tenant.ID, c.Param("transaction_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildRecordResponse(record))
}

func (s *Server) handleListRecords(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeRecordsRead, tenant.ID) {
		return
	}
	filter := db.RecordFilter{
		Limit:  intQuery(c, "limit"),
		Offset: intQuery(c, "offset"),
	}
	var err error
	if filter.From, err = timeQuery(c, "from"); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid from timestamp")
		return
	}
	if filter.To, err = timeQuery(c, "to"); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid to timestamp")
		return
	}
	records, err := s.ledger.List(c.Request.Context(), tenant.ID, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]recordResponse, 0, len(records))
	for _, record := range records {
		out = append(out, buildRecordResponse(record))
	}
	c.JSON(http.StatusOK, gin.H{"records": out, "count": len(out)})
}

func (s *Server) handleVerifyRecord(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeVerify, tenant.ID) {
		return
	}
	result, err := s.ledger.VerifyRecord(c.Request.Context(), tenant.ID, c.Param("transaction_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleVerifyChain(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeVerify, tenant.ID) {
		return
	}
	result, err := s.ledger.VerifyChain(c.Request.Context(), tenant.ID, c.Query("from"), c.Query("to"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type interveneRequest struct {
	Action     string          `json:"action"`
	Actor      actorInput      `json:"actor"`
	Reason     string          `json:"reason,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	NewOutcome json.RawMessage `json:"newOutcome,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

type actorInput struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

type interventionResponse struct {
	ID              string          `json:"id"`
	TransactionID   string          `json:"transactionId"`
	Action          string          `json:"action"`
	Actor           actorInput      `json:"actor"`
	Reason          string          `json:"reason,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	PreviousOutcome json.RawMessage `json:"previousOutcome,omitempty"`
	NewOutcome      json.RawMessage `json:"newOutcome,omitempty"`
	Timestamp       string          `json:"timestamp"`
}

func (s *Server) handleIntervene(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeInterventions, tenant.ID) {
		return
	}
	var req interveneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	transactionID := c.Param("transaction_id")
	created, err := s.interventions.Intervene(c.Request.Context(), usecase.InterveneRequest{
		TenantID:      tenant.ID,
		TransactionID: transactionID,
		Action:        domain.InterventionAction(req.Action),
		Actor: domain.Actor{
			ID:    req.Actor.ID,
			Name:  req.Actor.Name,
			Email: req.Actor.Email,
			Role:  req.Actor.Role,
		},
		Reason:     req.Reason,
		Notes:      req.Notes,
		NewOutcome: req.NewOutcome,
		Metadata:   req.Metadata,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, buildInterventionResponse(created, transactionID))
}

func (s *Server) handleListInterventions(c *gin.Context) {
	tenant, ok := s.authTenant(c)
	if !ok {
		return
	}
	if !s.enforceRateLimit(c, routeInterventions, tenant.ID) {
		return
	}
	transactionID := c.Param("transaction_id")
	list, err := s.interventions.List(c.Request.Context(), tenant.ID, transactionID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]interventionResponse, 0, len(list))
	for _, item := range list {
		out = append(out, buildInterventionResponse(item, transactionID))
	}
	c.JSON(http.StatusOK, gin.H{"interventions": out, "count": len(out)})
}

type adminTenantRequest struct {
	Name     string `json:"name"`
	TenantID string `json:"tenantId,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
}

func (s *Server) handleAdminCreateTenant(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if s.tenants == nil {
		writeError(c, errNoDatabase)
		return
	}
	var req adminTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	if req.Name == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "name is required")
		return
	}
	tenantID := req.TenantID
	if tenantID == "" {
		id, err := db.NewUUID()
		if err != nil {
			writeError(c, err)
			return
		}
		tenantID = id
	}
	apiKey := req.APIKey
	if apiKey == "" {
		generated, err := db.NewUUID()
		if err != nil {
			writeError(c, err)
			return
		}
		apiKey = "ck_" + generated
	}
	tenant := domain.Tenant{
		ID:         tenantID,
		Name:       req.Name,
		APIKeyHash: cryptoinfra.HashString(apiKey),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.tenants.Create(c.Request.Context(), tenant); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			writeErrorCode(c, http.StatusConflict, "ALREADY_EXISTS", "tenant already exists")
			return
		}
		writeError(c, err)
		return
	}
	// The key is returned exactly once; only its hash is stored.
	c.JSON(http.StatusCreated, gin.H{"tenantId": tenantID, "apiKey": apiKey})
}

func buildRecordResponse(record domain.DecisionRecord) recordResponse {
	return recordResponse{
		TransactionID: record.TransactionID,
		TenantID:      record.TenantID,
		PolicyID:      record.PolicyID,
		PolicyVersion: record.PolicyVersion,
		ModelID:       record.ModelID,
		ModelVersion:  record.ModelVersion,
		Confidence:    record.Confidence,
		InputHash:     record.InputHash,
		OutputHash:    record.OutputHash,
		ContextHash:   record.ContextHash,
		RecordHash:    record.RecordHash,
		PreviousHash:  record.PreviousHash,
		Snapshots: snapshotRefs{
			ExternalData:  record.Snapshots.ExternalData,
			BusinessRules: record.Snapshots.BusinessRules,
			Environment:   record.Snapshots.Environment,
			FeatureVector: record.Snapshots.FeatureVector,
		},
		HasHumanIntervention: record.HasHumanIntervention,
		FinalDecisionSource:  string(record.FinalDecisionSource),
		Timestamp:            record.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func buildInterventionResponse(item domain.Intervention, transactionID string) interventionResponse {
	return interventionResponse{
		ID:            item.ID,
		TransactionID: transactionID,
		Action:        string(item.Action),
		Actor: actorInput{
			ID:    item.Actor.ID,
			Name:  item.Actor.Name,
			Email: item.Actor.Email,
			Role:  item.Actor.Role,
		},
		Reason:          item.Reason,
		Notes:           item.Notes,
		PreviousOutcome: item.PreviousOutcome,
		NewOutcome:      item.NewOutcome,
		Timestamp:       item.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func intQuery(c *gin.Context, name string) int {
	raw := c.Query(name)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func timeQuery(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
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

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrValidation):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, domain.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, domain.ErrForbidden):
		status, code = http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrChainConflict):
		status, code = http.StatusConflict, "CHAIN_CONFLICT"
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrIntegrity):
		status, code = http.StatusConflict, "INTEGRITY_VIOLATION"
	case errors.Is(err, domain.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, domain.ErrTransient):
		status, code = http.StatusServiceUnavailable, "UNAVAILABLE"
	}
	writeErrorCode(c, status, code, err.Error())
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
