package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"custodia/internal/domain"
	cryptoinfra "custodia/internal/infra/crypto"
)

// InterventionService appends to a record's human review history. The
// intervention row is the durable fact; the record's derived fields are a
// convenience view updated best-effort afterwards.
type InterventionService struct {
	Records       RecordRepository
	Interventions InterventionRepository
	Audit         *AuditLogger
	Policy        PolicyEngine
	PolicyClosed  bool
	Clock         Clock
}

type InterveneRequest struct {
	TenantID      string
	TransactionID string

	Action domain.InterventionAction
	Actor  domain.Actor
	Reason string
	Notes  string

	NewOutcome json.RawMessage
	Metadata   json.RawMessage

	IPAddress string
	UserAgent string
}

func (s *InterventionService) Intervene(ctx context.Context, req InterveneRequest) (domain.Intervention, error) {
	record, err := s.resolve(ctx, req)
	if err != nil {
		s.auditFailure(ctx, req, err)
		return domain.Intervention{}, err
	}
	if err := s.validateAction(req); err != nil {
		s.auditFailure(ctx, req, err)
		return domain.Intervention{}, err
	}
	if err := s.authorize(ctx, req); err != nil {
		s.auditFailure(ctx, req, err)
		return domain.Intervention{}, err
	}

	intervention := domain.Intervention{
		TenantID:   req.TenantID,
		RecordID:   record.ID,
		Action:     req.Action,
		Actor:      req.Actor,
		Reason:     req.Reason,
		Notes:      req.Notes,
		NewOutcome: req.NewOutcome,
		Metadata:   req.Metadata,
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
		Timestamp:  s.now(),
	}
	// On override, the outcome being replaced is captured from the stored
	// output payload, when payload storage is on.
	if req.Action == domain.InterventionOverride && len(record.OutputPayload) > 0 {
		intervention.PreviousOutcome = record.OutputPayload
	}

	created, err := s.Interventions.Create(ctx, intervention)
	if err != nil {
		s.auditFailure(ctx, req, err)
		return domain.Intervention{}, err
	}

	// Derived-field update is best effort: the intervention is already
	// durable, and readers can always reconstruct the view from the log.
	source := domain.DecisionSourceFor(req.Action)
	if err := s.Records.UpdateDerived(ctx, req.TenantID, record.ID, true, source); err != nil {
		log.Printf("derived field update failed for record %s: %v", record.TransactionID, err)
	}

	s.Audit.Log(ctx, domain.AuditEntry{
		TenantID:     req.TenantID,
		Actor:        req.Actor.ID,
		Action:       "HUMAN_" + string(req.Action),
		ResourceType: "decision_record",
		ResourceID:   req.TransactionID,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		Metadata: auditMetadata(map[string]any{
			"interventionId": created.ID,
			"reason":         req.Reason,
		}),
	})
	return created, nil
}

func (s *InterventionService) List(ctx context.Context, tenantID, transactionID string) ([]domain.Intervention, error) {
	record, err := s.Records.GetByTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	return s.Interventions.ListByRecord(ctx, tenantID, record.ID)
}

func (s *InterventionService) resolve(ctx context.Context, req InterveneRequest) (domain.DecisionRecord, error) {
	if req.TenantID == "" {
		return domain.DecisionRecord{}, fmt.Errorf("%w: tenant id is required", domain.ErrValidation)
	}
	if !cryptoinfra.IsValidTransactionID(req.TransactionID) {
		return domain.DecisionRecord{}, fmt.Errorf("%w: malformed transaction id %q", domain.ErrValidation, req.TransactionID)
	}
	return s.Records.GetByTransaction(ctx, req.TenantID, req.TransactionID)
}

func (s *InterventionService) validateAction(req InterveneRequest) error {
	if !domain.ValidInterventionAction(req.Action) {
		return fmt.Errorf("%w: unknown action %q", domain.ErrValidation, req.Action)
	}
	if req.Actor.ID == "" {
		return fmt.Errorf("%w: actor id is required", domain.ErrValidation)
	}
	switch req.Action {
	case domain.InterventionRejected:
		if req.Reason == "" {
			return fmt.Errorf("%w: %s requires a reason", domain.ErrValidation, req.Action)
		}
	case domain.InterventionOverride:
		if req.Reason == "" {
			return fmt.Errorf("%w: %s requires a reason", domain.ErrValidation, req.Action)
		}
		if len(req.NewOutcome) == 0 {
			return fmt.Errorf("%w: %s requires a new outcome", domain.ErrValidation, req.Action)
		}
	}
	return nil
}

func (s *InterventionService) authorize(ctx context.Context, req InterveneRequest) error {
	if s.Policy == nil {
		return nil
	}
	eval, err := s.Policy.Evaluate(ctx, domain.AuthzInput{
		TenantID: req.TenantID,
		Actor:    req.Actor.ID,
		Action:   "intervene." + actionSlug(req.Action),
		Resource: map[string]any{
			"transaction_id": req.TransactionID,
			"actor_role":     req.Actor.Role,
		},
	})
	if err != nil {
		if s.PolicyClosed {
			return fmt.Errorf("%w: policy evaluation failed: %v", domain.ErrForbidden, err)
		}
		log.Printf("policy evaluation failed, allowing (fail-open): %v", err)
		return nil
	}
	if !eval.Result.Allow {
		code := "POLICY_DENIED"
		if len(eval.Result.Deny) > 0 {
			code = eval.Result.Deny[0].Code
		}
		return fmt.Errorf("%w: %s", domain.ErrForbidden, code)
	}
	return nil
}

func actionSlug(action domain.InterventionAction) string {
	switch action {
	case domain.InterventionApproved:
		return "approve"
	case domain.InterventionRejected:
		return "reject"
	case domain.InterventionOverride:
		return "override"
	case domain.InterventionEscalated:
		return "escalate"
	default:
		return "review"
	}
}

func (s *InterventionService) auditFailure(ctx context.Context, req InterveneRequest, cause error) {
	s.Audit.LogError(ctx, domain.AuditEntry{
		TenantID:     req.TenantID,
		Actor:        req.Actor.ID,
		Action:       domain.AuditInterventionFailed,
		ResourceType: "decision_record",
		ResourceID:   req.TransactionID,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		Metadata:     auditMetadata(map[string]any{"action": string(req.Action)}),
	}, cause)
}

func (s *InterventionService) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}
