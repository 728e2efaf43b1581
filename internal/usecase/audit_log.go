package usecase

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"custodia/internal/domain"
)

// AuditLogger appends to the audit trail without ever failing the caller.
// A lost audit write is logged and counted, not surfaced; the operations
// being audited must not depend on audit availability.
type AuditLogger struct {
	Repo  AuditRepository
	Clock Clock
}

func NewAuditLogger(repo AuditRepository, clock Clock) *AuditLogger {
	return &AuditLogger{Repo: repo, Clock: clock}
}

// Log writes an audit entry, best effort.
func (a *AuditLogger) Log(ctx context.Context, entry domain.AuditEntry) {
	if a == nil || a.Repo == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now()
	}
	if entry.Status == "" {
		entry.Status = domain.AuditSuccess
	}
	if _, err := a.Repo.Append(ctx, entry); err != nil {
		log.Printf("audit write failed: action=%s tenant=%s resource=%s/%s: %v",
			entry.Action, entry.TenantID, entry.ResourceType, entry.ResourceID, err)
	}
}

// LogError writes a FAILED entry carrying the failure message.
func (a *AuditLogger) LogError(ctx context.Context, entry domain.AuditEntry, cause error) {
	entry.Status = domain.AuditFailed
	if cause != nil {
		entry.ErrorMessage = cause.Error()
	}
	a.Log(ctx, entry)
}

func (a *AuditLogger) now() time.Time {
	if a != nil && a.Clock != nil {
		return a.Clock()
	}
	return time.Now().UTC()
}

func auditMetadata(fields map[string]any) json.RawMessage {
	if len(fields) == 0 {
		return nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return raw
}
