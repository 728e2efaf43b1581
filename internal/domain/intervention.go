package domain

import (
	"encoding/json"
	"time"
)

type InterventionAction string

const (
	InterventionApproved        InterventionAction = "APPROVED"
	InterventionRejected        InterventionAction = "REJECTED"
	InterventionOverride        InterventionAction = "OVERRIDE"
	InterventionEscalated       InterventionAction = "ESCALATED"
	InterventionReviewRequested InterventionAction = "REVIEW_REQUESTED"
)

// ValidInterventionAction reports whether a is a registered action.
func ValidInterventionAction(a InterventionAction) bool {
	switch a {
	case InterventionApproved, InterventionRejected, InterventionOverride,
		InterventionEscalated, InterventionReviewRequested:
		return true
	}
	return false
}

// DecisionSourceFor maps an intervention action to the final decision
// source it implies. ESCALATED and REVIEW_REQUESTED leave the AI outcome
// standing until a terminal action lands.
func DecisionSourceFor(a InterventionAction) FinalDecisionSource {
	switch a {
	case InterventionApproved:
		return DecisionSourceHumanApproved
	case InterventionRejected:
		return DecisionSourceHumanRejected
	case InterventionOverride:
		return DecisionSourceHumanOverride
	default:
		return DecisionSourceAI
	}
}

// Actor identifies the human taking an intervention.
type Actor struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Intervention is one append-only entry in a record's human review history.
type Intervention struct {
	ID       string
	TenantID string
	RecordID string

	Action InterventionAction
	Actor  Actor
	Reason string
	Notes  string

	PreviousOutcome json.RawMessage
	NewOutcome      json.RawMessage
	Metadata        json.RawMessage

	IPAddress string
	UserAgent string

	Timestamp time.Time
	CreatedAt time.Time
}
