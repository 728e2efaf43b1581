package domain

// AuthzInput is the document handed to the policy engine for sensitive
// operations (interventions, exports, admin reads).
type AuthzInput struct {
	TenantID string         `json:"tenant_id"`
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	Resource map[string]any `json:"resource,omitempty"`
}

type DenyReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PolicyResult struct {
	Allow bool         `json:"allow"`
	Deny  []DenyReason `json:"deny"`
}

// PolicyEvaluation ties a result to the exact policy bundle that produced
// it, for audit metadata.
type PolicyEvaluation struct {
	BundleID   string       `json:"bundle_id,omitempty"`
	BundleHash string       `json:"bundle_hash"`
	Result     PolicyResult `json:"result"`
}
