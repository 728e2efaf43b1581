package db

import "time"

type TenantModel struct {
	ID         string    `gorm:"type:uuid;primaryKey"`
	Name       string    `gorm:"uniqueIndex;not null"`
	APIKeyHash string    `gorm:"uniqueIndex;not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (TenantModel) TableName() string {
	return "tenants"
}

type DecisionRecordModel struct {
	ID            string `gorm:"type:uuid;primaryKey"`
	TenantID      string `gorm:"type:text;index;not null;uniqueIndex:idx_tenant_seq,priority:1"`
	Seq           int64  `gorm:"not null;uniqueIndex:idx_tenant_seq,priority:2"`
	TransactionID string `gorm:"uniqueIndex;not null"`
	PolicyID      string `gorm:"not null"`
	PolicyVersion string `gorm:"not null"`
	ModelID       string
	ModelVersion  string
	Confidence    float64 `gorm:"not null"`

	InputHash   string `gorm:"not null"`
	OutputHash  string `gorm:"not null"`
	ContextHash string

	RecordHash   string `gorm:"index;not null"`
	PreviousHash *string

	InputPayload   []byte `gorm:"type:jsonb"`
	OutputPayload  []byte `gorm:"type:jsonb"`
	ContextPayload []byte `gorm:"type:jsonb"`

	ExternalDataSnapshotID  *string `gorm:"type:uuid"`
	BusinessRulesSnapshotID *string `gorm:"type:uuid"`
	EnvironmentSnapshotID   *string `gorm:"type:uuid"`
	FeatureVectorSnapshotID *string `gorm:"type:uuid"`

	HasHumanIntervention bool   `gorm:"not null"`
	FinalDecisionSource  string `gorm:"not null"`

	Timestamp time.Time `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (DecisionRecordModel) TableName() string {
	return "decision_records"
}

type TenantChainHeadModel struct {
	TenantID  string    `gorm:"primaryKey"`
	Seq       int64     `gorm:"not null"`
	HeadHash  string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (TenantChainHeadModel) TableName() string {
	return "tenant_chain_head"
}

type SnapshotModel struct {
	ID              string `gorm:"type:uuid;primaryKey"`
	TenantID        string `gorm:"type:text;not null;uniqueIndex:idx_snapshot_content,priority:1"`
	Type            string `gorm:"not null;uniqueIndex:idx_snapshot_content,priority:2"`
	PayloadHash     string `gorm:"not null;uniqueIndex:idx_snapshot_content,priority:3"`
	PayloadSize     int64  `gorm:"not null"`
	StorageKey      string `gorm:"not null"`
	StorageURL      string
	Compressed      bool
	CompressionAlgo string
	SourceJSON      []byte    `gorm:"type:jsonb"`
	CapturedAt      time.Time `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (SnapshotModel) TableName() string {
	return "evidence_snapshots"
}

type InterventionModel struct {
	ID       string `gorm:"type:uuid;primaryKey"`
	TenantID string `gorm:"type:text;index;not null"`
	RecordID string `gorm:"type:uuid;index;not null"`

	Action     string `gorm:"not null"`
	ActorID    string `gorm:"not null"`
	ActorName  string
	ActorEmail string
	ActorRole  string
	Reason     string
	Notes      string

	PreviousOutcome []byte `gorm:"type:jsonb"`
	NewOutcome      []byte `gorm:"type:jsonb"`
	Metadata        []byte `gorm:"type:jsonb"`

	IPAddress string
	UserAgent string

	Timestamp time.Time `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (InterventionModel) TableName() string {
	return "human_interventions"
}

type BundleModel struct {
	ID       string `gorm:"type:uuid;primaryKey"`
	TenantID string `gorm:"type:text;index;not null"`

	TransactionID string
	RangeFrom     *time.Time
	RangeTo       *time.Time

	IncludePayloads  bool
	IncludeSnapshots bool
	IncludeCustody   bool
	IncludeReport    bool

	Status       string `gorm:"index;not null"`
	ErrorMessage string

	ManifestHash string
	BundleHash   string
	BundleSize   int64
	StorageKey   string
	StorageURL   string
	RecordCount  int

	LegalHold bool
	ExpiresAt *time.Time

	CreatedAt      time.Time `gorm:"not null"`
	CompletedAt    *time.Time
	LastAccessedAt *time.Time
}

func (BundleModel) TableName() string {
	return "evidence_bundles"
}

type HashSignatureModel struct {
	ID             string    `gorm:"type:uuid;primaryKey"`
	TenantID       string    `gorm:"type:text;index;not null"`
	ResourceType   string    `gorm:"not null"`
	ResourceID     string    `gorm:"index;not null"`
	Hash           string    `gorm:"not null"`
	Signature      string    `gorm:"not null"`
	Algorithm      string    `gorm:"not null"`
	KeyID          string    `gorm:"not null"`
	KeyFingerprint string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (HashSignatureModel) TableName() string {
	return "hash_signatures"
}

type AuditEntryModel struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	TenantID     string `gorm:"type:text;index;not null"`
	Actor        string
	Action       string `gorm:"index;not null"`
	ResourceType string `gorm:"index:idx_audit_resource,priority:1"`
	ResourceID   string `gorm:"index:idx_audit_resource,priority:2"`
	Metadata     []byte `gorm:"type:jsonb"`
	IPAddress    string
	UserAgent    string
	Status       string `gorm:"not null"`
	ErrorMessage string
	Timestamp    time.Time `gorm:"index;not null"`
}

func (AuditEntryModel) TableName() string {
	return "audit_log"
}

type IdempotencyKeyModel struct {
	TenantID      string    `gorm:"primaryKey"`
	Key           string    `gorm:"primaryKey"`
	TransactionID string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (IdempotencyKeyModel) TableName() string {
	return "idempotency_keys"
}
