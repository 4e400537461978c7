// Package core holds the domain entities shared by the ingestion pipeline,
// the anomaly engine and the auth core. Everything here is persistence- and
// transport-agnostic; repositories in internal/database own the SQL shape.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// DIRECTORY ENTITIES
// ============================================================================

// Organization is the single tenant the deployment serves.
type Organization struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	LegalName     string `json:"legal_name"`
	TaxID         string `json:"tax_id"`
	EmployeeCount int    `json:"employee_count"`
}

// LocationType classifies a facility.
type LocationType string

const (
	LocationOffice     LocationType = "office"
	LocationProduction LocationType = "production"
	LocationWarehouse  LocationType = "warehouse"
	LocationDataCenter LocationType = "data_center"
	LocationOther      LocationType = "other"
)

// Ownership distinguishes owned from leased facilities.
type Ownership string

const (
	OwnershipOwned  Ownership = "owned"
	OwnershipLeased Ownership = "leased"
)

// Location is a facility cost records are attributed to.
type Location struct {
	ID             string       `json:"id"`
	OrgID          string       `json:"org_id"`
	Code           string       `json:"code"`
	Type           LocationType `json:"type"`
	Ownership      Ownership    `json:"ownership"`
	GrossFloorArea float64      `json:"gross_floor_area"`
	Address        string       `json:"address"`
	ActiveSince    time.Time    `json:"active_since"`
	IsActive       bool         `json:"is_active"`
}

// CostType identifies the normalized utility/facility spend category.
type CostType string

const (
	CostElectricity     CostType = "electricity"
	CostNaturalGas      CostType = "natural_gas"
	CostDistrictHeating CostType = "district_heating"
	CostWater           CostType = "water"
	CostSewage          CostType = "sewage"
	CostWaste           CostType = "waste"
	CostCleaning        CostType = "cleaning"
	CostMaintenance     CostType = "maintenance"
	CostRent            CostType = "rent"
	CostInsurance       CostType = "insurance"
	CostOther           CostType = "other"
)

// Supplier is a vendor issuing invoices.
type Supplier struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	ShortName string     `json:"short_name"`
	TaxID     string     `json:"tax_id,omitempty"`
	Category  string     `json:"category"`
	CostTypes []CostType `json:"cost_types"`
	IsActive  bool       `json:"is_active"`
}

// ============================================================================
// COST RECORDS
// ============================================================================

// DataQuality marks how a cost record entered the system.
type DataQuality string

const (
	QualityManual    DataQuality = "manual"
	QualityExtracted DataQuality = "extracted"
	QualityImported  DataQuality = "imported"
)

// CostRecord is a single time-bounded spend line. Amounts are fixed-point
// decimals (18,4); amountGross = amountNet + vatAmount within 0.01.
type CostRecord struct {
	ID             string           `json:"id"`
	LocationID     string           `json:"location_id"`
	SupplierID     string           `json:"supplier_id"`
	CostType       CostType         `json:"cost_type"`
	CostCategory   string           `json:"cost_category"`
	PeriodStart    time.Time        `json:"period_start"`
	PeriodEnd      time.Time        `json:"period_end"`
	InvoiceDate    time.Time        `json:"invoice_date"`
	AmountGross    decimal.Decimal  `json:"amount_gross"`
	AmountNet      decimal.Decimal  `json:"amount_net"`
	VatAmount      decimal.Decimal  `json:"vat_amount"`
	VatRate        decimal.Decimal  `json:"vat_rate"`
	Quantity       *decimal.Decimal `json:"quantity,omitempty"`
	Unit           string           `json:"unit,omitempty"`
	PricePerUnit   *decimal.Decimal `json:"price_per_unit,omitempty"`
	InvoiceNumber  string           `json:"invoice_number,omitempty"`  // encrypted at rest
	ContractNumber string           `json:"contract_number,omitempty"` // encrypted at rest
	Confidence     float64          `json:"confidence"`
	DataQuality    DataQuality      `json:"data_quality"`
	IsVerified     bool             `json:"is_verified"`
	DocumentID     string           `json:"document_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// MonthlyAggregate is the precomputed sum over one month and dimension tuple.
type MonthlyAggregate struct {
	Year          int             `json:"year"`
	Month         int             `json:"month"`
	LocationID    string          `json:"location_id,omitempty"`
	SupplierID    string          `json:"supplier_id,omitempty"`
	CostType      CostType        `json:"cost_type,omitempty"`
	AmountSum     decimal.Decimal `json:"amount_sum"`
	AmountNetSum  decimal.Decimal `json:"amount_net_sum"`
	QuantitySum   decimal.Decimal `json:"quantity_sum"`
	RecordCount   int64           `json:"record_count"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
}

// ============================================================================
// ANOMALIES & ALERTS
// ============================================================================

// Severity grades an anomaly.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AnomalyStatus tracks triage state.
type AnomalyStatus string

const (
	AnomalyNew           AnomalyStatus = "new"
	AnomalyAcknowledged  AnomalyStatus = "acknowledged"
	AnomalyDismissed     AnomalyStatus = "dismissed"
	AnomalyFalsePositive AnomalyStatus = "false_positive"
)

// Anomaly is one detection result, unique per (costRecordId, type).
type Anomaly struct {
	ID             string         `json:"id"`
	CostRecordID   string         `json:"cost_record_id"`
	Type           string         `json:"type"`
	Severity       Severity       `json:"severity"`
	Status         AnomalyStatus  `json:"status"`
	Message        string         `json:"message"`
	Details        AnomalyDetails `json:"details"`
	IsBackfill     bool           `json:"is_backfill"`
	DetectedAt     time.Time      `json:"detected_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
}

// AnomalyDetails is the typed payload stored in the details JSON column.
// Extra carries check-specific fields that have no dedicated slot.
type AnomalyDetails struct {
	DeviationPercent float64                `json:"deviation_percent,omitempty"`
	ExpectedValue    float64                `json:"expected_value,omitempty"`
	ActualValue      float64                `json:"actual_value,omitempty"`
	SampleSize       int                    `json:"sample_size,omitempty"`
	Extra            map[string]interface{} `json:"extra,omitempty"`
}

// AlertChannel is a delivery target kind.
type AlertChannel string

const (
	ChannelEmail AlertChannel = "email"
	ChannelSlack AlertChannel = "slack"
	ChannelTeams AlertChannel = "teams"
	ChannelInApp AlertChannel = "in_app"
)

// AlertStatus is the delivery lifecycle of one alert.
type AlertStatus string

const (
	AlertPending AlertStatus = "pending"
	AlertSent    AlertStatus = "sent"
	AlertFailed  AlertStatus = "failed"
)

// Alert is one outbound notification derived from an anomaly.
type Alert struct {
	ID           string       `json:"id"`
	AnomalyID    string       `json:"anomaly_id"`
	Channel      AlertChannel `json:"channel"`
	Recipient    string       `json:"recipient"`
	Status       AlertStatus  `json:"status"`
	SentAt       *time.Time   `json:"sent_at,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ============================================================================
// OUTBOX & DOCUMENTS
// ============================================================================

// OutboxEvent is a transactionally-inserted row consumed by the dispatcher.
type OutboxEvent struct {
	ID            string     `json:"id"`
	AggregateType string     `json:"aggregate_type"`
	AggregateID   string     `json:"aggregate_id"`
	EventType     string     `json:"event_type"`
	Payload       []byte     `json:"payload"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

// Outbox event types produced by the pipeline.
const (
	EventCostRecordCreated = "cost_record.created"
	EventAnomalyDetected   = "anomaly.detected"
	EventDocumentUploaded  = "document.uploaded"
)

// ExtractionStatus is the lifecycle of a document's extraction.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "pending"
	ExtractionProcessing ExtractionStatus = "processing"
	ExtractionCompleted  ExtractionStatus = "completed"
	ExtractionFailed     ExtractionStatus = "failed"
)

// Document is an uploaded source file, content-addressed by SHA-256.
type Document struct {
	ID                 string           `json:"id"`
	OriginalFilename   string           `json:"original_filename"`
	MimeType           string           `json:"mime_type"`
	FileSize           int64            `json:"file_size"`
	FileHash           string           `json:"file_hash"`
	StoragePath        string           `json:"storage_path"`
	DocumentType       string           `json:"document_type"`
	ExtractionStatus   ExtractionStatus `json:"extraction_status"`
	VerificationStatus string           `json:"verification_status"`
	UploadedAt         time.Time        `json:"uploaded_at"`
	UploadedBy         string           `json:"uploaded_by"`
}

// ============================================================================
// USERS & AUTH
// ============================================================================

// Role is the coarse permission tier of a user.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleAnalyst Role = "analyst"
	RoleViewer  Role = "viewer"
	RoleAuditor Role = "auditor"
)

// User is an account. Email is stored lowercased and unique.
type User struct {
	ID                   string     `json:"id"`
	Email                string     `json:"email"`
	PasswordHash         string     `json:"-"`
	Role                 Role       `json:"role"`
	AllowedLocationIDs   []string   `json:"allowed_location_ids"`
	AllowedCostCenterIDs []string   `json:"allowed_cost_center_ids"`
	IsActive             bool       `json:"is_active"`
	DeletedAt            *time.Time `json:"deleted_at,omitempty"`
	NotificationSettings []byte     `json:"-"`
	CreatedAt            time.Time  `json:"created_at"`
}

// MfaEnrollment holds a user's TOTP secret (encrypted) and backup codes.
type MfaEnrollment struct {
	UserID           string    `json:"user_id"`
	Method           string    `json:"method"`
	SecretEncrypted  string    `json:"-"`
	BackupCodeHashes []string  `json:"-"`
	EnrolledAt       time.Time `json:"enrolled_at"`
}

// APIKey is a machine credential, stored only as a SHA-256 hash.
type APIKey struct {
	ID         string     `json:"id"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Name       string     `json:"name"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// PasswordResetToken is stored as a hash with a 1 h expiry.
type PasswordResetToken struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	TokenHash string     `json:"-"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// LoginAttempt is one audit row per login try. Retained 90 days.
type LoginAttempt struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	IPAddress   string    `json:"ip_address"`
	Success     bool      `json:"success"`
	AttemptedAt time.Time `json:"attempted_at"`
	Reason      string    `json:"reason,omitempty"`
}

// AuditLog is one immutable audit entry.
type AuditLog struct {
	ID          string    `json:"id"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	Action      string    `json:"action"`
	Before      []byte    `json:"before,omitempty"`
	After       []byte    `json:"after,omitempty"`
	Changes     []byte    `json:"changes,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Metadata    []byte    `json:"metadata,omitempty"`
	PerformedBy string    `json:"performed_by"`
	PerformedAt time.Time `json:"performed_at"`
	RequestID   string    `json:"request_id"`
	IPAddress   string    `json:"ip_address,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	Anonymized  bool      `json:"anonymized"`
}

// Budget is the optional yearly spend limit for a dimension tuple.
type Budget struct {
	ID         string          `json:"id"`
	Year       int             `json:"year"`
	LocationID string          `json:"location_id,omitempty"`
	CostType   CostType        `json:"cost_type,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
}
