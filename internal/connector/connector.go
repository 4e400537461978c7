// Package connector turns raw uploaded bytes into canonical extracted cost
// records. Connectors are pure: same buffer in, same records out. They never
// touch the database, object storage or queues.
package connector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cost-watchdog/backend/internal/core"
)

// Input is the raw material handed to a connector.
type Input struct {
	Buffer   []byte
	Filename string
	MimeType string
	Config   json.RawMessage
}

// ExtractedCostRecord is the connector-level shape of a cost record before
// ingestion validates and persists it.
type ExtractedCostRecord struct {
	ExternalID     string           `json:"external_id"`
	LocationID     string           `json:"location_id,omitempty"`
	SupplierID     string           `json:"supplier_id,omitempty"`
	CostType       core.CostType    `json:"cost_type"`
	CostCategory   string           `json:"cost_category,omitempty"`
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
	InvoiceNumber  string           `json:"invoice_number,omitempty"`
	ContractNumber string           `json:"contract_number,omitempty"`
	MeterNumber    string           `json:"meter_number,omitempty"`
	CustomerNumber string           `json:"customer_number,omitempty"`
	Confidence     float64          `json:"confidence"`
}

// Metadata describes how an extraction went.
type Metadata struct {
	SourceType string   `json:"source_type"`
	Confidence float64  `json:"confidence"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Audit ties an output back to the exact input it came from.
type Audit struct {
	ConnectorID      string `json:"connector_id"`
	ConnectorVersion string `json:"connector_version"`
	InputHash        string `json:"input_hash"`
}

// Output is the full result of one connector run.
type Output struct {
	Success  bool                  `json:"success"`
	Records  []ExtractedCostRecord `json:"records"`
	Metadata Metadata              `json:"metadata"`
	Audit    Audit                 `json:"audit"`
	Error    string                `json:"error,omitempty"`
}

// Connector extracts cost records from one input format.
type Connector interface {
	ID() string
	Version() string
	ConfigSchema() json.RawMessage
	Extract(in Input) Output
}

// InputHash is the SHA-256 hex of the raw buffer. It anchors both dedup and
// deterministic external ids.
func InputHash(buf []byte) string {
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// externalID derives a stable per-row id from the input hash and row index,
// so re-extracting the same file yields identical ids.
func externalID(inputHash string, rowIndex int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", inputHash, rowIndex)))
	return hex.EncodeToString(sum[:16])
}

// ============================================================================
// REGISTRY
// ============================================================================

// Registry holds the known connectors keyed by id. It is assembled once at
// startup and read-only afterwards.
type Registry struct {
	byID map[string]Connector
}

func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{byID: make(map[string]Connector, len(connectors))}
	for _, c := range connectors {
		r.byID[c.ID()] = c
	}
	return r
}

// Get returns the connector for an id.
func (r *Registry) Get(id string) (Connector, error) {
	c, ok := r.byID[id]
	if !ok {
		return nil, &core.NotFoundError{Entity: "connector", ID: id}
	}
	return c, nil
}

// IDs lists the registered connector ids, sorted.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ForMimeType picks a connector by the upload's content type.
func (r *Registry) ForMimeType(mimeType string) (Connector, error) {
	switch mimeType {
	case "text/csv", "application/csv", "application/vnd.ms-excel":
		return r.Get("csv")
	case "application/pdf":
		return r.Get("pdf")
	}
	return nil, &core.ValidationError{Field: "mime_type", Message: fmt.Sprintf("no connector for %q", mimeType)}
}

func failure(c Connector, in Input, sourceType, msg string) Output {
	return Output{
		Success:  false,
		Metadata: Metadata{SourceType: sourceType},
		Audit: Audit{
			ConnectorID:      c.ID(),
			ConnectorVersion: c.Version(),
			InputHash:        InputHash(in.Buffer),
		},
		Error: msg,
	}
}
