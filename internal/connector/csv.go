package connector

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cost-watchdog/backend/internal/core"
)

const (
	csvConnectorID      = "csv"
	csvConnectorVersion = "1.2.0"
)

// CSVConfig is the column mapping for a CSV import. Column indexes are
// zero-based. PeriodStart and Amount are the only required mappings.
type CSVConfig struct {
	Delimiter string      `json:"delimiter,omitempty"`
	HeaderRow bool        `json:"header_row"`
	StartRow  int         `json:"start_row,omitempty" validate:"gte=0"`
	Mappings  CSVMappings `json:"mappings" validate:"required"`
	Defaults  CSVDefaults `json:"defaults,omitempty"`
}

// CSVMappings are column indexes. -1 means unmapped.
type CSVMappings struct {
	PeriodStart   int `json:"period_start" validate:"gte=0"`
	PeriodEnd     int `json:"period_end"`
	InvoiceDate   int `json:"invoice_date"`
	Amount        int `json:"amount" validate:"gte=0"`
	AmountNet     int `json:"amount_net"`
	VatAmount     int `json:"vat_amount"`
	Quantity      int `json:"quantity"`
	Unit          int `json:"unit"`
	CostType      int `json:"cost_type"`
	InvoiceNumber int `json:"invoice_number"`
	LocationID    int `json:"location_id"`
	SupplierID    int `json:"supplier_id"`
}

// CSVDefaults fill fields that the file does not carry per row.
type CSVDefaults struct {
	LocationID string        `json:"location_id,omitempty"`
	SupplierID string        `json:"supplier_id,omitempty"`
	CostType   core.CostType `json:"cost_type,omitempty"`
	Unit       string        `json:"unit,omitempty"`
}

// CSVConnector extracts cost records from delimited text files.
type CSVConnector struct {
	validate *validator.Validate
}

func NewCSVConnector() *CSVConnector {
	return &CSVConnector{validate: validator.New()}
}

func (c *CSVConnector) ID() string      { return csvConnectorID }
func (c *CSVConnector) Version() string { return csvConnectorVersion }

func (c *CSVConnector) ConfigSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["mappings"],
		"properties": {
			"delimiter": {"type": "string", "maxLength": 1},
			"header_row": {"type": "boolean"},
			"start_row": {"type": "integer", "minimum": 0},
			"mappings": {
				"type": "object",
				"required": ["period_start", "amount"],
				"properties": {
					"period_start": {"type": "integer", "minimum": 0},
					"amount": {"type": "integer", "minimum": 0}
				}
			}
		}
	}`)
}

// Extract parses the buffer row by row. Row-level failures become warnings
// and the valid subset is returned; only config or reader failures fail the
// whole extraction.
func (c *CSVConnector) Extract(in Input) Output {
	inputHash := InputHash(in.Buffer)

	var cfg CSVConfig
	cfg.Mappings = unmappedCSVMappings()
	if len(in.Config) > 0 {
		if err := json.Unmarshal(in.Config, &cfg); err != nil {
			return failure(c, in, "csv", fmt.Sprintf("invalid config: %v", err))
		}
	}
	if err := c.validate.Struct(cfg); err != nil {
		return failure(c, in, "csv", fmt.Sprintf("invalid config: %v", err))
	}

	delim := detectDelimiter(in.Buffer, cfg.Delimiter)
	reader := csv.NewReader(bytes.NewReader(in.Buffer))
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rows, err := reader.ReadAll()
	if err != nil {
		return failure(c, in, "csv", fmt.Sprintf("read csv: %v", err))
	}

	start := cfg.StartRow
	if cfg.HeaderRow && start == 0 {
		start = 1
	}
	if start > len(rows) {
		start = len(rows)
	}

	var (
		records  []ExtractedCostRecord
		warnings []string
		dataRows int
	)
	for i, row := range rows[start:] {
		rowIndex := start + i
		if isBlankRow(row) {
			continue
		}
		dataRows++
		rec, err := c.parseRow(row, cfg, inputHash, rowIndex)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("row %d: %v", rowIndex+1, err))
			continue
		}
		records = append(records, rec)
	}

	confidence := 0.0
	if dataRows > 0 {
		confidence = 0.5 + float64(len(records))/float64(dataRows)*0.4
		if confidence > 0.9 {
			confidence = 0.9
		}
	}

	return Output{
		Success: len(records) > 0 || dataRows == 0,
		Records: records,
		Metadata: Metadata{
			SourceType: "csv",
			Confidence: confidence,
			Warnings:   warnings,
		},
		Audit: Audit{
			ConnectorID:      csvConnectorID,
			ConnectorVersion: csvConnectorVersion,
			InputHash:        inputHash,
		},
	}
}

func (c *CSVConnector) parseRow(row []string, cfg CSVConfig, inputHash string, rowIndex int) (ExtractedCostRecord, error) {
	var rec ExtractedCostRecord

	get := func(col int) string {
		if col < 0 || col >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[col])
	}

	startRaw := get(cfg.Mappings.PeriodStart)
	if startRaw == "" {
		return rec, fmt.Errorf("missing period start")
	}
	periodStart, err := ParseDate(startRaw)
	if err != nil {
		return rec, err
	}

	amountRaw := get(cfg.Mappings.Amount)
	if amountRaw == "" {
		return rec, fmt.Errorf("missing amount")
	}
	gross, err := ParseAmount(amountRaw)
	if err != nil {
		return rec, err
	}

	rec.ExternalID = externalID(inputHash, rowIndex)
	rec.PeriodStart = periodStart
	rec.PeriodEnd = periodStart
	rec.AmountGross = gross
	rec.Confidence = 0.9

	if raw := get(cfg.Mappings.PeriodEnd); raw != "" {
		if end, err := ParseDate(raw); err == nil {
			rec.PeriodEnd = end
		}
	}
	if raw := get(cfg.Mappings.InvoiceDate); raw != "" {
		if d, err := ParseDate(raw); err == nil {
			rec.InvoiceDate = d
		}
	}
	if raw := get(cfg.Mappings.AmountNet); raw != "" {
		if net, err := ParseAmount(raw); err == nil {
			rec.AmountNet = net
			rec.VatAmount = gross.Sub(net)
		}
	}
	if raw := get(cfg.Mappings.VatAmount); raw != "" {
		if vat, err := ParseAmount(raw); err == nil {
			rec.VatAmount = vat
			if rec.AmountNet.IsZero() {
				rec.AmountNet = gross.Sub(vat)
			}
		}
	}
	if raw := get(cfg.Mappings.Quantity); raw != "" {
		if q, err := ParseAmount(raw); err == nil && !q.IsZero() {
			rec.Quantity = &q
			ppu := gross.Div(q).Round(4)
			rec.PricePerUnit = &ppu
		}
	}

	rec.Unit = firstNonEmpty(get(cfg.Mappings.Unit), cfg.Defaults.Unit)
	rec.InvoiceNumber = get(cfg.Mappings.InvoiceNumber)
	rec.LocationID = firstNonEmpty(get(cfg.Mappings.LocationID), cfg.Defaults.LocationID)
	rec.SupplierID = firstNonEmpty(get(cfg.Mappings.SupplierID), cfg.Defaults.SupplierID)

	if raw := get(cfg.Mappings.CostType); raw != "" {
		rec.CostType = NormalizeCostType(raw)
	} else if cfg.Defaults.CostType != "" {
		rec.CostType = cfg.Defaults.CostType
	} else {
		rec.CostType = core.CostOther
	}

	return rec, nil
}

// detectDelimiter counts candidate delimiters over the first five lines and
// takes the max. An explicit config delimiter wins.
func detectDelimiter(buf []byte, configured string) rune {
	if configured != "" {
		return rune(configured[0])
	}
	lines := strings.SplitN(string(buf), "\n", 6)
	if len(lines) > 5 {
		lines = lines[:5]
	}
	sample := strings.Join(lines, "\n")

	best := ';'
	bestCount := -1
	for _, cand := range []rune{';', ',', '\t', '|'} {
		n := strings.Count(sample, string(cand))
		if n > bestCount {
			best = cand
			bestCount = n
		}
	}
	return best
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func unmappedCSVMappings() CSVMappings {
	return CSVMappings{
		PeriodEnd: -1, InvoiceDate: -1, AmountNet: -1, VatAmount: -1,
		Quantity: -1, Unit: -1, CostType: -1, InvoiceNumber: -1,
		LocationID: -1, SupplierID: -1,
	}
}
