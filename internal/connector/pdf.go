package connector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	pdflib "github.com/ledongthuc/pdf"

	"github.com/cost-watchdog/backend/internal/core"
)

const (
	pdfConnectorID      = "pdf"
	pdfConnectorVersion = "1.4.0"

	// Text items within this Y distance belong to the same visual line.
	pdfLineYDelta = 5.0
)

// PDFConnector extracts a single cost record from an embedded-text invoice
// PDF. Scanned PDFs are rejected with a needs_ocr warning; OCR is out of
// scope.
type PDFConnector struct {
	detector *SupplierDetector
}

func NewPDFConnector(detector *SupplierDetector) *PDFConnector {
	return &PDFConnector{detector: detector}
}

func (c *PDFConnector) ID() string      { return pdfConnectorID }
func (c *PDFConnector) Version() string { return pdfConnectorVersion }

func (c *PDFConnector) ConfigSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"location_id": {"type": "string"},
			"cost_type": {"type": "string"}
		}
	}`)
}

// PDFConfig carries defaults the document itself cannot state.
type PDFConfig struct {
	LocationID string        `json:"location_id,omitempty"`
	CostType   core.CostType `json:"cost_type,omitempty"`
}

func (c *PDFConnector) Extract(in Input) Output {
	inputHash := InputHash(in.Buffer)

	var cfg PDFConfig
	if len(in.Config) > 0 {
		if err := json.Unmarshal(in.Config, &cfg); err != nil {
			return failure(c, in, "pdf", fmt.Sprintf("invalid config: %v", err))
		}
	}

	text, pages, err := extractText(in.Buffer)
	if err != nil {
		return failure(c, in, "pdf", fmt.Sprintf("read pdf: %v", err))
	}

	if isScanned(text, pages) {
		out := failure(c, in, "pdf", "document appears to be scanned; text extraction not possible")
		out.Metadata.Warnings = []string{"needs_ocr"}
		return out
	}

	rec, warnings := c.parseInvoice(text, cfg)
	rec.ExternalID = externalID(inputHash, 0)

	return Output{
		Success: true,
		Records: []ExtractedCostRecord{rec},
		Metadata: Metadata{
			SourceType: "pdf",
			Confidence: rec.Confidence,
			Warnings:   warnings,
		},
		Audit: Audit{
			ConnectorID:      pdfConnectorID,
			ConnectorVersion: pdfConnectorVersion,
			InputHash:        inputHash,
		},
	}
}

// extractText pulls the embedded text of every page, grouping positioned
// text items into visual lines by Y coordinate.
func extractText(buf []byte) (string, int, error) {
	r, err := pdflib.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return "", 0, err
	}

	pages := r.NumPage()
	var b strings.Builder
	for i := 1; i <= pages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		content := page.Content()
		for _, line := range groupLines(content.Text) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String(), pages, nil
}

// groupLines clusters text items whose Y positions differ by at most the
// line delta, then orders each cluster left to right. PDF Y grows upward,
// so clusters are emitted top of page first.
func groupLines(items []pdflib.Text) []string {
	if len(items) == 0 {
		return nil
	}
	sorted := make([]pdflib.Text, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y > sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	var lines []string
	var current []pdflib.Text
	lineY := sorted[0].Y
	flush := func() {
		if len(current) == 0 {
			return
		}
		sort.SliceStable(current, func(i, j int) bool { return current[i].X < current[j].X })
		var b strings.Builder
		for _, t := range current {
			b.WriteString(t.S)
		}
		lines = append(lines, strings.TrimSpace(b.String()))
		current = current[:0]
	}

	for _, t := range sorted {
		if lineY-t.Y > pdfLineYDelta {
			flush()
			lineY = t.Y
		}
		current = append(current, t)
	}
	flush()
	return lines
}

// isScanned flags PDFs whose text layer is absent or garbage. Either signal
// alone is enough: too few non-whitespace characters for the page count, or
// a low alphanumeric ratio.
func isScanned(text string, pages int) bool {
	if pages == 0 {
		return true
	}
	var nonWS, alnum int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		nonWS++
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	if nonWS < 100*pages {
		return true
	}
	return float64(alnum)/float64(nonWS) < 0.5
}

// ============================================================================
// FIELD EXTRACTION
// ============================================================================

var (
	grossRe    = regexp.MustCompile(`(?i)(?:Gesamtbetrag|Rechnungsbetrag|Bruttobetrag|Brutto|Zu zahlender Betrag|Total)\s*:?\s*(-?[0-9][0-9.,]*)\s*(?:€|EUR)?`)
	netRe      = regexp.MustCompile(`(?i)(?:Nettobetrag|Netto)\s*:?\s*(-?[0-9][0-9.,]*)\s*(?:€|EUR)?`)
	vatRe      = regexp.MustCompile(`(?i)(?:MwSt\.?|USt\.?|Umsatzsteuer)\s*(?:\(?\s*([0-9][0-9,.]*)\s*%\s*\)?)?\s*:?\s*(-?[0-9][0-9.,]*)\s*(?:€|EUR)?`)
	invoiceRe  = regexp.MustCompile(`(?i)Rechnungs\s*-?\s*(?:nummer|nr\.?)\s*:?\s*([A-Za-z0-9][A-Za-z0-9\-/_.]{2,})`)
	contractRe = regexp.MustCompile(`(?i)Vertrags\s*-?\s*(?:nummer|nr\.?|konto)\s*:?\s*([A-Za-z0-9][A-Za-z0-9\-/_.]{2,})`)
	meterRe    = regexp.MustCompile(`(?i)Z(?:ä|ae)hler\s*-?\s*(?:nummer|nr\.?)\s*:?\s*([A-Za-z0-9][A-Za-z0-9\-/_.]{2,})`)
	customerRe = regexp.MustCompile(`(?i)Kunden\s*-?\s*(?:nummer|nr\.?)\s*:?\s*([A-Za-z0-9][A-Za-z0-9\-/_.]{2,})`)
	dateRe     = regexp.MustCompile(`(?i)Rechnungsdatum\s*:?\s*(\d{2}\.\d{2}\.\d{4})`)
	periodRe   = regexp.MustCompile(`(?i)(?:Abrechnungszeitraum|Lieferzeitraum|Zeitraum)\s*:?\s*(\d{2}\.\d{2}\.\d{4})\s*(?:-|–|bis)\s*(\d{2}\.\d{2}\.\d{4})`)
	qtyRe      = regexp.MustCompile(`(?i)(-?[0-9][0-9.,]*)\s*(kWh|MWh|m³|m3)`)
	anyDateRe  = regexp.MustCompile(`\d{2}\.\d{2}\.\d{4}`)
)

// costTypeSignals is checked in order; more specific labels come before
// generic ones (fernwärme before wärme, erdgas before gas).
var costTypeSignals = []struct {
	keyword  string
	costType core.CostType
}{
	{"fernwärme", core.CostDistrictHeating},
	{"fernwaerme", core.CostDistrictHeating},
	{"erdgas", core.CostNaturalGas},
	{"gaslieferung", core.CostNaturalGas},
	{"stromlieferung", core.CostElectricity},
	{"strom", core.CostElectricity},
	{"abwasser", core.CostSewage},
	{"wasser", core.CostWater},
	{"entsorgung", core.CostWaste},
	{"abfall", core.CostWaste},
}

func (c *PDFConnector) parseInvoice(text string, cfg PDFConfig) (ExtractedCostRecord, []string) {
	var rec ExtractedCostRecord
	var warnings []string

	rec.LocationID = cfg.LocationID
	rec.CostType = cfg.CostType
	if rec.CostType == "" {
		rec.CostType = detectCostType(text)
	}

	if m := grossRe.FindStringSubmatch(text); m != nil {
		if v, err := ParseAmount(m[1]); err == nil {
			rec.AmountGross = v
		}
	} else {
		warnings = append(warnings, "gross amount not found")
	}
	if m := netRe.FindStringSubmatch(text); m != nil {
		if v, err := ParseAmount(m[1]); err == nil {
			rec.AmountNet = v
		}
	}
	if m := vatRe.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			if v, err := ParseAmount(m[1]); err == nil {
				rec.VatRate = v
			}
		}
		if v, err := ParseAmount(m[2]); err == nil {
			rec.VatAmount = v
		}
	}
	if rec.AmountNet.IsZero() && !rec.AmountGross.IsZero() && !rec.VatAmount.IsZero() {
		rec.AmountNet = rec.AmountGross.Sub(rec.VatAmount)
	}

	rec.InvoiceNumber = firstSubmatch(invoiceRe, text)
	rec.ContractNumber = firstSubmatch(contractRe, text)
	rec.MeterNumber = firstSubmatch(meterRe, text)
	rec.CustomerNumber = firstSubmatch(customerRe, text)

	if m := dateRe.FindStringSubmatch(text); m != nil {
		if d, err := ParseDate(m[1]); err == nil {
			rec.InvoiceDate = d
		}
	} else if m := anyDateRe.FindString(text); m != "" {
		if d, err := ParseDate(m); err == nil {
			rec.InvoiceDate = d
		}
	}

	if m := periodRe.FindStringSubmatch(text); m != nil {
		if start, err := ParseDate(m[1]); err == nil {
			rec.PeriodStart = start
		}
		if end, err := ParseDate(m[2]); err == nil {
			rec.PeriodEnd = end
		}
	}
	if rec.PeriodStart.IsZero() {
		rec.PeriodStart = rec.InvoiceDate
		rec.PeriodEnd = rec.InvoiceDate
		warnings = append(warnings, "billing period not found, falling back to invoice date")
	}

	if m := qtyRe.FindStringSubmatch(text); m != nil {
		if q, err := ParseAmount(m[1]); err == nil && !q.IsZero() {
			rec.Quantity = &q
			rec.Unit = normalizeUnit(m[2])
			if !rec.AmountGross.IsZero() {
				ppu := rec.AmountGross.Div(q).Round(4)
				rec.PricePerUnit = &ppu
			}
		}
	}

	rec.Confidence = 0.5
	if c.detector != nil {
		if match := c.detector.Detect(text); match != nil {
			rec.SupplierID = match.SupplierID
			rec.Confidence = match.Confidence
		} else {
			warnings = append(warnings, "supplier not recognized")
		}
	}

	return rec, warnings
}

func detectCostType(text string) core.CostType {
	lower := strings.ToLower(text)
	for _, sig := range costTypeSignals {
		if strings.Contains(lower, sig.keyword) {
			return sig.costType
		}
	}
	return core.CostOther
}

func normalizeUnit(u string) string {
	switch strings.ToLower(u) {
	case "m3", "m³":
		return "m³"
	case "mwh":
		return "MWh"
	default:
		return "kWh"
	}
}

func firstSubmatch(re *regexp.Regexp, text string) string {
	if m := re.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}
