package connector

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cost-watchdog/backend/internal/core"
)

// ParseAmount parses a localized money or quantity string. Separator
// detection: when the last comma sits after the last dot the comma is the
// decimal separator (German 1.234,56), otherwise the dot is (English
// 1,234.56). Currency symbols and whitespace are stripped first.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	for _, junk := range []string{"€", "$", "£", "EUR", "eur", " "} {
		s = strings.ReplaceAll(s, junk, "")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	negative := false
	if strings.HasPrefix(s, "-") {
		negative = true
		s = s[1:]
	}
	s = strings.ReplaceAll(s, " ", "")

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma > lastDot:
		// German: dots group thousands, comma is decimal.
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	default:
		// English: commas group thousands.
		s = strings.ReplaceAll(s, ",", "")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

var dateLayouts = []string{
	"02.01.2006",
	"02/01/2006",
	"2006-01-02",
	"02-01-2006",
}

// ParseDate tries the supported layouts in order, then RFC 3339.
func ParseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", raw)
}

// costTypeAliases maps lowercased German and English spend labels to the
// canonical cost type. Unknown labels fall through to CostOther.
var costTypeAliases = map[string]core.CostType{
	"strom":            core.CostElectricity,
	"elektrizität":     core.CostElectricity,
	"electricity":      core.CostElectricity,
	"power":            core.CostElectricity,
	"erdgas":           core.CostNaturalGas,
	"gas":              core.CostNaturalGas,
	"natural gas":      core.CostNaturalGas,
	"natural_gas":      core.CostNaturalGas,
	"fernwärme":        core.CostDistrictHeating,
	"fernwaerme":       core.CostDistrictHeating,
	"district heating": core.CostDistrictHeating,
	"district_heating": core.CostDistrictHeating,
	"wärme":            core.CostDistrictHeating,
	"wasser":           core.CostWater,
	"water":            core.CostWater,
	"trinkwasser":      core.CostWater,
	"abwasser":         core.CostSewage,
	"sewage":           core.CostSewage,
	"schmutzwasser":    core.CostSewage,
	"abfall":           core.CostWaste,
	"müll":             core.CostWaste,
	"entsorgung":       core.CostWaste,
	"waste":            core.CostWaste,
	"reinigung":        core.CostCleaning,
	"cleaning":         core.CostCleaning,
	"wartung":          core.CostMaintenance,
	"instandhaltung":   core.CostMaintenance,
	"maintenance":      core.CostMaintenance,
	"miete":            core.CostRent,
	"pacht":            core.CostRent,
	"rent":             core.CostRent,
	"versicherung":     core.CostInsurance,
	"insurance":        core.CostInsurance,
}

// NormalizeCostType resolves a free-text spend label to a canonical type.
func NormalizeCostType(raw string) core.CostType {
	key := strings.ToLower(strings.TrimSpace(raw))
	if ct, ok := costTypeAliases[key]; ok {
		return ct
	}
	return core.CostOther
}
