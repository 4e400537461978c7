package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cost-watchdog/backend/internal/core"
)

func detectorFixture() *SupplierDetector {
	rules := RulesFromSuppliers([]*core.Supplier{
		{ID: "swm", Name: "Stadtwerke München", ShortName: "SWM", TaxID: "DE129524000"},
		{ID: "eon", Name: "E.ON Energie Deutschland", ShortName: "EON"},
	})
	rules[1].IBANs = []string{"DE89370400440532013000"}
	return NewSupplierDetector(rules)
}

func TestDetectByTaxID(t *testing.T) {
	m := detectorFixture().Detect("Rechnung\nUSt-IdNr.: DE 129 524 000")
	require.NotNil(t, m)
	assert.Equal(t, "swm", m.SupplierID)
	assert.Equal(t, "tax_id", m.Method)
	assert.InDelta(t, 0.95, m.Confidence, 1e-9)
}

func TestDetectByIBAN(t *testing.T) {
	m := detectorFixture().Detect("Bitte überweisen Sie an IBAN DE89 3704 0044 0532 0130 00")
	require.NotNil(t, m)
	assert.Equal(t, "eon", m.SupplierID)
	assert.Equal(t, "iban", m.Method)
	assert.InDelta(t, 0.90, m.Confidence, 1e-9)
}

func TestDetectByNameHandlesUmlauts(t *testing.T) {
	m := detectorFixture().Detect("Ihre Stadtwerke   München wünschen frohe Festtage")
	require.NotNil(t, m)
	assert.Equal(t, "swm", m.SupplierID)
	assert.Equal(t, "name", m.Method)
	assert.InDelta(t, 0.80, m.Confidence, 1e-9)
}

func TestDetectByKeywordIsLastResort(t *testing.T) {
	m := detectorFixture().Detect("Lieferant: swm")
	require.NotNil(t, m)
	assert.Equal(t, "keyword", m.Method)
	assert.InDelta(t, 0.60, m.Confidence, 1e-9)
}

func TestDetectNoMatch(t *testing.T) {
	assert.Nil(t, detectorFixture().Detect("Unbekannter Absender"))
}
