package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cost-watchdog/backend/internal/core"
)

func TestParseAmountGerman(t *testing.T) {
	cases := map[string]string{
		"1.234,56":     "1234.56",
		"1.234,56 €":   "1234.56",
		"234,56":       "234.56",
		"12.345.678,9": "12345678.9",
		"-1.234,56":    "-1234.56",
	}
	for in, want := range cases {
		got, err := ParseAmount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.String(), in)
	}
}

func TestParseAmountEnglish(t *testing.T) {
	cases := map[string]string{
		"1,234.56": "1234.56",
		"1234.56":  "1234.56",
		"1234":     "1234",
		"0.5":      "0.5",
	}
	for in, want := range cases {
		got, err := ParseAmount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.String(), in)
	}
}

func TestParseAmountRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "   ", "abc", "€"} {
		_, err := ParseAmount(in)
		assert.Error(t, err, in)
	}
}

func TestParseDateLayouts(t *testing.T) {
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"01.03.2024", "01/03/2024", "2024-03-01", "01-03-2024"} {
		got, err := ParseDate(in)
		require.NoError(t, err, in)
		assert.True(t, got.Equal(want), in)
	}
}

func TestParseDateRejectsNonsense(t *testing.T) {
	_, err := ParseDate("soon")
	assert.Error(t, err)
}

func TestNormalizeCostType(t *testing.T) {
	assert.Equal(t, core.CostElectricity, NormalizeCostType("Strom"))
	assert.Equal(t, core.CostNaturalGas, NormalizeCostType("ERDGAS"))
	assert.Equal(t, core.CostDistrictHeating, NormalizeCostType("Fernwärme"))
	assert.Equal(t, core.CostWater, NormalizeCostType(" wasser "))
	assert.Equal(t, core.CostOther, NormalizeCostType("kryptowährung"))
}
