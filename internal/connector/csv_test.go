package connector

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func csvConfig(t *testing.T, cfg CSVConfig) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return raw
}

func TestCSVGermanDecimalRow(t *testing.T) {
	c := NewCSVConnector()
	m := unmappedCSVMappings()
	m.PeriodStart = 0
	m.Amount = 1

	out := c.Extract(Input{
		Buffer: []byte("01.03.2024;1.234,56 €\n"),
		Config: csvConfig(t, CSVConfig{Mappings: m}),
	})

	require.True(t, out.Success)
	require.Len(t, out.Records, 1)
	rec := out.Records[0]
	assert.True(t, rec.PeriodStart.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "1234.56", rec.AmountGross.String())
}

func TestCSVDelimiterAutoDetect(t *testing.T) {
	assert.Equal(t, ';', detectDelimiter([]byte("a;b;c\n1;2;3\n"), ""))
	assert.Equal(t, ',', detectDelimiter([]byte("a,b,c\n1,2,3\n"), ""))
	assert.Equal(t, '\t', detectDelimiter([]byte("a\tb\tc\n"), ""))
	assert.Equal(t, '|', detectDelimiter([]byte("a|b|c\n"), ""))
	// Explicit config wins over counting.
	assert.Equal(t, ';', detectDelimiter([]byte("a,b,c\n"), ";"))
}

func TestCSVHeaderRowSkipped(t *testing.T) {
	c := NewCSVConnector()
	m := unmappedCSVMappings()
	m.PeriodStart = 0
	m.Amount = 1
	m.CostType = 2

	buf := []byte("Datum;Betrag;Art\n01.01.2024;100,00;Strom\n01.02.2024;110,00;Strom\n")
	out := c.Extract(Input{
		Buffer: buf,
		Config: csvConfig(t, CSVConfig{HeaderRow: true, Mappings: m}),
	})

	require.True(t, out.Success)
	require.Len(t, out.Records, 2)
	assert.Empty(t, out.Metadata.Warnings)
	assert.Equal(t, "electricity", string(out.Records[0].CostType))
	assert.InDelta(t, 0.9, out.Metadata.Confidence, 1e-9)
}

func TestCSVPartialSuccessConfidence(t *testing.T) {
	c := NewCSVConnector()
	m := unmappedCSVMappings()
	m.PeriodStart = 0
	m.Amount = 1

	// One of two data rows is broken: confidence 0.5 + 0.5*0.4 = 0.7.
	buf := []byte("01.01.2024;100,00\nkaputt;nope\n")
	out := c.Extract(Input{Buffer: buf, Config: csvConfig(t, CSVConfig{Mappings: m})})

	require.True(t, out.Success)
	require.Len(t, out.Records, 1)
	require.Len(t, out.Metadata.Warnings, 1)
	assert.InDelta(t, 0.7, out.Metadata.Confidence, 1e-9)
}

func TestCSVDeterministicExternalIDs(t *testing.T) {
	c := NewCSVConnector()
	m := unmappedCSVMappings()
	m.PeriodStart = 0
	m.Amount = 1
	buf := []byte("01.01.2024;100,00\n01.02.2024;120,00\n")
	cfg := csvConfig(t, CSVConfig{Mappings: m})

	a := c.Extract(Input{Buffer: buf, Config: cfg})
	b := c.Extract(Input{Buffer: buf, Config: cfg})

	require.Len(t, a.Records, 2)
	assert.Equal(t, a.Records[0].ExternalID, b.Records[0].ExternalID)
	assert.Equal(t, a.Records[1].ExternalID, b.Records[1].ExternalID)
	assert.NotEqual(t, a.Records[0].ExternalID, a.Records[1].ExternalID)
	assert.Equal(t, a.Audit.InputHash, b.Audit.InputHash)
}

func TestCSVQuantityDerivesPricePerUnit(t *testing.T) {
	c := NewCSVConnector()
	m := unmappedCSVMappings()
	m.PeriodStart = 0
	m.Amount = 1
	m.Quantity = 2

	out := c.Extract(Input{
		Buffer: []byte("01.01.2024;250,00;1.000,00\n"),
		Config: csvConfig(t, CSVConfig{Mappings: m}),
	})

	require.Len(t, out.Records, 1)
	rec := out.Records[0]
	require.NotNil(t, rec.Quantity)
	require.NotNil(t, rec.PricePerUnit)
	assert.Equal(t, "1000", rec.Quantity.String())
	assert.Equal(t, "0.25", rec.PricePerUnit.String())
}

func TestCSVInvalidConfigFails(t *testing.T) {
	c := NewCSVConnector()
	out := c.Extract(Input{
		Buffer: []byte("a;b\n"),
		Config: json.RawMessage(`{"mappings": "not-an-object"`),
	})
	assert.False(t, out.Success)
	assert.NotEmpty(t, out.Error)
	assert.NotEmpty(t, out.Audit.InputHash)
}
