package aggregate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cost-watchdog/backend/internal/core"
)

func rec(id, loc, sup string, ct core.CostType, start time.Time, gross, net string) *core.CostRecord {
	return &core.CostRecord{
		ID:          id,
		LocationID:  loc,
		SupplierID:  sup,
		CostType:    ct,
		PeriodStart: start,
		AmountGross: decimal.RequireFromString(gross),
		AmountNet:   decimal.RequireFromString(net),
	}
}

func TestFoldGroupsByDimensionTuple(t *testing.T) {
	now := time.Now().UTC()
	march := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	april := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	buckets := make(map[bucketKey]*core.MonthlyAggregate)

	fold(buckets, rec("a", "loc1", "sup1", core.CostElectricity, march, "100.00", "84.03"), now)
	fold(buckets, rec("b", "loc1", "sup1", core.CostElectricity, march, "50.00", "42.02"), now)
	fold(buckets, rec("c", "loc1", "sup1", core.CostElectricity, april, "70.00", "58.82"), now)
	fold(buckets, rec("d", "loc2", "sup1", core.CostElectricity, march, "10.00", "8.40"), now)

	require.Len(t, buckets, 3)
	key := bucketKey{year: 2024, month: 3, locationID: "loc1", supplierID: "sup1", costType: core.CostElectricity}
	agg := buckets[key]
	require.NotNil(t, agg)
	assert.Equal(t, "150", agg.AmountSum.String())
	assert.Equal(t, "126.05", agg.AmountNetSum.String())
	assert.Equal(t, int64(2), agg.RecordCount)
}

func TestFoldSumsQuantities(t *testing.T) {
	now := time.Now().UTC()
	march := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	buckets := make(map[bucketKey]*core.MonthlyAggregate)

	withQty := rec("a", "loc1", "sup1", core.CostNaturalGas, march, "100.00", "84.03")
	q := decimal.RequireFromString("250.5")
	withQty.Quantity = &q
	noQty := rec("b", "loc1", "sup1", core.CostNaturalGas, march, "20.00", "16.81")

	fold(buckets, withQty, now)
	fold(buckets, noQty, now)

	require.Len(t, buckets, 1)
	for _, agg := range buckets {
		assert.Equal(t, "250.5", agg.QuantitySum.String())
		assert.Equal(t, int64(2), agg.RecordCount)
	}
}
