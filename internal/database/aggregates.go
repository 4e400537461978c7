package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cost-watchdog/backend/internal/core"
)

// AggregateRepo maintains the monthly pre-aggregates. Incremental updates
// are row-level upserts; full rebuilds bulk-insert in chunks under the
// rebuild advisory lock held by the caller.
type AggregateRepo struct {
	db *DB
}

func NewAggregateRepo(db *DB) *AggregateRepo {
	return &AggregateRepo{db: db}
}

// ApplyRecord folds one cost record into its aggregate row.
func (r *AggregateRepo) ApplyRecord(ctx context.Context, rec *core.CostRecord) error {
	year, month := rec.PeriodStart.Year(), int(rec.PeriodStart.Month())
	quantity := "0"
	if rec.Quantity != nil {
		quantity = rec.Quantity.String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cost_record_monthly_agg
			(year, month, location_id, supplier_id, cost_type,
			 amount_sum, amount_net_sum, quantity_sum, record_count, last_updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1,$9)
		ON CONFLICT (year, month, location_id, supplier_id, cost_type) DO UPDATE SET
			amount_sum = cost_record_monthly_agg.amount_sum + EXCLUDED.amount_sum,
			amount_net_sum = cost_record_monthly_agg.amount_net_sum + EXCLUDED.amount_net_sum,
			quantity_sum = cost_record_monthly_agg.quantity_sum + EXCLUDED.quantity_sum,
			record_count = cost_record_monthly_agg.record_count + 1,
			last_updated_at = EXCLUDED.last_updated_at`,
		year, month, rec.LocationID, rec.SupplierID, rec.CostType,
		rec.AmountGross, rec.AmountNet, quantity, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("apply record to aggregate: %w", err)
	}
	return nil
}

// DeleteAll truncates the aggregate table before a full rebuild.
func (r *AggregateRepo) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM cost_record_monthly_agg`); err != nil {
		return fmt.Errorf("clear aggregates: %w", err)
	}
	return nil
}

// BulkInsert writes accumulated aggregate rows in one multi-row statement.
// Callers chunk to 500 rows per call.
func (r *AggregateRepo) BulkInsert(ctx context.Context, aggs []*core.MonthlyAggregate) error {
	if len(aggs) == 0 {
		return nil
	}
	const nCols = 10
	placeholders := make([]string, 0, len(aggs))
	args := make([]interface{}, 0, len(aggs)*nCols)
	for i, a := range aggs {
		base := i * nCols
		ph := make([]string, nCols)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")
		args = append(args, a.Year, a.Month, a.LocationID, a.SupplierID, a.CostType,
			a.AmountSum, a.AmountNetSum, a.QuantitySum, a.RecordCount, a.LastUpdatedAt)
	}
	query := `INSERT INTO cost_record_monthly_agg
		(year, month, location_id, supplier_id, cost_type,
		 amount_sum, amount_net_sum, quantity_sum, record_count, last_updated_at)
		VALUES ` + strings.Join(placeholders, ",")
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("bulk insert aggregates: %w", err)
	}
	return nil
}

// Get returns one aggregate row, or nil when absent.
func (r *AggregateRepo) Get(ctx context.Context, year, month int, locationID, supplierID string, costType core.CostType) (*core.MonthlyAggregate, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT year, month, location_id, supplier_id, cost_type,
		       amount_sum, amount_net_sum, quantity_sum, record_count, last_updated_at
		FROM cost_record_monthly_agg
		WHERE year = $1 AND month = $2 AND location_id = $3 AND supplier_id = $4 AND cost_type = $5`,
		year, month, locationID, supplierID, costType)
	var a core.MonthlyAggregate
	err := row.Scan(&a.Year, &a.Month, &a.LocationID, &a.SupplierID, &a.CostType,
		&a.AmountSum, &a.AmountNetSum, &a.QuantitySum, &a.RecordCount, &a.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get aggregate: %w", err)
	}
	return &a, nil
}
