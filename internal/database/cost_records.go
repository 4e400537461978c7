package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/cost-watchdog/backend/internal/core"
)

// CostRecordRepo persists cost records. Inserts happen inside the ingestion
// transaction; reads serve the anomaly engine and the aggregation worker.
type CostRecordRepo struct {
	db *DB
}

func NewCostRecordRepo(db *DB) *CostRecordRepo {
	return &CostRecordRepo{db: db}
}

const costRecordCols = `id, location_id, supplier_id, cost_type, cost_category,
	period_start, period_end, invoice_date,
	amount_gross, amount_net, vat_amount, vat_rate,
	quantity, unit, price_per_unit,
	invoice_number, contract_number,
	confidence, data_quality, is_verified, document_id, created_at`

// InsertTx inserts one record inside an existing transaction.
func (r *CostRecordRepo) InsertTx(ctx context.Context, tx *sql.Tx, rec *core.CostRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cost_records (`+costRecordCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		rec.ID, rec.LocationID, rec.SupplierID, rec.CostType, rec.CostCategory,
		rec.PeriodStart, rec.PeriodEnd, rec.InvoiceDate,
		rec.AmountGross, rec.AmountNet, rec.VatAmount, rec.VatRate,
		decimalPtr(rec.Quantity), rec.Unit, decimalPtr(rec.PricePerUnit),
		rec.InvoiceNumber, rec.ContractNumber,
		rec.Confidence, rec.DataQuality, rec.IsVerified, nullStr(rec.DocumentID), rec.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return &core.ConflictError{Entity: "cost_record", ExistingID: rec.InvoiceNumber}
		}
		return fmt.Errorf("insert cost record: %w", err)
	}
	return nil
}

// GetByID loads a single record.
func (r *CostRecordRepo) GetByID(ctx context.Context, id string) (*core.CostRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+costRecordCols+` FROM cost_records WHERE id = $1`, id)
	rec, err := scanCostRecord(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "cost_record", ID: id}
	}
	return rec, err
}

// History returns records sharing the lane (location, supplier, cost type)
// over the trailing window, excluding the record itself. Periods after the
// record's own never enter a baseline. Ordered oldest first so checks can
// index by calendar month.
func (r *CostRecordRepo) History(ctx context.Context, rec *core.CostRecord, months int) ([]*core.CostRecord, error) {
	since := rec.PeriodStart.AddDate(0, -months, 0)
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+costRecordCols+` FROM cost_records
		WHERE location_id = $1 AND supplier_id = $2 AND cost_type = $3
		  AND period_start >= $4 AND period_start <= $5
		  AND id <> $6
		ORDER BY period_start ASC`,
		rec.LocationID, rec.SupplierID, rec.CostType, since, rec.PeriodStart, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return collectCostRecords(rows)
}

// ScanAfter pages through all records by id cursor: id > lastID ORDER BY id
// LIMIT n. Offset pagination is O(n²) on large tables and is not used.
func (r *CostRecordRepo) ScanAfter(ctx context.Context, lastID string, limit int) ([]*core.CostRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+costRecordCols+` FROM cost_records
		WHERE id > $1 ORDER BY id ASC LIMIT $2`, lastID, limit)
	if err != nil {
		return nil, fmt.Errorf("scan cost records: %w", err)
	}
	defer rows.Close()
	return collectCostRecords(rows)
}

// RecordFilter narrows List. Zero values mean "any".
type RecordFilter struct {
	LocationID string
	SupplierID string
	CostType   core.CostType
	From       time.Time // period_start >= From
	To         time.Time // period_start < To
	Limit      int
}

// List returns records matching the filter, newest period first.
func (r *CostRecordRepo) List(ctx context.Context, f RecordFilter) ([]*core.CostRecord, error) {
	where := "TRUE"
	args := []interface{}{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where += fmt.Sprintf(" AND "+clause, len(args))
	}
	if f.LocationID != "" {
		add("location_id = $%d", f.LocationID)
	}
	if f.SupplierID != "" {
		add("supplier_id = $%d", f.SupplierID)
	}
	if f.CostType != "" {
		add("cost_type = $%d", f.CostType)
	}
	if !f.From.IsZero() {
		add("period_start >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("period_start < $%d", f.To)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+costRecordCols+` FROM cost_records
		WHERE %s ORDER BY period_start DESC, id ASC LIMIT $%d`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("list cost records: %w", err)
	}
	defer rows.Close()
	return collectCostRecords(rows)
}

// YTDSum returns the year-to-date gross spend for the record's location and
// cost type, through the record's period month inclusive.
func (r *CostRecordRepo) YTDSum(ctx context.Context, rec *core.CostRecord) (decimal.Decimal, error) {
	yearStart := time.Date(rec.PeriodStart.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	monthEnd := time.Date(rec.PeriodStart.Year(), rec.PeriodStart.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	var sum decimal.NullDecimal
	err := r.db.QueryRowContext(ctx, `
		SELECT SUM(amount_gross) FROM cost_records
		WHERE location_id = $1 AND cost_type = $2
		  AND period_start >= $3 AND period_start < $4`,
		rec.LocationID, rec.CostType, yearStart, monthEnd).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ytd sum: %w", err)
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

// UpdateContractNumber rewrites the encrypted contract number. Used by the
// plaintext-migration path: reads that find legacy plaintext re-encrypt here.
func (r *CostRecordRepo) UpdateContractNumber(ctx context.Context, id, encrypted string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE cost_records SET contract_number = $2 WHERE id = $1`, id, encrypted)
	if err != nil {
		return fmt.Errorf("update contract number: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCostRecord(row rowScanner) (*core.CostRecord, error) {
	var rec core.CostRecord
	var quantity, ppu decimal.NullDecimal
	var docID sql.NullString
	err := row.Scan(
		&rec.ID, &rec.LocationID, &rec.SupplierID, &rec.CostType, &rec.CostCategory,
		&rec.PeriodStart, &rec.PeriodEnd, &rec.InvoiceDate,
		&rec.AmountGross, &rec.AmountNet, &rec.VatAmount, &rec.VatRate,
		&quantity, &rec.Unit, &ppu,
		&rec.InvoiceNumber, &rec.ContractNumber,
		&rec.Confidence, &rec.DataQuality, &rec.IsVerified, &docID, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if quantity.Valid {
		rec.Quantity = &quantity.Decimal
	}
	if ppu.Valid {
		rec.PricePerUnit = &ppu.Decimal
	}
	if docID.Valid {
		rec.DocumentID = docID.String
	}
	return &rec, nil
}

func collectCostRecords(rows *sql.Rows) ([]*core.CostRecord, error) {
	var out []*core.CostRecord
	for rows.Next() {
		rec, err := scanCostRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cost record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func decimalPtr(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return *d
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
