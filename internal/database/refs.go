package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cost-watchdog/backend/internal/core"
)

// RefRepo serves reference-data lookups used during ingestion validation
// and anomaly detection: locations, suppliers and budgets.
type RefRepo struct {
	db *DB
}

func NewRefRepo(db *DB) *RefRepo {
	return &RefRepo{db: db}
}

// LocationExists reports whether an active location with the id exists.
func (r *RefRepo) LocationExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM locations WHERE id = $1 AND is_active)`, id).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("location exists: %w", err)
	}
	return exists, nil
}

// SupplierExists reports whether an active supplier with the id exists.
func (r *RefRepo) SupplierExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM suppliers WHERE id = $1 AND is_active)`, id).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("supplier exists: %w", err)
	}
	return exists, nil
}

// GetLocation loads a location.
func (r *RefRepo) GetLocation(ctx context.Context, id string) (*core.Location, error) {
	var l core.Location
	err := r.db.QueryRowContext(ctx, `
		SELECT id, org_id, code, type, ownership, gross_floor_area, address, active_since, is_active
		FROM locations WHERE id = $1`, id).
		Scan(&l.ID, &l.OrgID, &l.Code, &l.Type, &l.Ownership,
			&l.GrossFloorArea, &l.Address, &l.ActiveSince, &l.IsActive)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "location", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get location: %w", err)
	}
	return &l, nil
}

// ListSuppliers returns all active suppliers. The extraction matcher loads
// the full set once per run.
func (r *RefRepo) ListSuppliers(ctx context.Context) ([]*core.Supplier, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, short_name, COALESCE(tax_id, ''), category, is_active
		FROM suppliers WHERE is_active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list suppliers: %w", err)
	}
	defer rows.Close()

	var out []*core.Supplier
	for rows.Next() {
		var s core.Supplier
		if err := rows.Scan(&s.ID, &s.Name, &s.ShortName, &s.TaxID, &s.Category, &s.IsActive); err != nil {
			return nil, fmt.Errorf("scan supplier: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// FindBudget resolves the budget for a year and dimension pair. Lookup is
// most-specific first: (location, cost type), then location-only, then
// cost-type-only, then the year-wide budget. Returns nil when no budget is
// configured at any level.
func (r *RefRepo) FindBudget(ctx context.Context, year int, locationID string, costType core.CostType) (*core.Budget, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, year, COALESCE(location_id, ''), COALESCE(cost_type, ''), amount
		FROM budgets
		WHERE year = $1
		  AND (location_id = $2 OR location_id IS NULL)
		  AND (cost_type = $3 OR cost_type IS NULL)
		ORDER BY (location_id IS NOT NULL)::int + (cost_type IS NOT NULL)::int DESC
		LIMIT 1`, year, locationID, string(costType))
	if err != nil {
		return nil, fmt.Errorf("find budget: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var b core.Budget
	var loc, ct string
	if err := rows.Scan(&b.ID, &b.Year, &loc, &ct, &b.Amount); err != nil {
		return nil, fmt.Errorf("scan budget: %w", err)
	}
	b.LocationID = loc
	b.CostType = core.CostType(ct)
	return &b, nil
}
