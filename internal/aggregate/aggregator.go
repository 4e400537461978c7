// Package aggregate maintains the monthly spend rollups that dashboards
// and anomaly context read from.
package aggregate

import (
	"context"
	"log"
	"time"

	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/database"
)

const (
	scanPageSize  = 1000
	bulkChunkSize = 500
)

// Aggregator keeps CostRecordMonthlyAgg in sync with cost records.
type Aggregator struct {
	db      *database.DB
	records *database.CostRecordRepo
	aggs    *database.AggregateRepo
	logger  *log.Logger
	now     func() time.Time
}

func New(db *database.DB, records *database.CostRecordRepo, aggs *database.AggregateRepo) *Aggregator {
	return &Aggregator{
		db:      db,
		records: records,
		aggs:    aggs,
		logger:  log.New(log.Writer(), "[Aggregate] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Apply folds one record into its monthly bucket. Idempotence across queue
// retries comes from the caller re-running against the same record id being
// caught upstream; the upsert itself is a plain increment.
func (a *Aggregator) Apply(ctx context.Context, costRecordID string) error {
	rec, err := a.records.GetByID(ctx, costRecordID)
	if err != nil {
		return err
	}
	return a.aggs.ApplyRecord(ctx, rec)
}

// Rebuild drops every aggregate row and recomputes from scratch. The scan
// is cursor paginated on record id; offset pagination is not acceptable at
// table scale. The advisory lock keeps concurrent rebuilds out.
func (a *Aggregator) Rebuild(ctx context.Context) error {
	lock, err := a.db.TryAdvisoryLock(ctx, database.LockAggregateRebuild)
	if err != nil {
		return err
	}
	if lock == nil {
		a.logger.Printf("rebuild already running elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			a.logger.Printf("release rebuild lock: %v", err)
		}
	}()

	start := a.now()
	if err := a.aggs.DeleteAll(ctx); err != nil {
		return err
	}

	buckets := make(map[bucketKey]*core.MonthlyAggregate)
	lastID := ""
	scanned := 0
	for {
		page, err := a.records.ScanAfter(ctx, lastID, scanPageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			fold(buckets, rec, a.now().UTC())
		}
		scanned += len(page)
		lastID = page[len(page)-1].ID
		if len(page) < scanPageSize {
			break
		}
	}

	aggs := make([]*core.MonthlyAggregate, 0, len(buckets))
	for _, agg := range buckets {
		aggs = append(aggs, agg)
	}
	for i := 0; i < len(aggs); i += bulkChunkSize {
		end := i + bulkChunkSize
		if end > len(aggs) {
			end = len(aggs)
		}
		if err := a.aggs.BulkInsert(ctx, aggs[i:end]); err != nil {
			return err
		}
	}

	a.logger.Printf("rebuild complete: %d records into %d buckets in %s",
		scanned, len(buckets), time.Since(start).Round(time.Millisecond))
	return nil
}

type bucketKey struct {
	year       int
	month      int
	locationID string
	supplierID string
	costType   core.CostType
}

func fold(buckets map[bucketKey]*core.MonthlyAggregate, rec *core.CostRecord, now time.Time) {
	key := bucketKey{
		year:       rec.PeriodStart.Year(),
		month:      int(rec.PeriodStart.Month()),
		locationID: rec.LocationID,
		supplierID: rec.SupplierID,
		costType:   rec.CostType,
	}
	agg, ok := buckets[key]
	if !ok {
		agg = &core.MonthlyAggregate{
			Year:       key.year,
			Month:      key.month,
			LocationID: key.locationID,
			SupplierID: key.supplierID,
			CostType:   key.costType,
		}
		buckets[key] = agg
	}
	agg.AmountSum = agg.AmountSum.Add(rec.AmountGross)
	agg.AmountNetSum = agg.AmountNetSum.Add(rec.AmountNet)
	if rec.Quantity != nil {
		agg.QuantitySum = agg.QuantitySum.Add(*rec.Quantity)
	}
	agg.RecordCount++
	agg.LastUpdatedAt = now
}
