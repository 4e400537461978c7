// Package anomaly detects suspicious cost records. The engine runs a fixed
// list of checks; the service wraps it with data loading and persistence.
package anomaly

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cost-watchdog/backend/internal/config"
	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/database"
	"github.com/cost-watchdog/backend/internal/metrics"
)

// Engine runs checks in order. Checks are isolated: a panic in one becomes
// a skipped result and the rest still run.
type Engine struct {
	checks []Check
	logger *log.Logger
}

// Detection is the engine's output for one record.
type Detection struct {
	Anomalies    []*core.Anomaly
	CheckResults []Result
}

func NewEngine(checks ...Check) *Engine {
	if len(checks) == 0 {
		checks = []Check{YoYCheck{}, MoMCheck{}, PricePerUnitCheck{}, OutlierCheck{}, BudgetCheck{}}
	}
	return &Engine{
		checks: checks,
		logger: log.New(log.Writer(), "[Anomaly] ", log.LstdFlags),
	}
}

// Detect evaluates every check against the record.
func (e *Engine) Detect(rec *core.CostRecord, ctx Context, isBackfill bool) Detection {
	var det Detection
	now := time.Now().UTC()

	for _, check := range e.checks {
		res := e.runIsolated(check, rec, ctx)
		det.CheckResults = append(det.CheckResults, res)
		if !res.Anomaly {
			continue
		}
		det.Anomalies = append(det.Anomalies, &core.Anomaly{
			ID:           uuid.NewString(),
			CostRecordID: rec.ID,
			Type:         res.CheckID,
			Severity:     res.Severity,
			Status:       core.AnomalyNew,
			Message:      res.Message,
			Details:      res.Details,
			IsBackfill:   isBackfill,
			DetectedAt:   now,
		})
	}
	return det
}

func (e *Engine) runIsolated(check Check, rec *core.CostRecord, ctx Context) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("check %s panicked on record %s: %v", check.ID(), rec.ID, r)
			res = skipped(check.ID(), fmt.Sprintf("check failed: %v", r))
		}
	}()
	return check.Run(rec, ctx)
}

// ============================================================================
// SERVICE
// ============================================================================

// Service loads context, runs the engine and persists results.
type Service struct {
	engine   *Engine
	db       *database.DB
	records  *database.CostRecordRepo
	anoms    *database.AnomalyRepo
	refs     *database.RefRepo
	outbox   *database.OutboxRepo
	settings Settings
	metrics  *metrics.Metrics
	logger   *log.Logger
}

func NewService(
	engine *Engine,
	db *database.DB,
	records *database.CostRecordRepo,
	anoms *database.AnomalyRepo,
	refs *database.RefRepo,
	outbox *database.OutboxRepo,
	cfg config.AnomalyConfig,
	m *metrics.Metrics,
) *Service {
	return &Service{
		engine:  engine,
		db:      db,
		records: records,
		anoms:   anoms,
		refs:    refs,
		outbox:  outbox,
		settings: Settings{
			YoYDeviation:        cfg.YoYDeviationPercent / 100,
			MoMDeviation:        cfg.MoMDeviationPercent / 100,
			PricePerUnit:        cfg.PricePerUnitPercent / 100,
			BudgetExceeded:      cfg.BudgetExceededPercent / 100,
			MinHistoricalMonths: cfg.MinHistoricalMonths,
		},
		metrics: m,
		logger:  log.New(log.Writer(), "[Anomaly] ", log.LstdFlags),
	}
}

// Process runs detection for one record id. Re-running is idempotent:
// anomalies upsert on (costRecordId, type), and outbox events are only
// written for fresh warning/critical findings outside backfills.
func (s *Service) Process(ctx context.Context, costRecordID string, isBackfill bool) error {
	rec, err := s.records.GetByID(ctx, costRecordID)
	if err != nil {
		return err
	}

	checkCtx, err := s.loadContext(ctx, rec)
	if err != nil {
		return err
	}

	det := s.engine.Detect(rec, checkCtx, isBackfill)
	for _, res := range det.CheckResults {
		if res.Skipped {
			s.logger.Printf("record %s: %s skipped (%s)", rec.ID, res.CheckID, res.SkipReason)
		}
	}
	if len(det.Anomalies) == 0 {
		return nil
	}

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, a := range det.Anomalies {
			if err := s.anoms.UpsertTx(ctx, tx, a); err != nil {
				return err
			}
			s.metrics.AnomaliesFound.WithLabelValues(a.Type, string(a.Severity)).Inc()

			if isBackfill || (a.Severity != core.SeverityWarning && a.Severity != core.SeverityCritical) {
				continue
			}
			payload, err := json.Marshal(map[string]string{
				"anomaly_id":     a.ID,
				"cost_record_id": a.CostRecordID,
				"type":           a.Type,
				"severity":       string(a.Severity),
			})
			if err != nil {
				return err
			}
			if err := s.outbox.InsertTx(ctx, tx, "anomaly", a.ID, core.EventAnomalyDetected, payload); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) loadContext(ctx context.Context, rec *core.CostRecord) (Context, error) {
	history, err := s.records.History(ctx, rec, 24)
	if err != nil {
		return Context{}, err
	}

	checkCtx := Context{
		Historical: history,
		Settings:   s.settings,
	}

	budget, err := s.refs.FindBudget(ctx, rec.PeriodStart.Year(), rec.LocationID, rec.CostType)
	if err != nil {
		return Context{}, err
	}
	if budget != nil {
		checkCtx.Budget = budget
		ytd, err := s.records.YTDSum(ctx, rec)
		if err != nil {
			return Context{}, err
		}
		checkCtx.YTDSpend = ytd
	}

	return checkCtx, nil
}
