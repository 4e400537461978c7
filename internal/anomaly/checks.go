package anomaly

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/cost-watchdog/backend/internal/core"
)

// Context is everything a check may look at besides the record itself.
// Historical records cover the same location, supplier and cost type over
// the trailing 24 months, excluding the record under test.
type Context struct {
	Location   *core.Location
	Supplier   *core.Supplier
	Historical []*core.CostRecord
	Budget     *core.Budget
	YTDSpend   decimal.Decimal
	Settings   Settings
}

// Settings are the detection thresholds, expressed as fractions (0.15 =
// 15%).
type Settings struct {
	YoYDeviation        float64
	MoMDeviation        float64
	PricePerUnit        float64
	BudgetExceeded      float64
	MinHistoricalMonths int
}

// Result is one check's verdict.
type Result struct {
	CheckID          string
	Anomaly          bool
	Skipped          bool
	SkipReason       string
	Severity         core.Severity
	DeviationPercent float64
	ExpectedValue    float64
	Message          string
	Details          core.AnomalyDetails
}

// Check inspects one record against its context.
type Check interface {
	ID() string
	MinHistoricalMonths() int
	Run(rec *core.CostRecord, ctx Context) Result
}

// gradeSeverity maps absolute deviation to severity. Thresholds are fixed
// across all magnitude-based checks.
func gradeSeverity(deviation float64) core.Severity {
	abs := math.Abs(deviation)
	switch {
	case abs >= 0.40:
		return core.SeverityCritical
	case abs >= 0.20:
		return core.SeverityWarning
	default:
		return core.SeverityInfo
	}
}

func skipped(id, reason string) Result {
	return Result{CheckID: id, Skipped: true, SkipReason: reason}
}

func clean(id string) Result {
	return Result{CheckID: id}
}

// ============================================================================
// YEAR OVER YEAR
// ============================================================================

// YoYCheck compares the record against the sum of same-calendar-month
// records from the prior year.
type YoYCheck struct{}

func (YoYCheck) ID() string               { return "yoy_deviation" }
func (YoYCheck) MinHistoricalMonths() int { return 12 }

func (c YoYCheck) Run(rec *core.CostRecord, ctx Context) Result {
	if monthsCovered(ctx.Historical) < minMonths(ctx.Settings.MinHistoricalMonths, c.MinHistoricalMonths()) {
		return skipped(c.ID(), "insufficient history")
	}

	priorYear := rec.PeriodStart.Year() - 1
	month := rec.PeriodStart.Month()
	prior := decimal.Zero
	n := 0
	for _, h := range ctx.Historical {
		if h.PeriodStart.Year() == priorYear && h.PeriodStart.Month() == month {
			prior = prior.Add(h.AmountGross)
			n++
		}
	}
	if n == 0 || prior.IsZero() {
		return skipped(c.ID(), "no prior-year month")
	}

	priorF, _ := prior.Float64()
	currentF, _ := rec.AmountGross.Float64()
	deviation := (currentF - priorF) / priorF
	if math.Abs(deviation) < ctx.Settings.YoYDeviation {
		return clean(c.ID())
	}

	return Result{
		CheckID:          c.ID(),
		Anomaly:          true,
		Severity:         gradeSeverity(deviation),
		DeviationPercent: deviation,
		ExpectedValue:    priorF,
		Message: fmt.Sprintf("%s spend deviates %.1f%% from %s %d",
			rec.CostType, deviation*100, month, priorYear),
		Details: core.AnomalyDetails{
			DeviationPercent: deviation,
			ExpectedValue:    priorF,
			ActualValue:      currentF,
			SampleSize:       n,
		},
	}
}

// ============================================================================
// MONTH OVER MONTH
// ============================================================================

// MoMCheck compares against the immediately preceding calendar month.
type MoMCheck struct{}

func (MoMCheck) ID() string               { return "mom_deviation" }
func (MoMCheck) MinHistoricalMonths() int { return 1 }

func (c MoMCheck) Run(rec *core.CostRecord, ctx Context) Result {
	prevMonth := rec.PeriodStart.AddDate(0, -1, 0)
	prior := decimal.Zero
	n := 0
	for _, h := range ctx.Historical {
		if h.PeriodStart.Year() == prevMonth.Year() && h.PeriodStart.Month() == prevMonth.Month() {
			prior = prior.Add(h.AmountGross)
			n++
		}
	}
	if n == 0 || prior.IsZero() {
		return skipped(c.ID(), "no preceding month")
	}

	priorF, _ := prior.Float64()
	currentF, _ := rec.AmountGross.Float64()
	deviation := (currentF - priorF) / priorF
	if math.Abs(deviation) < ctx.Settings.MoMDeviation {
		return clean(c.ID())
	}

	return Result{
		CheckID:          c.ID(),
		Anomaly:          true,
		Severity:         gradeSeverity(deviation),
		DeviationPercent: deviation,
		ExpectedValue:    priorF,
		Message: fmt.Sprintf("%s spend deviates %.1f%% from previous month",
			rec.CostType, deviation*100),
		Details: core.AnomalyDetails{
			DeviationPercent: deviation,
			ExpectedValue:    priorF,
			ActualValue:      currentF,
			SampleSize:       n,
		},
	}
}

// ============================================================================
// PRICE PER UNIT
// ============================================================================

// PricePerUnitCheck compares the record's unit price to the historical
// mean. Zero prices are excluded from the mean, which also guards the
// division.
type PricePerUnitCheck struct{}

func (PricePerUnitCheck) ID() string               { return "price_per_unit_spike" }
func (PricePerUnitCheck) MinHistoricalMonths() int { return 3 }

func (c PricePerUnitCheck) Run(rec *core.CostRecord, ctx Context) Result {
	if rec.PricePerUnit == nil || rec.PricePerUnit.IsZero() {
		return skipped(c.ID(), "record has no unit price")
	}

	var prices []float64
	for _, h := range ctx.Historical {
		if h.PricePerUnit == nil || h.PricePerUnit.IsZero() {
			continue
		}
		p, _ := h.PricePerUnit.Float64()
		prices = append(prices, p)
	}
	if len(prices) < 3 {
		return skipped(c.ID(), "fewer than 3 historical unit prices")
	}

	var sum float64
	for _, p := range prices {
		sum += p
	}
	mean := sum / float64(len(prices))
	if mean == 0 {
		return skipped(c.ID(), "zero mean unit price")
	}

	currentF, _ := rec.PricePerUnit.Float64()
	deviation := (currentF - mean) / mean
	if deviation < ctx.Settings.PricePerUnit {
		return clean(c.ID())
	}

	return Result{
		CheckID:          c.ID(),
		Anomaly:          true,
		Severity:         gradeSeverity(deviation),
		DeviationPercent: deviation,
		ExpectedValue:    mean,
		Message: fmt.Sprintf("unit price %.4f is %.1f%% above historical mean %.4f",
			currentF, deviation*100, mean),
		Details: core.AnomalyDetails{
			DeviationPercent: deviation,
			ExpectedValue:    mean,
			ActualValue:      currentF,
			SampleSize:       len(prices),
		},
	}
}

// ============================================================================
// STATISTICAL OUTLIER
// ============================================================================

// OutlierCheck flags amounts more than 3 standard deviations from the
// historical mean. Needs at least 6 observations and non-zero variance.
type OutlierCheck struct{}

func (OutlierCheck) ID() string               { return "statistical_outlier" }
func (OutlierCheck) MinHistoricalMonths() int { return 6 }

func (c OutlierCheck) Run(rec *core.CostRecord, ctx Context) Result {
	if len(ctx.Historical) < 6 {
		return skipped(c.ID(), "fewer than 6 observations")
	}

	var sum float64
	amounts := make([]float64, len(ctx.Historical))
	for i, h := range ctx.Historical {
		amounts[i], _ = h.AmountGross.Float64()
		sum += amounts[i]
	}
	mean := sum / float64(len(amounts))

	var variance float64
	for _, a := range amounts {
		variance += (a - mean) * (a - mean)
	}
	variance /= float64(len(amounts))
	if variance == 0 {
		return skipped(c.ID(), "zero variance")
	}
	stddev := math.Sqrt(variance)

	currentF, _ := rec.AmountGross.Float64()
	z := (currentF - mean) / stddev
	if math.Abs(z) <= 3 {
		return clean(c.ID())
	}

	deviation := 0.0
	if mean != 0 {
		deviation = (currentF - mean) / mean
	}
	return Result{
		CheckID:          c.ID(),
		Anomaly:          true,
		Severity:         gradeSeverity(deviation),
		DeviationPercent: deviation,
		ExpectedValue:    mean,
		Message:          fmt.Sprintf("amount %.2f has z-score %.2f against %d observations", currentF, z, len(amounts)),
		Details: core.AnomalyDetails{
			DeviationPercent: deviation,
			ExpectedValue:    mean,
			ActualValue:      currentF,
			SampleSize:       len(amounts),
			Extra:            map[string]interface{}{"z_score": z, "stddev": stddev},
		},
	}
}

// ============================================================================
// BUDGET
// ============================================================================

// BudgetCheck fires when cumulative year-to-date spend exceeds the
// configured budget by more than the tolerance.
type BudgetCheck struct{}

func (BudgetCheck) ID() string               { return "budget_exceeded" }
func (BudgetCheck) MinHistoricalMonths() int { return 0 }

func (c BudgetCheck) Run(rec *core.CostRecord, ctx Context) Result {
	if ctx.Budget == nil || ctx.Budget.Amount.IsZero() {
		return skipped(c.ID(), "no budget configured")
	}

	budgetF, _ := ctx.Budget.Amount.Float64()
	ytdF, _ := ctx.YTDSpend.Float64()
	overrun := (ytdF - budgetF) / budgetF
	if overrun < ctx.Settings.BudgetExceeded {
		return clean(c.ID())
	}

	return Result{
		CheckID:          c.ID(),
		Anomaly:          true,
		Severity:         gradeSeverity(overrun),
		DeviationPercent: overrun,
		ExpectedValue:    budgetF,
		Message: fmt.Sprintf("YTD spend %.2f exceeds budget %.2f by %.1f%%",
			ytdF, budgetF, overrun*100),
		Details: core.AnomalyDetails{
			DeviationPercent: overrun,
			ExpectedValue:    budgetF,
			ActualValue:      ytdF,
			Extra:            map[string]interface{}{"budget_year": ctx.Budget.Year},
		},
	}
}

// monthsCovered counts distinct calendar months present in the history.
func monthsCovered(records []*core.CostRecord) int {
	seen := make(map[[2]int]struct{}, len(records))
	for _, r := range records {
		seen[[2]int{r.PeriodStart.Year(), int(r.PeriodStart.Month())}] = struct{}{}
	}
	return len(seen)
}

func minMonths(configured, checkDefault int) int {
	if configured > 0 {
		return configured
	}
	return checkDefault
}
