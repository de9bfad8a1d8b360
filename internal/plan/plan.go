// Package plan exposes the priced plan catalog loaded from the billing config.
package plan

import (
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/smallbiznis/billforge/internal/config"
	"github.com/smallbiznis/billforge/pkg/apperr"
)

type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

func ParseInterval(raw string) (Interval, error) {
	switch Interval(strings.ToLower(strings.TrimSpace(raw))) {
	case IntervalMonthly, "":
		return IntervalMonthly, nil
	case IntervalYearly, "annual", "annually":
		return IntervalYearly, nil
	default:
		return "", ErrInvalidInterval
	}
}

// AddTo returns the end of a period of this interval starting at t.
func (i Interval) AddTo(t time.Time) time.Time {
	if i == IntervalYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

var (
	ErrPlanNotFound    = apperr.New(apperr.KindValidation, "invalid_plan")
	ErrInvalidInterval = apperr.New(apperr.KindValidation, "invalid_billing_interval")
)

type Plan struct {
	ID                string
	Name              string
	MonthlyPrice      int64
	YearlyPrice       int64
	Currency          string
	TrialDays         int
	ProcessorPlanCode string
	Metered           map[string]config.MeteredRate
}

// Price returns the amount charged per period of the interval, in minor units.
func (p Plan) Price(interval Interval) int64 {
	if interval == IntervalYearly {
		return p.YearlyPrice
	}
	return p.MonthlyPrice
}

func (p Plan) IsFree() bool {
	return p.MonthlyPrice == 0 && p.YearlyPrice == 0
}

type Catalog interface {
	Get(id string) (Plan, error)
	List() []Plan
}

type catalog struct {
	holder *config.BillingConfigHolder
}

func NewCatalog(holder *config.BillingConfigHolder) Catalog {
	return &catalog{holder: holder}
}

// NormalizeID maps user supplied plan identifiers ("Growth Plan", "growth")
// onto catalog keys.
func NormalizeID(id string) string {
	return slug.Make(strings.TrimSpace(id))
}

func (c *catalog) Get(id string) (Plan, error) {
	want := NormalizeID(id)
	if want == "" {
		return Plan{}, ErrPlanNotFound.WithMessage("planId is required")
	}
	cfg := c.holder.Get()
	for _, p := range cfg.Plans {
		if NormalizeID(p.ID) == want {
			return toPlan(p, cfg.Currency), nil
		}
	}
	return Plan{}, ErrPlanNotFound.WithMessage("unknown plan %q", id)
}

func (c *catalog) List() []Plan {
	cfg := c.holder.Get()
	out := make([]Plan, 0, len(cfg.Plans))
	for _, p := range cfg.Plans {
		out = append(out, toPlan(p, cfg.Currency))
	}
	return out
}

func toPlan(p config.PlanConfig, currency string) Plan {
	return Plan{
		ID:                NormalizeID(p.ID),
		Name:              p.Name,
		MonthlyPrice:      p.MonthlyPrice,
		YearlyPrice:       p.YearlyPrice,
		Currency:          currency,
		TrialDays:         p.TrialDays,
		ProcessorPlanCode: p.ProcessorPlanCode,
		Metered:           p.Metered,
	}
}
