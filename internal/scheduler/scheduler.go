// Package scheduler runs the periodic billing jobs. Every job execution is
// claimed in billing_job_runs under a unique (job, period) pair, which is the
// only coordination between scheduler instances.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billforge/internal/clock"
	"github.com/smallbiznis/billforge/internal/config"
	invoicedomain "github.com/smallbiznis/billforge/internal/invoice/domain"
	obscontext "github.com/smallbiznis/billforge/internal/observability/context"
	obsmetrics "github.com/smallbiznis/billforge/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/billforge/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/billforge/internal/usage/domain"
	"github.com/smallbiznis/billforge/pkg/apperr"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	JobMonthlyBilling    = "monthly_billing"
	JobSyncInvoices      = "sync_invoices"
	JobSyncSubscriptions = "sync_subscriptions"
	JobOverdueReminders  = "overdue_reminders"
	JobAggregateUsage    = "aggregate_usage"
	JobCheckTrials       = "check_trials"
)

// retryAll marks a failure that happened before units were known, so the
// next attempt has to redo the whole period.
const retryAll = "*"

var (
	ErrUnknownJob    = apperr.Validation("job", "unknown_job", "unknown job")
	ErrJobAlreadyRun = apperr.New(apperr.KindJobAlreadyRun, "job_already_run")

	ErrInvalidPeriodKey = apperr.Validation("billingPeriod", "invalid_period_key", "invalid period key")
)

// SubscriptionSyncer reconciles one organization's subscription with the
// processor.
type SubscriptionSyncer interface {
	SyncSubscription(ctx context.Context, orgID string) (bool, error)
}

// Reminder delivers customer-facing billing notifications.
type Reminder interface {
	OverdueInvoice(ctx context.Context, inv invoicedomain.Invoice) (bool, error)
	TrialEnded(ctx context.Context, sub subscriptiondomain.Subscription) (bool, error)
}

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Config          Config `optional:"true"`
	Billing         *config.BillingConfigHolder
	SubscriptionSvc subscriptiondomain.Service
	InvoiceSvc      invoicedomain.Service
	UsageSvc        usagedomain.Service
	Syncer          SubscriptionSyncer
	Reminder        Reminder
	Metrics         *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	cfg             Config
	billing         *config.BillingConfigHolder
	subscriptionSvc subscriptiondomain.Service
	invoiceSvc      invoicedomain.Service
	usageSvc        usagedomain.Service
	syncer          SubscriptionSyncer
	reminder        Reminder
	metrics         *obsmetrics.SchedulerMetrics
	jobs            map[string]job
}

// job enumerates the units of work for one period. scheduledLag selects
// which period RunScheduled targets: 0 for the running period, 1 for the
// one that just elapsed.
type job struct {
	name         string
	cadence      cadence
	scheduledLag int
	units        func(ctx context.Context, w window) ([]unit, error)
}

// unit is one independently retryable piece of a job, usually one
// organization.
type unit struct {
	key   string
	orgID string
	run   func(ctx context.Context) error
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Billing == nil ||
		p.SubscriptionSvc == nil || p.InvoiceSvc == nil || p.UsageSvc == nil || p.Syncer == nil || p.Reminder == nil {
		return nil, errors.New("scheduler: missing dependency")
	}
	s := &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler"),
		genID:           p.GenID,
		clock:           p.Clock,
		cfg:             p.Config.withDefaults(),
		billing:         p.Billing,
		subscriptionSvc: p.SubscriptionSvc,
		invoiceSvc:      p.InvoiceSvc,
		usageSvc:        p.UsageSvc,
		syncer:          p.Syncer,
		reminder:        p.Reminder,
		metrics:         p.Metrics,
	}
	s.jobs = map[string]job{
		JobCheckTrials:       {name: JobCheckTrials, cadence: hourly, units: s.checkTrialsUnits},
		JobMonthlyBilling:    {name: JobMonthlyBilling, cadence: monthly, scheduledLag: 1, units: s.monthlyBillingUnits},
		JobSyncInvoices:      {name: JobSyncInvoices, cadence: hourly, units: s.syncInvoicesUnits},
		JobSyncSubscriptions: {name: JobSyncSubscriptions, cadence: daily, units: s.syncSubscriptionsUnits},
		JobOverdueReminders:  {name: JobOverdueReminders, cadence: daily, units: s.overdueRemindersUnits},
		JobAggregateUsage:    {name: JobAggregateUsage, cadence: daily, scheduledLag: 1, units: s.aggregateUsageUnits},
	}
	return s, nil
}

// Jobs lists the job names in the order RunScheduled executes them.
func Jobs() []string {
	return []string{
		JobCheckTrials,
		JobMonthlyBilling,
		JobSyncInvoices,
		JobSyncSubscriptions,
		JobOverdueReminders,
		JobAggregateUsage,
	}
}

// ScheduledPeriodKey returns the period RunScheduled would claim for a job
// at the given time.
func (s *Scheduler) ScheduledPeriodKey(jobName string, now time.Time) (string, error) {
	j, ok := s.jobs[jobName]
	if !ok {
		return "", ErrUnknownJob.WithMessage("unknown job %q", jobName)
	}
	return j.cadence.key(j.cadence.add(j.cadence.truncate(now), -j.scheduledLag)), nil
}

// Run executes a job for one period. An empty period key selects the
// period RunScheduled would use now. A period that is already completed, or
// currently running elsewhere, returns ErrJobAlreadyRun.
func (s *Scheduler) Run(ctx context.Context, jobName, periodKey string) (JobResult, error) {
	j, ok := s.jobs[strings.TrimSpace(jobName)]
	if !ok {
		return JobResult{}, ErrUnknownJob.WithMessage("unknown job %q", jobName)
	}
	if strings.TrimSpace(periodKey) == "" {
		periodKey, _ = s.ScheduledPeriodKey(j.name, s.clock.Now())
	}
	w, err := j.cadence.parse(periodKey)
	if err != nil {
		return JobResult{}, err
	}
	periodKey = j.cadence.key(w.Start)

	run, retryOnly, err := s.claim(ctx, j.name, periodKey)
	if err != nil {
		if errors.Is(err, ErrJobAlreadyRun) {
			s.metrics.IncJobSkipped(j.name)
			s.logger(ctx).Debug("scheduler.job.skipped",
				zap.String("job", j.name),
				zap.String("period_key", periodKey),
			)
		}
		return JobResult{Job: j.name, PeriodKey: periodKey}, err
	}
	return s.execute(ctx, j, w, run, retryOnly)
}

// RunScheduled runs every job for its current period. Periods that were
// already claimed are skipped silently.
func (s *Scheduler) RunScheduled(ctx context.Context) ([]JobResult, error) {
	now := s.clock.Now()
	var (
		results []JobResult
		errs    []error
	)
	for _, name := range Jobs() {
		key, _ := s.ScheduledPeriodKey(name, now)
		res, err := s.Run(ctx, name, key)
		if errors.Is(err, ErrJobAlreadyRun) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", name, key, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (s *Scheduler) execute(parent context.Context, j job, w window, run *BillingJobRun, retryOnly map[string]bool) (JobResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(obscontext.WithJob(parent, j.name), s.cfg.JobTimeout)
	defer cancel()

	s.metrics.IncJobRun(j.name)
	s.logJobStart(ctx, run, len(retryOnly))

	result := JobResult{Job: j.name, PeriodKey: run.PeriodKey, Attempt: run.Attempt}
	units, err := j.units(ctx, w)
	if err != nil {
		result.Errors = []JobError{{Unit: retryAll, Message: err.Error()}}
		s.metrics.IncJobError(j.name, err)
	} else {
		units = filterUnits(units, retryOnly)
		result.Processed, result.Errors = s.fanOut(ctx, j.name, units)
	}

	result.Status = JobRunCompleted
	if len(result.Errors) > 0 {
		result.Status = JobRunPartialFailure
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.metrics.IncJobTimeout(j.name)
	}

	finishErr := s.finish(parent, run, result)
	duration := time.Since(start)
	s.metrics.ObserveJobDuration(j.name, duration)
	s.metrics.AddBatchProcessed(j.name, result.Processed)
	s.logJobFinish(ctx, result, duration)

	if err != nil {
		return result, fmt.Errorf("%s: list units: %w", j.name, err)
	}
	return result, finishErr
}

func (s *Scheduler) fanOut(ctx context.Context, jobName string, units []unit) (int, []JobError) {
	var (
		mu        sync.Mutex
		processed int
		failures  []JobError
	)
	var g errgroup.Group
	g.SetLimit(s.billing.Get().JobConcurrency)
	for _, u := range units {
		g.Go(func() error {
			unitCtx := ctx
			if u.orgID != "" {
				unitCtx = obscontext.WithOrgID(ctx, u.orgID)
			}
			err := u.run(unitCtx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, JobError{Unit: u.key, OrgID: u.orgID, Message: err.Error()})
				s.logUnitError(unitCtx, u, err)
				s.metrics.IncJobError(jobName, err)
				return nil
			}
			processed++
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(failures, func(i, k int) bool { return failures[i].Unit < failures[k].Unit })
	return processed, failures
}

func filterUnits(units []unit, retryOnly map[string]bool) []unit {
	if retryOnly == nil {
		return units
	}
	out := units[:0]
	for _, u := range units {
		if retryOnly[u.key] {
			out = append(out, u)
		}
	}
	return out
}
