package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billforge/internal/clock"
	usagedomain "github.com/smallbiznis/billforge/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  usagedomain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  usagedomain.Repository
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, records []usagedomain.UsageRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	now := s.clock.Now()
	for i := range records {
		if records[i].ID == 0 {
			records[i].ID = s.genID.Generate()
		}
		if records[i].CreatedAt.IsZero() {
			records[i].CreatedAt = now
		}
	}

	var inserted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := s.repo.InsertBatch(ctx, tx, records)
		inserted = n
		return err
	})
	if err != nil {
		return 0, err
	}
	if skipped := int64(len(records)) - inserted; skipped > 0 {
		s.log.Info("usage records already persisted, skipped",
			zap.Int64("skipped", skipped),
			zap.Int64("inserted", inserted),
		)
	}
	return inserted, nil
}

func (s *Service) SumForPeriod(ctx context.Context, orgID string, start, end time.Time) (map[string]int64, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, usagedomain.ErrInvalidOrganization
	}
	if !end.After(start) {
		return nil, usagedomain.ErrInvalidPeriod.WithMessage("period end must be after start")
	}
	return s.repo.SumByType(ctx, s.db, orgID, start.UTC(), end.UTC())
}

func (s *Service) ListActiveOrgs(ctx context.Context, start, end time.Time) ([]string, error) {
	if !end.After(start) {
		return nil, usagedomain.ErrInvalidPeriod.WithMessage("period end must be after start")
	}
	return s.repo.ListOrgIDs(ctx, s.db, start.UTC(), end.UTC())
}

// AggregateDay recomputes the daily summaries for one organization. The
// summaries are overwritten, so re-running a day is safe.
func (s *Service) AggregateDay(ctx context.Context, orgID string, day time.Time) ([]usagedomain.UsageDailySummary, error) {
	start := truncateDay(day)
	end := start.AddDate(0, 0, 1)

	totals, err := s.SumForPeriod(ctx, orgID, start, end)
	if err != nil {
		return nil, err
	}

	usageTypes := make([]string, 0, len(totals))
	for usageType := range totals {
		usageTypes = append(usageTypes, usageType)
	}
	sort.Strings(usageTypes)

	now := s.clock.Now()
	summaries := make([]usagedomain.UsageDailySummary, 0, len(usageTypes))
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, usageType := range usageTypes {
			summary := usagedomain.UsageDailySummary{
				ID:        s.genID.Generate(),
				OrgID:     orgID,
				UsageType: usageType,
				Day:       start,
				Quantity:  totals[usageType],
				UpdatedAt: now,
			}
			if err := s.repo.UpsertDailySummary(ctx, tx, &summary); err != nil {
				return err
			}
			summaries = append(summaries, summary)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
