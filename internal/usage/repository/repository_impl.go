package repository

import (
	"context"
	"time"

	usagedomain "github.com/smallbiznis/billforge/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) InsertBatch(ctx context.Context, db *gorm.DB, records []usagedomain.UsageRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(&records)
	return res.RowsAffected, res.Error
}

func (r *repo) SumByType(ctx context.Context, db *gorm.DB, orgID string, start, end time.Time) (map[string]int64, error) {
	var rows []struct {
		UsageType string
		Total     int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT usage_type, COALESCE(SUM(quantity), 0) AS total
		 FROM usage_records
		 WHERE org_id = ? AND occurred_at >= ? AND occurred_at < ?
		 GROUP BY usage_type`,
		orgID,
		start,
		end,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.UsageType] = row.Total
	}
	return out, nil
}

func (r *repo) ListOrgIDs(ctx context.Context, db *gorm.DB, start, end time.Time) ([]string, error) {
	var orgIDs []string
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT org_id FROM usage_records
		 WHERE occurred_at >= ? AND occurred_at < ?
		 ORDER BY org_id ASC`,
		start,
		end,
	).Scan(&orgIDs).Error
	return orgIDs, err
}

func (r *repo) UpsertDailySummary(ctx context.Context, db *gorm.DB, summary *usagedomain.UsageDailySummary) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "usage_type"}, {Name: "day"}},
			DoUpdates: clause.AssignmentColumns([]string{"quantity", "updated_at"}),
		}).
		Create(summary).Error
}

func (r *repo) ListDailySummaries(ctx context.Context, db *gorm.DB, orgID string, start, end time.Time) ([]usagedomain.UsageDailySummary, error) {
	var summaries []usagedomain.UsageDailySummary
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, usage_type, day, quantity, updated_at
		 FROM usage_daily_summaries
		 WHERE org_id = ? AND day >= ? AND day < ?
		 ORDER BY day ASC, usage_type ASC`,
		orgID,
		start,
		end,
	).Scan(&summaries).Error
	return summaries, err
}
