package scheduler

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type JobRunStatus string

const (
	JobRunRunning        JobRunStatus = "running"
	JobRunCompleted      JobRunStatus = "completed"
	JobRunPartialFailure JobRunStatus = "partial_failure"
)

// JobError records one unit of work that failed inside a run.
type JobError struct {
	Unit    string `json:"unit"`
	OrgID   string `json:"organizationId,omitempty"`
	Message string `json:"message"`
}

// BillingJobRun claims a job for one period. The (job_name, period_key)
// pair is unique across every scheduler instance.
type BillingJobRun struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	JobName     string       `gorm:"type:text;not null;uniqueIndex:ux_billing_job_runs_job_period,priority:1"`
	PeriodKey   string       `gorm:"type:text;not null;uniqueIndex:ux_billing_job_runs_job_period,priority:2"`
	Status      JobRunStatus `gorm:"type:text;not null"`
	Attempt     int          `gorm:"not null;default:1"`
	Processed   int          `gorm:"not null;default:0"`
	Errors      datatypes.JSONType[[]JobError]
	StartedAt   time.Time `gorm:"not null"`
	CompletedAt *time.Time
}

func (BillingJobRun) TableName() string { return "billing_job_runs" }

// JobResult summarizes one job execution.
type JobResult struct {
	Job       string       `json:"job"`
	PeriodKey string       `json:"periodKey"`
	Status    JobRunStatus `json:"status"`
	Attempt   int          `json:"attempt"`
	Processed int          `json:"processed"`
	Errors    []JobError   `json:"errors"`
}
