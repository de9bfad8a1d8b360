package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/billforge/internal/observability/logger"
	"github.com/smallbiznis/billforge/internal/scheduler"
	"github.com/smallbiznis/billforge/pkg/apperr"
	"go.uber.org/zap"
)

const jobScheduled = "scheduled"

type runJobRequest struct {
	Job           string `json:"job"`
	BillingPeriod string `json:"billingPeriod"`
}

// JobsSecretRequired accepts only "Authorization: Bearer <JOBS_SECRET>". An
// unset secret disables the endpoint.
func (s *Server) JobsSecretRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.cfg.Scheduler.JobsSecret
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if secret == "" || !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// RunJob runs one named job, or every due job when job is "scheduled".
// Per-organization failures come back in errors with a 200 status.
func (s *Server) RunJob(c *gin.Context) {
	var req runJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	job := strings.TrimSpace(req.Job)
	if job == "" {
		AbortWithError(c, apperr.Validation("job", "required", "job is required"))
		return
	}

	ctx := c.Request.Context()
	if job == jobScheduled {
		results, err := s.jobs.RunScheduled(ctx)
		resp := gin.H{"results": results}
		if err != nil {
			obslogger.WithContext(ctx, s.log).Warn("scheduled jobs finished with errors", zap.Error(err))
			resp["errors"] = strings.Split(err.Error(), "\n")
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	result, err := s.jobs.Run(ctx, job, req.BillingPeriod)
	if errors.Is(err, scheduler.ErrJobAlreadyRun) {
		c.JSON(http.StatusOK, gin.H{"data": result, "skipped": true})
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
