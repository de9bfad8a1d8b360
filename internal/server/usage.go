package server

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/billforge/internal/observability/logger"
	usagedomain "github.com/smallbiznis/billforge/internal/usage/domain"
	"go.uber.org/zap"
)

type trackUsageRequest struct {
	OrgID     string          `json:"organizationId"`
	UserID    string          `json:"userId"`
	EventType string          `json:"eventType"`
	Quantity  json.RawMessage `json:"quantity"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (s *Server) TrackUsage(c *gin.Context) {
	var req trackUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	orgID := strings.TrimSpace(req.OrgID)
	if orgID == "" {
		AbortWithError(c, usagedomain.ErrInvalidOrganization)
		return
	}
	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		AbortWithError(c, usagedomain.ErrInvalidUsageType)
		return
	}

	if !s.allowTrack(c, orgID) {
		return
	}

	log := obslogger.WithContext(c.Request.Context(), s.log)
	quantity := parseQuantity(req.Quantity, log)
	metadata := parseMetadata(req.Metadata, log)
	if userID := strings.TrimSpace(req.UserID); userID != "" {
		if metadata == nil {
			metadata = map[string]any{}
		}
		if _, ok := metadata["userId"]; !ok {
			metadata["userId"] = userID
		}
	}

	s.usage.Track(orgID, eventType, quantity, metadata)

	c.JSON(http.StatusOK, gin.H{
		"tracked":    true,
		"bufferSize": s.usage.BufferSize(),
	})
}

// parseQuantity accepts a JSON number or a numeric string. Anything else
// yields zero, which the meter counts as one.
func parseQuantity(raw json.RawMessage, log *zap.Logger) int64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0
	}
	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			log.Debug("unreadable usage quantity ignored", zap.Error(err))
			return 0
		}
		text = strings.TrimSpace(text)
	} else {
		text = string(raw)
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt64 {
		log.Debug("non-numeric usage quantity ignored", zap.String("quantity", text))
		return 0
	}
	return int64(f)
}

// parseMetadata decodes a metadata object. Any other JSON shape is dropped
// and the event is still tracked.
func parseMetadata(raw json.RawMessage, log *zap.Logger) map[string]any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var metadata map[string]any
	if err := json.Unmarshal(raw, &metadata); err != nil {
		log.Debug("malformed usage metadata dropped", zap.Error(err))
		return nil
	}
	return metadata
}

// FlushUsage forces a flush. Entries that fail to write stay buffered and
// are reported as remaining.
func (s *Server) FlushUsage(c *gin.Context) {
	res := s.usage.Flush(c.Request.Context())
	if res.Err != nil {
		obslogger.WithContext(c.Request.Context(), s.log).Warn("usage flush failed",
			zap.Int("failed", res.Failed),
			zap.Error(res.Err),
		)
	}

	c.JSON(http.StatusOK, gin.H{
		"flushed":   res.Flushed,
		"failed":    res.Failed,
		"remaining": res.Remaining,
	})
}

// allowTrack applies the per-organization limit. Limiter errors let the
// request through.
func (s *Server) allowTrack(c *gin.Context, orgID string) bool {
	res, err := s.trackLimiter.Allow(c.Request.Context(), orgID)
	if err != nil {
		obslogger.WithContext(c.Request.Context(), s.log).Warn("usage rate limit check failed",
			zap.String("organization_id", orgID),
			zap.Error(err),
		)
		return true
	}
	if res.Allowed {
		return true
	}

	c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: errorPayload{
		Type:    "rate_limited",
		Message: "too many usage events",
	}})
	return false
}
