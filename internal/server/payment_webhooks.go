package server

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/billforge/internal/observability/logger"
	"github.com/smallbiznis/billforge/internal/payment/webhook"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 1 << 20

// HandlePaymentWebhook acknowledges every event whose signature verifies.
// Only a signature failure is answered with a non-200 status; parse and
// reconciliation failures are logged and acknowledged.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	signature := c.GetHeader(s.cfg.Payment.SignatureHeader)
	if !webhook.Verify(payload, signature, s.cfg.Payment.WebhookSecret) {
		obslogger.WithContext(c.Request.Context(), s.log).Warn("webhook signature rejected",
			zap.Int("bytes", len(payload)),
		)
		AbortWithError(c, ErrInvalidSignature)
		return
	}

	event, err := webhook.Parse(payload)
	if err != nil {
		obslogger.WithContext(c.Request.Context(), s.log).Warn("webhook payload rejected", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	// A client disconnect must not interrupt a half-applied event.
	s.webhooks.Handle(context.WithoutCancel(c.Request.Context()), event)

	c.JSON(http.StatusOK, gin.H{"received": true})
}
