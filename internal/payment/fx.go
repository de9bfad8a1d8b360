package payment

import (
	"strings"

	"github.com/smallbiznis/billforge/internal/config"
	"github.com/smallbiznis/billforge/internal/observability/metrics"
	"github.com/smallbiznis/billforge/internal/payment/processor"
	"github.com/smallbiznis/billforge/internal/payment/repository"
	"github.com/smallbiznis/billforge/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewProcessorClient),
	fx.Provide(webhook.NewReconciler),
)

type ProcessorParams struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Metrics *metrics.BillingMetrics `optional:"true"`
}

// NewProcessorClient returns the Paystack client, or a client that refuses
// every call when no secret key is configured.
func NewProcessorClient(p ProcessorParams) processor.Client {
	if strings.TrimSpace(p.Cfg.Payment.SecretKey) == "" {
		p.Log.Warn("payment processor secret not configured, invoices stay in draft")
		return processor.NewDisabledClient()
	}
	return processor.NewPaystackClient(processor.PaystackConfig{
		BaseURL:    p.Cfg.Payment.BaseURL,
		SecretKey:  p.Cfg.Payment.SecretKey,
		Timeout:    p.Cfg.Payment.Timeout,
		MaxRetries: p.Cfg.Payment.MaxRetries,
	}, p.Log, p.Metrics)
}
