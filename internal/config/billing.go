package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	TrialExpiryCancel  = "canceled"
	TrialExpiryPastDue = "past_due"
)

// BillingConfig is the hot-reloadable billing catalog and policy set.
type BillingConfig struct {
	Currency          string       `mapstructure:"currency"`
	Plans             []PlanConfig `mapstructure:"plans"`
	TrialExpiryPolicy string       `mapstructure:"trial_expiry_policy"`
	OverdueAfterDays  int          `mapstructure:"overdue_after_days"`
	MaxPaymentRetries int          `mapstructure:"max_payment_retries"`
	JobConcurrency    int          `mapstructure:"job_concurrency"`
}

type PlanConfig struct {
	ID                string                 `mapstructure:"id"`
	Name              string                 `mapstructure:"name"`
	MonthlyPrice      int64                  `mapstructure:"monthly_price"`
	YearlyPrice       int64                  `mapstructure:"yearly_price"`
	TrialDays         int                    `mapstructure:"trial_days"`
	ProcessorPlanCode string                 `mapstructure:"processor_plan_code"`
	Metered           map[string]MeteredRate `mapstructure:"metered"`
}

// MeteredRate prices usage beyond the included quantity, in minor units.
type MeteredRate struct {
	Included  int64 `mapstructure:"included" json:"included"`
	UnitPrice int64 `mapstructure:"unit_price" json:"unitPrice"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Currency: "USD",
		Plans: []PlanConfig{
			{
				ID:   "free",
				Name: "Free",
				Metered: map[string]MeteredRate{
					"ai_message": {Included: 100},
				},
			},
			{
				ID:           "starter",
				Name:         "Starter",
				MonthlyPrice: 49900,
				YearlyPrice:  479000,
				TrialDays:    14,
				Metered: map[string]MeteredRate{
					"ai_message":      {Included: 5000, UnitPrice: 2},
					"channel_message": {Included: 10000, UnitPrice: 1},
					"document_scan":   {Included: 200, UnitPrice: 10},
				},
			},
			{
				ID:           "growth",
				Name:         "Growth",
				MonthlyPrice: 89900,
				YearlyPrice:  863000,
				TrialDays:    14,
				Metered: map[string]MeteredRate{
					"ai_message":      {Included: 20000, UnitPrice: 1},
					"channel_message": {Included: 50000, UnitPrice: 1},
					"document_scan":   {Included: 1000, UnitPrice: 5},
				},
			},
		},
		TrialExpiryPolicy: TrialExpiryCancel,
		OverdueAfterDays:  7,
		MaxPaymentRetries: 3,
		JobConcurrency:    8,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder wraps a fixed config, without file watching.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(withBillingDefaults(cfg))
	return holder
}

func NewBillingConfigHolder(appCfg Config, log *zap.Logger) (*BillingConfigHolder, error) {
	log = log.Named("billing.config")
	v := viper.New()

	if appCfg.BillingConfigPath != "" {
		v.SetConfigFile(appCfg.BillingConfigPath)
	} else {
		v.SetConfigName("billing")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/billforge")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BILLFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Info("billing config file not found, using defaults")
		return NewStaticBillingConfigHolder(DefaultBillingConfig()), nil
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	cfg = withBillingDefaults(cfg)
	if err := ValidateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Warn("billing config reload failed", zap.Error(err))
			return
		}
		updated = withBillingDefaults(updated)
		if err := ValidateBillingConfig(updated); err != nil {
			log.Warn("invalid billing config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("billing config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func withBillingDefaults(cfg BillingConfig) BillingConfig {
	defaults := DefaultBillingConfig()
	if strings.TrimSpace(cfg.Currency) == "" {
		cfg.Currency = defaults.Currency
	}
	if len(cfg.Plans) == 0 {
		cfg.Plans = defaults.Plans
	}
	cfg.TrialExpiryPolicy = strings.ToLower(strings.TrimSpace(cfg.TrialExpiryPolicy))
	if cfg.TrialExpiryPolicy == "" {
		cfg.TrialExpiryPolicy = defaults.TrialExpiryPolicy
	}
	if cfg.OverdueAfterDays <= 0 {
		cfg.OverdueAfterDays = defaults.OverdueAfterDays
	}
	if cfg.MaxPaymentRetries <= 0 {
		cfg.MaxPaymentRetries = defaults.MaxPaymentRetries
	}
	if cfg.JobConcurrency <= 0 {
		cfg.JobConcurrency = defaults.JobConcurrency
	}
	return cfg
}

func ValidateBillingConfig(cfg BillingConfig) error {
	if len(cfg.Plans) == 0 {
		return errors.New("billing.plans cannot be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Plans))
	for _, p := range cfg.Plans {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return errors.New("billing.plans[].id is required")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("billing.plans: duplicate plan id %q", id)
		}
		seen[id] = struct{}{}
		if p.MonthlyPrice < 0 || p.YearlyPrice < 0 {
			return fmt.Errorf("billing.plans[%s]: prices must not be negative", id)
		}
		for usageType, rate := range p.Metered {
			if rate.Included < 0 || rate.UnitPrice < 0 {
				return fmt.Errorf("billing.plans[%s].metered[%s]: values must not be negative", id, usageType)
			}
		}
	}
	switch cfg.TrialExpiryPolicy {
	case TrialExpiryCancel, TrialExpiryPastDue:
	default:
		return fmt.Errorf("billing.trial_expiry_policy must be %q or %q", TrialExpiryCancel, TrialExpiryPastDue)
	}
	return nil
}
