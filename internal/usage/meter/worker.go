package meter

import (
	"context"
	"time"

	"github.com/smallbiznis/billforge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// RegisterWorker flushes the meter on a fixed interval and once more on
// shutdown so buffered usage is not lost on a clean stop.
func RegisterWorker(lc fx.Lifecycle, m *Meter, cfg config.Config, log *zap.Logger) {
	interval := cfg.Usage.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log = log.Named("usage.flush")

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				m.RunForever(runCtx, interval)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			<-done
			res := m.Flush(ctx)
			if res.Err != nil {
				log.Error("final usage flush failed", zap.Int("entries", res.Failed), zap.Error(res.Err))
				return nil
			}
			log.Info("final usage flush", zap.Int("flushed", res.Flushed))
			return nil
		},
	})
}

func (m *Meter) RunForever(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if res := m.Flush(ctx); res.Flushed > 0 {
				m.log.Debug("usage flushed", zap.Int("flushed", res.Flushed), zap.Int("remaining", res.Remaining))
			}
		}
	}
}
