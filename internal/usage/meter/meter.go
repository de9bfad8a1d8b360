// Package meter buffers usage increments in memory and flushes them as
// aggregated records.
package meter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/billforge/internal/clock"
	"github.com/smallbiznis/billforge/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/billforge/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxMetadataKeys = 32

// Sink persists a drained batch atomically.
type Sink interface {
	Record(ctx context.Context, records []usagedomain.UsageRecord) (int64, error)
}

type FlushResult struct {
	Flushed   int   `json:"flushed"`
	Failed    int   `json:"failed"`
	Remaining int   `json:"remaining"`
	Err       error `json:"-"`
}

type entryKey struct {
	orgID     string
	usageType string
}

type entry struct {
	key            entryKey
	quantity       int64
	metadata       map[string]any
	firstAt        time.Time
	idempotencyKey string
}

// Meter accumulates increments per (organization, usage type). Flush swaps
// the live map for an empty one under the lock and writes the snapshot
// outside it. A batch whose write fails is retained whole, with the
// idempotency keys it was drained with, and is retried on its own before the
// live map is drained again. A key therefore has at most one retained entry
// and one live entry however long the sink is down, and a write that
// committed but reported failure is not counted twice on retry.
type Meter struct {
	mu       sync.Mutex
	live     map[entryKey]*entry
	retained map[entryKey]*entry

	flushMu sync.Mutex

	sink    Sink
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.BillingMetrics
}

type Params struct {
	fx.In

	Usage   usagedomain.Service
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.BillingMetrics `optional:"true"`
}

func NewMeter(p Params) *Meter {
	return New(p.Usage, p.Clock, p.Log, p.Metrics)
}

func New(sink Sink, clk clock.Clock, log *zap.Logger, m *metrics.BillingMetrics) *Meter {
	return &Meter{
		live:     make(map[entryKey]*entry),
		retained: make(map[entryKey]*entry),
		sink:     sink,
		clock:    clk,
		log:      log.Named("usage.meter"),
		metrics:  m,
	}
}

// Track buffers an increment. It never fails: a non-positive quantity counts
// as one and metadata fields that cannot be encoded are dropped individually.
func (m *Meter) Track(orgID, usageType string, quantity int64, metadata map[string]any) {
	orgID = strings.TrimSpace(orgID)
	usageType = strings.TrimSpace(usageType)
	if orgID == "" || usageType == "" {
		m.log.Warn("usage event without organization or type dropped")
		return
	}
	if quantity <= 0 {
		m.log.Debug("non-positive usage quantity counted as one",
			zap.String("usage_type", usageType),
			zap.Int64("quantity", quantity),
		)
		quantity = 1
	}
	clean := m.sanitizeMetadata(metadata)
	now := m.clock.Now()
	key := entryKey{orgID: orgID, usageType: usageType}

	m.mu.Lock()
	e, ok := m.live[key]
	if !ok {
		e = &entry{key: key, firstAt: now}
		m.live[key] = e
	}
	e.quantity += quantity
	mergeMetadata(e, clean)
	m.mu.Unlock()

	m.metrics.IncUsageTracked(usageType)
}

// BufferSize returns the number of (organization, usage type) keys with
// pending usage, live or retained.
func (m *Meter) BufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingKeysLocked()
}

func (m *Meter) pendingKeysLocked() int {
	n := len(m.live)
	for key := range m.retained {
		if _, ok := m.live[key]; !ok {
			n++
		}
	}
	return n
}

// Flush writes the retained batch, if any, and then the live entries. It
// stops at the first failed write.
func (m *Meter) Flush(ctx context.Context) FlushResult {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	var res FlushResult
	for {
		batch, fromLive := m.nextBatch()
		if len(batch) == 0 {
			break
		}
		if err := m.write(ctx, batch); err != nil {
			m.mu.Lock()
			if fromLive {
				m.retained = batch
			}
			res.Remaining = m.pendingKeysLocked()
			m.mu.Unlock()

			res.Failed = len(batch)
			res.Err = err
			m.log.Warn("usage flush failed, entries retained",
				zap.Int("entries", len(batch)),
				zap.Error(err),
			)
			m.metrics.ObserveUsageFlush(res.Flushed, true, res.Remaining)
			return res
		}

		res.Flushed += len(batch)
		if !fromLive {
			m.mu.Lock()
			m.retained = make(map[entryKey]*entry)
			m.mu.Unlock()
			continue
		}
		break
	}

	res.Remaining = m.BufferSize()
	if res.Flushed > 0 {
		m.metrics.ObserveUsageFlush(res.Flushed, false, res.Remaining)
	}
	return res
}

// nextBatch returns the retained batch when one is pending, otherwise it
// drains the live map and stamps each entry with its idempotency key.
func (m *Meter) nextBatch() (map[entryKey]*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.retained) > 0 {
		return m.retained, false
	}
	if len(m.live) == 0 {
		return nil, true
	}
	drained := m.live
	m.live = make(map[entryKey]*entry)

	flushID := ulid.Make().String()
	for _, e := range drained {
		e.idempotencyKey = fmt.Sprintf("%s:%s:%s", flushID, e.key.orgID, e.key.usageType)
	}
	return drained, true
}

func (m *Meter) write(ctx context.Context, batch map[entryKey]*entry) error {
	records := make([]usagedomain.UsageRecord, 0, len(batch))
	for _, e := range batch {
		records = append(records, usagedomain.UsageRecord{
			OrgID:          e.key.orgID,
			UsageType:      e.key.usageType,
			Quantity:       e.quantity,
			OccurredAt:     e.firstAt,
			Metadata:       e.metadata,
			IdempotencyKey: e.idempotencyKey,
		})
	}
	_, err := m.sink.Record(ctx, records)
	return err
}

func (m *Meter) sanitizeMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	clean := make(map[string]any, len(metadata))
	for k, v := range metadata {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if !encodable(v) {
			m.log.Debug("dropping unencodable usage metadata field", zap.String("field", k))
			continue
		}
		clean[k] = v
	}
	return clean
}

func encodable(v any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_, err := json.Marshal(v)
	return err == nil
}

// mergeMetadata keeps the latest value per field, up to maxMetadataKeys.
func mergeMetadata(e *entry, metadata map[string]any) {
	if len(metadata) == 0 {
		return
	}
	if e.metadata == nil {
		e.metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		if _, exists := e.metadata[k]; !exists && len(e.metadata) >= maxMetadataKeys {
			continue
		}
		e.metadata[k] = v
	}
}
