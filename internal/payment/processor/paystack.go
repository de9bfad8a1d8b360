package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/billforge/internal/observability/metrics"
	"github.com/smallbiznis/billforge/pkg/apperr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

type PaystackConfig struct {
	BaseURL    string
	SecretKey  string
	Timeout    time.Duration
	MaxRetries int
}

// PaystackClient implements Client against the Paystack REST API. Invoices
// map to payment requests.
type PaystackClient struct {
	baseURL    string
	secretKey  string
	maxRetries uint
	http       *http.Client
	log        *zap.Logger
	metrics    *metrics.BillingMetrics
	backoff    func() backoff.BackOff
}

func NewPaystackClient(cfg PaystackConfig, log *zap.Logger, m *metrics.BillingMetrics) *PaystackClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &PaystackClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:  cfg.SecretKey,
		maxRetries: uint(retries),
		http:       &http.Client{Timeout: timeout},
		log:        log.Named("payment.processor"),
		metrics:    m,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paymentRequest struct {
	ID          int64  `json:"id"`
	RequestCode string `json:"request_code"`
	Status      string `json:"status"`
	Paid        bool   `json:"paid"`
	PaidAt      string `json:"paid_at"`
}

type subscriptionData struct {
	SubscriptionCode string `json:"subscription_code"`
	Status           string `json:"status"`
	Customer         struct {
		CustomerCode string `json:"customer_code"`
	} `json:"customer"`
	Plan struct {
		PlanCode string `json:"plan_code"`
	} `json:"plan"`
}

func (c *PaystackClient) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error) {
	if strings.TrimSpace(req.CustomerRef) == "" {
		return nil, apperr.Validation("customer", "missing_customer_ref", "customer reference is required")
	}
	body := map[string]any{
		"customer":    req.CustomerRef,
		"amount":      req.Amount,
		"currency":    req.Currency,
		"description": req.Description,
		"line_items":  req.LineItems,
		"metadata":    req.Metadata,
	}
	if !req.DueDate.IsZero() {
		body["due_date"] = req.DueDate.UTC().Format("2006-01-02")
	}

	var data paymentRequest
	if err := c.do(ctx, "create_invoice", http.MethodPost, "/paymentrequest", req.IdempotencyKey, body, &data); err != nil {
		return nil, err
	}
	return data.toInvoice(), nil
}

func (c *PaystackClient) FetchInvoice(ctx context.Context, ref string) (*Invoice, error) {
	var data paymentRequest
	if err := c.do(ctx, "fetch_invoice", http.MethodGet, "/paymentrequest/"+url.PathEscape(ref), "", nil, &data); err != nil {
		return nil, err
	}
	return data.toInvoice(), nil
}

func (c *PaystackClient) FetchSubscription(ctx context.Context, ref string) (*Subscription, error) {
	var data subscriptionData
	if err := c.do(ctx, "fetch_subscription", http.MethodGet, "/subscription/"+url.PathEscape(ref), "", nil, &data); err != nil {
		return nil, err
	}
	return &Subscription{
		Ref:         data.SubscriptionCode,
		CustomerRef: data.Customer.CustomerCode,
		PlanCode:    data.Plan.PlanCode,
		Status:      strings.ToLower(data.Status),
	}, nil
}

func (p paymentRequest) toInvoice() *Invoice {
	inv := &Invoice{Ref: p.RequestCode, Status: InvoiceStatusPending}
	if inv.Ref == "" && p.ID != 0 {
		inv.Ref = strconv.FormatInt(p.ID, 10)
	}
	switch strings.ToLower(p.Status) {
	case "success", "paid":
		inv.Status = InvoiceStatusPaid
	case "failed", "abandoned":
		inv.Status = InvoiceStatusFailed
	case "cancelled", "void", "archived":
		inv.Status = InvoiceStatusVoid
	}
	if p.Paid {
		inv.Status = InvoiceStatusPaid
	}
	if p.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, p.PaidAt); err == nil {
			t = t.UTC()
			inv.PaidAt = &t
		}
	}
	return inv
}

// do performs one logical call. Network errors, 429 and 5xx responses are
// retried; anything else is permanent.
func (c *PaystackClient) do(ctx context.Context, op, method, path, idempotencyKey string, body any, out any) error {
	ctx, span := otel.Tracer("billforge/payment").Start(ctx, "processor."+op)
	defer span.End()
	span.SetAttributes(attribute.String("processor.operation", op))

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return apperr.Wrap(apperr.KindInternal, "processor_encode", err)
		}
	}

	start := time.Now()
	attempt := 0
	raw, err := backoff.Retry(ctx, func() (json.RawMessage, error) {
		attempt++
		return c.roundTrip(ctx, method, path, idempotencyKey, payload)
	},
		backoff.WithBackOff(c.backoff()),
		backoff.WithMaxTries(c.maxRetries),
	)
	c.metrics.ObserveProcessorCall(op, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Warn("processor call failed",
			zap.String("operation", op),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		var classified *apperr.Error
		if errors.As(err, &classified) {
			return err
		}
		return apperr.Wrap(apperr.KindExternalProcessor, ErrRequestFailed.Code, err)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return apperr.Wrap(apperr.KindExternalProcessor, "processor_decode", err)
		}
	}
	return nil
}

func (c *PaystackClient) roundTrip(ctx context.Context, method, path, idempotencyKey string, payload []byte) (json.RawMessage, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if wait := retryAfter(resp.Header.Get("Retry-After")); wait > 0 {
			return nil, backoff.RetryAfter(int(wait.Seconds()))
		}
		return nil, fmt.Errorf("processor rate limited (%d)", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("processor unavailable (%d)", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(ErrNotFound.WithMessage("%s %s", method, path))
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(apperr.Wrap(apperr.KindExternalProcessor, ErrRequestFailed.Code,
			fmt.Errorf("processor rejected request (%d): %s", resp.StatusCode, message(data))))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode processor response: %w", err))
	}
	if !env.Status {
		return nil, backoff.Permanent(apperr.Wrap(apperr.KindExternalProcessor, ErrRequestFailed.Code,
			errors.New(env.Message)))
	}
	return env.Data, nil
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	if secs > 5 {
		secs = 5
	}
	return time.Duration(secs) * time.Second
}

func message(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		return env.Message
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
