package webhook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	paymentdomain "github.com/smallbiznis/billforge/internal/payment/domain"
)

type envelope struct {
	ID    json.RawMessage `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type eventData struct {
	ID               json.RawMessage `json:"id"`
	Reference        string          `json:"reference"`
	RequestCode      string          `json:"request_code"`
	InvoiceCode      string          `json:"invoice_code"`
	SubscriptionCode string          `json:"subscription_code"`
	Status           string          `json:"status"`
	Amount           int64           `json:"amount"`
	Currency         string          `json:"currency"`
	Metadata         json.RawMessage `json:"metadata"`
	Customer         json.RawMessage `json:"customer"`
	Plan             json.RawMessage `json:"plan"`
	Subscription     json.RawMessage `json:"subscription"`
}

type customerData struct {
	CustomerCode string          `json:"customer_code"`
	Metadata     json.RawMessage `json:"metadata"`
}

type planData struct {
	PlanCode string `json:"plan_code"`
}

type subscriptionData struct {
	SubscriptionCode string `json:"subscription_code"`
}

// Parse decodes a raw processor payload into one of the known events.
// Unknown event types parse to UnknownEvent so they can be acknowledged.
func Parse(rawBody []byte) (paymentdomain.Event, error) {
	var env envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	eventType := strings.TrimSpace(env.Event)
	if eventType == "" {
		return nil, paymentdomain.ErrMissingEventType
	}

	var data eventData
	if len(env.Data) > 0 && env.Data[0] == '{' {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
	}

	var customer customerData
	decodeObject(data.Customer, &customer)
	var planInfo planData
	decodeObject(data.Plan, &planInfo)
	var subInfo subscriptionData
	decodeObject(data.Subscription, &subInfo)

	metadata := map[string]any{}
	decodeObject(customer.Metadata, &metadata)
	decodeObject(data.Metadata, &metadata)

	subscriptionRef := firstNonEmpty(data.SubscriptionCode, subInfo.SubscriptionCode)
	hint := paymentdomain.OrgHint{
		OrgID:           metadataString(metadata, "organizationId", "organization_id", "orgId", "org_id"),
		SubscriptionRef: subscriptionRef,
		CustomerRef:     customer.CustomerCode,
		TransactionRef:  data.Reference,
	}
	eventBase := paymentdomain.EventBase{
		EventID:   externalID(env, eventType, data, rawBody),
		EventType: eventType,
		Org:       hint,
	}

	switch eventType {
	case paymentdomain.EventSubscriptionCreated:
		return paymentdomain.SubscriptionCreated{
			EventBase:       eventBase,
			SubscriptionRef: subscriptionRef,
			CustomerRef:     customer.CustomerCode,
			PlanCode:        planInfo.PlanCode,
			Status:          strings.ToLower(data.Status),
		}, nil
	case paymentdomain.EventSubscriptionDisabled:
		return paymentdomain.SubscriptionDisabled{
			EventBase:       eventBase,
			SubscriptionRef: subscriptionRef,
			CustomerRef:     customer.CustomerCode,
		}, nil
	case paymentdomain.EventChargeSucceeded, paymentdomain.EventPaymentRequestSuccess:
		return paymentdomain.ChargeSucceeded{
			EventBase:       eventBase,
			Reference:       data.Reference,
			Amount:          data.Amount,
			Currency:        strings.ToUpper(data.Currency),
			InvoiceID:       metadataString(metadata, "invoiceId", "invoice_id"),
			InvoiceRef:      firstNonEmpty(data.RequestCode, data.InvoiceCode),
			SubscriptionRef: subscriptionRef,
			CustomerRef:     customer.CustomerCode,
		}, nil
	case paymentdomain.EventInvoicePaymentFailed:
		return paymentdomain.InvoicePaymentFailed{
			EventBase:       eventBase,
			InvoiceID:       metadataString(metadata, "invoiceId", "invoice_id"),
			InvoiceRef:      firstNonEmpty(data.InvoiceCode, data.RequestCode),
			SubscriptionRef: subscriptionRef,
			CustomerRef:     customer.CustomerCode,
		}, nil
	default:
		return paymentdomain.UnknownEvent{EventBase: eventBase}, nil
	}
}

// externalID prefers the payload id, then the event type joined with the data
// id or reference, then a digest of the body.
func externalID(env envelope, eventType string, data eventData, rawBody []byte) string {
	if id := rawScalar(env.ID); id != "" {
		return id
	}
	if id := rawScalar(data.ID); id != "" {
		return eventType + ":" + id
	}
	if ref := firstNonEmpty(data.Reference, data.RequestCode, data.InvoiceCode, data.SubscriptionCode); ref != "" {
		return eventType + ":" + ref
	}
	sum := sha256.Sum256(rawBody)
	return eventType + ":" + hex.EncodeToString(sum[:])
}

func rawScalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// decodeObject fills out from raw when raw is a JSON object. Processors send
// empty strings or arrays in place of absent objects.
func decodeObject(raw json.RawMessage, out any) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	_ = dec.Decode(out)
}

func metadataString(metadata map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := metadata[key].(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
