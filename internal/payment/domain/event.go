package domain

const (
	EventSubscriptionCreated   = "subscription.create"
	EventSubscriptionDisabled  = "subscription.disable"
	EventChargeSucceeded       = "charge.success"
	EventPaymentRequestSuccess = "paymentrequest.success"
	EventInvoicePaymentFailed  = "invoice.payment_failed"
)

// Event is the closed set of processor events the reconciler understands.
type Event interface {
	ExternalID() string
	Type() string
	Hint() OrgHint
	isEvent()
}

// OrgHint carries every identifier that may lead to the owning organization.
type OrgHint struct {
	OrgID           string
	SubscriptionRef string
	CustomerRef     string
	TransactionRef  string
}

// EventBase holds the fields every event shares.
type EventBase struct {
	EventID   string
	EventType string
	Org       OrgHint
}

func (b EventBase) ExternalID() string { return b.EventID }
func (b EventBase) Type() string       { return b.EventType }
func (b EventBase) Hint() OrgHint      { return b.Org }
func (EventBase) isEvent()             {}

type SubscriptionCreated struct {
	EventBase
	SubscriptionRef string
	CustomerRef     string
	PlanCode        string
	Status          string
}

type SubscriptionDisabled struct {
	EventBase
	SubscriptionRef string
	CustomerRef     string
}

// ChargeSucceeded covers one-off charges and paid payment requests.
type ChargeSucceeded struct {
	EventBase
	Reference       string
	Amount          int64
	Currency        string
	InvoiceID       string
	InvoiceRef      string
	SubscriptionRef string
	CustomerRef     string
}

type InvoicePaymentFailed struct {
	EventBase
	InvoiceID       string
	InvoiceRef      string
	SubscriptionRef string
	CustomerRef     string
}

// UnknownEvent is any event type the reconciler ignores.
type UnknownEvent struct {
	EventBase
}
