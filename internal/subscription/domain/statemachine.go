package domain

import "github.com/smallbiznis/billforge/pkg/apperr"

// Cause names the event behind a status transition.
type Cause string

const (
	CauseChargeSucceeded    Cause = "charge_succeeded"
	CausePaymentMethodAdded Cause = "payment_method_added"
	CausePlanUpgrade        Cause = "plan_upgrade"
	CauseTrialExpired       Cause = "trial_expired"
	CausePaymentFailed      Cause = "payment_failed"
	CauseRetrySucceeded     Cause = "retry_succeeded"
	CauseRetriesExhausted   Cause = "retries_exhausted"
	CausePeriodEndCancel    Cause = "period_end_cancel"
	CauseProcessorDisabled  Cause = "processor_disabled"
)

type edge struct {
	from SubscriptionStatus
	to   SubscriptionStatus
}

// transitions lists every permitted status change and the causes that may
// drive it. Paused has no inbound edge.
var transitions = map[edge][]Cause{
	{StatusIncomplete, StatusActive}:   {CauseChargeSucceeded},
	{StatusIncomplete, StatusCanceled}: {CauseProcessorDisabled},
	{StatusTrialing, StatusActive}:     {CauseChargeSucceeded, CausePaymentMethodAdded, CausePlanUpgrade},
	{StatusTrialing, StatusCanceled}:   {CauseTrialExpired, CauseProcessorDisabled},
	{StatusTrialing, StatusPastDue}:    {CauseTrialExpired},
	{StatusActive, StatusPastDue}:      {CausePaymentFailed},
	{StatusPastDue, StatusActive}:      {CauseRetrySucceeded, CauseChargeSucceeded, CausePlanUpgrade},
	{StatusPastDue, StatusCanceled}:    {CauseRetriesExhausted, CausePeriodEndCancel, CauseProcessorDisabled},
	{StatusActive, StatusCanceled}:     {CausePeriodEndCancel, CauseProcessorDisabled},
}

// CanTransition reports whether cause may move a subscription from one
// status to another.
func CanTransition(from, to SubscriptionStatus, cause Cause) bool {
	for _, c := range transitions[edge{from, to}] {
		if c == cause {
			return true
		}
	}
	return false
}

// CheckTransition returns an InvalidState error naming the attempted
// transition when it is not permitted.
func CheckTransition(from, to SubscriptionStatus, cause Cause) error {
	if CanTransition(from, to, cause) {
		return nil
	}
	return ErrInvalidTransition.WithMessage("cannot transition subscription from %s to %s (%s)", from, to, cause)
}

var ErrInvalidTransition = apperr.New(apperr.KindInvalidState, "invalid_transition")
