package domain

import "github.com/smallbiznis/billforge/pkg/apperr"

var (
	ErrInvalidSignature = apperr.New(apperr.KindUnauthorized, "invalid_signature")
	ErrInvalidPayload   = apperr.Validation("body", "invalid_payload", "webhook payload is not valid JSON")
	ErrMissingEventType = apperr.Validation("event", "missing_event_type", "webhook payload has no event type")
	ErrOrgUnresolved    = apperr.New(apperr.KindNotFound, "organization_unresolved")
)
