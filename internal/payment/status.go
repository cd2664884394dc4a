package payment

import "strings"

// Status is the canonical payment status every provider maps into.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// AllStatuses lists the closed set of canonical statuses.
var AllStatuses = []Status{StatusPending, StatusPaid, StatusFailed, StatusExpired, StatusCancelled}

// IsTerminal reports whether no further transition is allowed from s.
// PENDING is the only non-terminal status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s belongs to the canonical vocabulary.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// ParseStatus converts a stored status label back into the canonical value.
// Unknown labels fail closed.
func ParseStatus(value string) Status {
	s := Status(strings.ToUpper(strings.TrimSpace(value)))
	if s.Valid() {
		return s
	}
	return StatusFailed
}

// statusTable maps a provider's native vocabulary into canonical statuses.
type statusTable map[string]Status

// lookup returns the canonical status for native, routing anything outside the
// table to FAILED.
func (t statusTable) lookup(native string) Status {
	if s, ok := t[strings.ToLower(strings.TrimSpace(native))]; ok {
		return s
	}
	return StatusFailed
}

var yookassaStatuses = statusTable{
	"succeeded":           StatusPaid,
	"pending":             StatusPending,
	"waiting_for_capture": StatusPending,
	"canceled":            StatusCancelled,
}

var stripeStatuses = statusTable{
	"paid":   StatusPaid,
	"unpaid": StatusPending,
}

var nowPaymentsStatuses = statusTable{
	"waiting":        StatusPending,
	"confirming":     StatusPending,
	"partially_paid": StatusPending,
	"confirmed":      StatusPaid,
	"sending":        StatusPaid,
	"finished":       StatusPaid,
	"failed":         StatusFailed,
	"refunded":       StatusCancelled,
	"expired":        StatusExpired,
}

// MapYookassaStatus converts a Yookassa payment status.
func MapYookassaStatus(native string) Status { return yookassaStatuses.lookup(native) }

// MapStripeStatus converts a Stripe checkout session payment_status.
func MapStripeStatus(native string) Status { return stripeStatuses.lookup(native) }

// MapNOWPaymentsStatus converts a NOWPayments payment_status.
func MapNOWPaymentsStatus(native string) Status { return nowPaymentsStatuses.lookup(native) }
