package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Transition is a canonical status observation for one payment.
type Transition struct {
	Provider      string          `json:"provider"`
	PaymentID     string          `json:"paymentId"`
	Status        Status          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
	Source        string          `json:"source"`
	ObservedAt    time.Time       `json:"observedAt"`
}

// RecordOutcome describes what a Recorder did with a transition.
type RecordOutcome string

const (
	// RecordApplied means the transition changed the stored status.
	RecordApplied RecordOutcome = "applied"
	// RecordUnchanged means the same status was already stored.
	RecordUnchanged RecordOutcome = "unchanged"
	// RecordRejected means a different terminal status is already stored and was kept.
	RecordRejected RecordOutcome = "rejected"
)

// Recorder persists the current canonical status per payment. Terminal
// statuses never change once stored and repeating a transition is a no-op.
type Recorder interface {
	Record(ctx context.Context, t Transition) (Status, RecordOutcome, error)
}

// StatusReader reads back the stored status of a payment.
type StatusReader interface {
	Get(ctx context.Context, provider, paymentID string) (Transition, bool, error)
}

// ReconcileScheduler arranges delayed status polls for a freshly created payment.
type ReconcileScheduler interface {
	ScheduleReconcile(ctx context.Context, provider, paymentID string) error
}

// Decide applies the terminal-state rules to a stored status and an incoming one.
// It returns the status to keep and the outcome.
func Decide(current Status, hasCurrent bool, incoming Status) (Status, RecordOutcome) {
	switch {
	case !hasCurrent:
		return incoming, RecordApplied
	case current == incoming:
		return current, RecordUnchanged
	case current.IsTerminal():
		return current, RecordRejected
	default:
		return incoming, RecordApplied
	}
}
