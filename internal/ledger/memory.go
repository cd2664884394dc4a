// Package ledger keeps the current canonical status of every payment so that
// repeated webhooks and status polls are idempotent.
package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/noah-isme/adpay-gateway/internal/payment"
)

// ErrInvalidTransition is returned for transitions missing identity or carrying
// a status outside the canonical vocabulary.
var ErrInvalidTransition = errors.New("ledger: invalid transition")

var (
	_ payment.Recorder     = (*Memory)(nil)
	_ payment.StatusReader = (*Memory)(nil)
	_ payment.Recorder     = (*Redis)(nil)
	_ payment.StatusReader = (*Redis)(nil)
)

// Memory is an in-process Recorder for tests and single-instance deployments.
type Memory struct {
	mu      sync.Mutex
	entries map[string]payment.Transition
}

// NewMemory constructs an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]payment.Transition)}
}

func (m *Memory) Record(_ context.Context, t payment.Transition) (payment.Status, payment.RecordOutcome, error) {
	if err := validate(t); err != nil {
		return "", "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entryKey(t.Provider, t.PaymentID)
	current, ok := m.entries[key]
	status, outcome := payment.Decide(current.Status, ok, t.Status)
	if outcome == payment.RecordApplied {
		m.entries[key] = t
	}
	return status, outcome, nil
}

// Get returns the stored transition for a payment.
func (m *Memory) Get(_ context.Context, provider, paymentID string) (payment.Transition, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.entries[entryKey(provider, paymentID)]
	return t, ok, nil
}

func validate(t payment.Transition) error {
	if t.Provider == "" || t.PaymentID == "" || !t.Status.Valid() {
		return ErrInvalidTransition
	}
	return nil
}

func entryKey(provider, paymentID string) string {
	return provider + ":" + paymentID
}
