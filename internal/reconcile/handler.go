package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/adpay-gateway/internal/lock"
	"github.com/noah-isme/adpay-gateway/internal/obs"
	"github.com/noah-isme/adpay-gateway/internal/payment"
)

// Poller is satisfied by *payment.Service.
type Poller interface {
	PollStatus(ctx context.Context, provider, paymentID string) (payment.Status, error)
}

// Handler processes reconciliation tasks.
type Handler struct {
	Poller    Poller
	Scheduler *Scheduler
	// Locker, when set, keeps two workers from polling the same payment at once.
	Locker  *lock.Locker
	LockTTL time.Duration
	Logger  zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("reconcile: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.Provider == "" || p.PaymentID == "" {
		return fmt.Errorf("reconcile: payload without payment identity: %w", asynq.SkipRetry)
	}
	if h.Locker == nil {
		return h.reconcile(ctx, p)
	}
	ttl := h.LockTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	err := h.Locker.TryWithLock(ctx, "reconcile:"+p.Provider+":"+p.PaymentID, ttl, func(ctx context.Context) error {
		return h.reconcile(ctx, p)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		h.Logger.Debug().Str("provider", p.Provider).Str("payment_id", p.PaymentID).Msg("reconcile already running")
		return nil
	}
	return err
}

func (h *Handler) reconcile(ctx context.Context, p Payload) error {
	logger := h.Logger.With().
		Str("provider", p.Provider).
		Str("payment_id", p.PaymentID).
		Int("attempt", p.Attempt).
		Logger()

	status, err := h.Poller.PollStatus(ctx, p.Provider, p.PaymentID)
	switch {
	case errors.Is(err, payment.ErrUnknownProvider):
		observe(p.Provider, "unknown_provider")
		return fmt.Errorf("reconcile: %w: %w", err, asynq.SkipRetry)
	case errors.Is(err, payment.ErrStatusUnavailable):
		logger.Warn().Err(err).Msg("status unavailable, polling again later")
		observe(p.Provider, "unavailable")
		status = payment.StatusPending
	case err != nil:
		observe(p.Provider, "error")
		return err
	}

	if status.IsTerminal() {
		observe(p.Provider, "settled")
		logger.Info().Str("status", string(status)).Msg("payment settled")
		return nil
	}
	if h.Scheduler == nil {
		observe(p.Provider, "pending")
		return nil
	}
	queued, err := h.Scheduler.Reschedule(ctx, p)
	if err != nil {
		return err
	}
	if !queued {
		observe(p.Provider, "window_closed")
		logger.Warn().Time("deadline", p.Deadline).Msg("reconcile window closed with payment still pending")
		return nil
	}
	observe(p.Provider, "pending")
	return nil
}

func observe(provider, result string) {
	if obs.PaymentReconcileTotal != nil {
		obs.PaymentReconcileTotal.WithLabelValues(provider, result).Inc()
	}
}
