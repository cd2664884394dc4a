// Package reconcile polls providers for payments that have not settled through
// a webhook yet. Polls run as delayed asynq tasks with a growing interval until
// the payment reaches a terminal status or its window closes.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/adpay-gateway/internal/resilience"
)

// TaskType is the asynq task name of a reconciliation poll.
const TaskType = "payment:reconcile"

// Payload identifies the payment a poll is for.
type Payload struct {
	Provider  string    `json:"provider"`
	PaymentID string    `json:"paymentId"`
	Attempt   int       `json:"attempt"`
	Deadline  time.Time `json:"deadline"`
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Policy controls poll spacing.
type Policy struct {
	// FirstDelay is the wait before the first poll.
	FirstDelay time.Duration
	// BaseDelay doubles with every further attempt, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Window bounds how long after creation a payment is polled.
	Window time.Duration
	Jitter float64
	Queue  string
}

func (p Policy) withDefaults() Policy {
	if p.FirstDelay <= 0 {
		p.FirstDelay = time.Minute
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Minute
	}
	if p.Window <= 0 {
		p.Window = 24 * time.Hour
	}
	if p.Queue == "" {
		p.Queue = "reconcile"
	}
	return p
}

// Scheduler enqueues reconciliation polls. It implements payment.ReconcileScheduler.
type Scheduler struct {
	Client Enqueuer
	Policy Policy
	now    func() time.Time
}

// NewScheduler constructs a Scheduler with defaults applied to policy.
func NewScheduler(client Enqueuer, policy Policy) *Scheduler {
	return &Scheduler{Client: client, Policy: policy.withDefaults(), now: time.Now}
}

// ScheduleReconcile enqueues the first poll for a freshly created payment.
func (s *Scheduler) ScheduleReconcile(ctx context.Context, provider, paymentID string) error {
	p := Payload{
		Provider:  provider,
		PaymentID: paymentID,
		Attempt:   1,
		Deadline:  s.now().Add(s.Policy.Window).UTC(),
	}
	return s.enqueue(ctx, p, s.Policy.FirstDelay)
}

// Reschedule enqueues the poll following p. It reports false without
// enqueueing when the next poll would fall past the payment's deadline.
func (s *Scheduler) Reschedule(ctx context.Context, p Payload) (bool, error) {
	next := p
	next.Attempt = p.Attempt + 1
	delay := s.Delay(next.Attempt)
	if !p.Deadline.IsZero() && s.now().Add(delay).After(p.Deadline) {
		return false, nil
	}
	if err := s.enqueue(ctx, next, delay); err != nil {
		return false, err
	}
	return true, nil
}

// Delay returns the wait before poll number attempt.
func (s *Scheduler) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return s.Policy.FirstDelay
	}
	d := resilience.Backoff(s.Policy.BaseDelay, attempt-1, s.Policy.Jitter)
	if d > s.Policy.MaxDelay {
		d = s.Policy.MaxDelay
	}
	return d
}

func (s *Scheduler) enqueue(ctx context.Context, p Payload, delay time.Duration) error {
	if s.Client == nil {
		return errors.New("reconcile: task client not configured")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("reconcile: encode payload: %w", err)
	}
	_, err = s.Client.EnqueueContext(ctx, asynq.NewTask(TaskType, raw),
		asynq.TaskID(taskID(p)),
		asynq.ProcessIn(delay),
		asynq.Queue(s.Policy.Queue),
		asynq.MaxRetry(3),
		asynq.Timeout(2*time.Minute),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile: enqueue %s/%s: %w", p.Provider, p.PaymentID, err)
	}
	return nil
}

func taskID(p Payload) string {
	return fmt.Sprintf("reconcile:%s:%s:%d", p.Provider, p.PaymentID, p.Attempt)
}
