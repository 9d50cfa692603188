package dispatch

import (
	"context"
	"time"

	"github.com/malwarebo/mentorpay/models"
	"github.com/malwarebo/mentorpay/utils"
)

type OutboxStore interface {
	Enqueue(ctx context.Context, event *models.DispatchEvent) (bool, error)
	GetPendingEvents(ctx context.Context, limit int) ([]*models.DispatchEvent, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, attempts int, errMsg string, scheduleRetry bool) error
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type OutboxConfig struct {
	MaxAttempts  int
	PollInterval time.Duration
	BatchSize    int
	StaleAfter   time.Duration
}

// Outbox is the database-backed dispatch channel. Events are rows in
// dispatch_events, polled and delivered in-process.
type Outbox struct {
	store OutboxStore
	cfg   OutboxConfig
}

func CreateOutbox(store OutboxStore, cfg OutboxConfig) *Outbox {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Outbox{store: store, cfg: cfg}
}

// Dispatch stores the event. A second dispatch for the same payment and
// topic is absorbed.
func (o *Outbox) Dispatch(ctx context.Context, event *Event) error {
	inserted, err := o.store.Enqueue(ctx, &models.DispatchEvent{
		Topic:       event.Topic,
		PaymentID:   event.PaymentID,
		Payload:     []byte(event.Payload),
		MaxAttempts: o.cfg.MaxAttempts,
	})
	if err != nil {
		return utils.TransientFailure("dispatch.enqueue", err)
	}
	if !inserted {
		utils.Debug(ctx, "dispatch event already queued", map[string]interface{}{
			"topic":      event.Topic,
			"payment_id": event.PaymentID,
		})
	}
	return nil
}

func (o *Outbox) Consume(ctx context.Context, handler Handler) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := o.Poll(ctx, handler); err != nil {
			utils.LogError(ctx, err, "outbox poll failed", nil)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll delivers one batch of due events and returns how many were claimed.
func (o *Outbox) Poll(ctx context.Context, handler Handler) (int, error) {
	if n, err := o.store.RequeueStale(ctx, o.cfg.StaleAfter); err != nil {
		return 0, err
	} else if n > 0 {
		utils.Warn(ctx, "requeued stale outbox events", map[string]interface{}{"count": n})
	}

	rows, err := o.store.GetPendingEvents(ctx, o.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		ok, err := o.store.MarkProcessing(ctx, row.ID)
		if err != nil {
			return claimed, err
		}
		if !ok {
			continue
		}
		claimed++
		o.deliver(ctx, row, handler)
	}
	return claimed, nil
}

func (o *Outbox) deliver(ctx context.Context, row *models.DispatchEvent, handler Handler) {
	attempt := row.Attempts + 1
	maxAttempts := row.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = o.cfg.MaxAttempts
	}

	event := &Event{
		ID:         row.ID,
		Topic:      row.Topic,
		PaymentID:  row.PaymentID,
		Payload:    []byte(row.Payload),
		Attempt:    attempt,
		OccurredAt: row.CreatedAt,
	}

	handlerErr := handler(ctx, event)
	act := decide(handlerErr, attempt, maxAttempts)
	logOutcome(ctx, event, act, handlerErr)

	var err error
	switch act {
	case actionAck:
		err = o.store.MarkCompleted(ctx, row.ID)
	case actionRetry:
		err = o.store.MarkFailed(ctx, row.ID, attempt, handlerErr.Error(), true)
	case actionPark:
		err = o.store.MarkFailed(ctx, row.ID, attempt, handlerErr.Error(), false)
	}
	if err != nil {
		utils.LogError(ctx, err, "failed to record outbox delivery", map[string]interface{}{
			"event_id": row.ID,
		})
	}
}
