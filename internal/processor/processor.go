package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mingning179/smsmonitor/internal/cache"
	"github.com/mingning179/smsmonitor/internal/filter"
	"github.com/mingning179/smsmonitor/internal/model"
	"github.com/mingning179/smsmonitor/internal/push"
	"github.com/mingning179/smsmonitor/internal/store"
)

// ErrRecordNotRetryable is returned by Retry for records that are already
// delivered or have no attempts left.
var ErrRecordNotRetryable = errors.New("record is not retryable")

const (
	defaultRetryDelay    = time.Second
	defaultDispatchDelay = 500 * time.Millisecond
)

// Processor drives messages through filtering, persistence, fan-out to
// the push backends and delivery-state reconciliation. Message status is
// never written directly by business logic; it is always recomputed from
// the message's delivery records.
type Processor struct {
	messages store.MessageStore
	records  store.DeliveryRecordStore
	registry *push.Registry
	filter   *filter.Filter
	cache    cache.DeliveryCache // optional

	retention time.Duration

	// pacing between consecutive network sends, shortened in tests
	retryDelay    time.Duration
	dispatchDelay time.Duration
}

type Option func(*Processor)

// WithCache enables best-effort caching of delivery outcomes.
func WithCache(c cache.DeliveryCache) Option {
	return func(p *Processor) { p.cache = c }
}

func WithRetention(d time.Duration) Option {
	return func(p *Processor) { p.retention = d }
}

func WithDelays(retry, dispatch time.Duration) Option {
	return func(p *Processor) {
		p.retryDelay = retry
		p.dispatchDelay = dispatch
	}
}

func New(messages store.MessageStore, records store.DeliveryRecordStore, registry *push.Registry, f *filter.Filter, opts ...Option) *Processor {
	p := &Processor{
		messages:      messages,
		records:       records,
		registry:      registry,
		filter:        f,
		retention:     model.DefaultRetentionDays * 24 * time.Hour,
		retryDelay:    defaultRetryDelay,
		dispatchDelay: defaultDispatchDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleIncoming runs the filter and, for accepted messages, persists the
// message and fans it out to the enabled backends. The returned bool is
// false when the filter rejected the message; rejected messages leave no
// trace.
func (p *Processor) HandleIncoming(ctx context.Context, sender, content string, timestamp time.Time, subscriptionID int) (int64, bool, error) {
	if !p.filter.Accepts(sender, content) {
		slog.Debug("message rejected by filter", "sender", sender)
		return 0, false, nil
	}

	id, err := p.messages.Save(ctx, sender, content, timestamp, subscriptionID)
	if err != nil {
		return 0, false, fmt.Errorf("save message: %w", err)
	}
	slog.Info("message accepted", "id", id, "sender", sender)

	if err := p.Dispatch(ctx, id); err != nil {
		slog.Error("dispatch failed", "id", id, "error", err)
	}
	return id, true, nil
}

// Dispatch delivers a message to every enabled backend that has no
// delivery record for it yet. Backends with an existing record, failed
// included, are left to the budgeted retry path. With no backend enabled
// the message succeeds vacuously.
func (p *Processor) Dispatch(ctx context.Context, messageID int64) error {
	msg, err := p.messages.GetByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load message %d: %w", messageID, err)
	}

	enabled := p.registry.Enabled()
	if len(enabled) == 0 {
		slog.Info("no backend enabled, marking delivered", "id", messageID)
		return p.messages.UpdateStatus(ctx, messageID, model.StatusSuccess)
	}

	attempted, err := p.records.GetAllBackendTypes(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load attempted backends: %w", err)
	}

	payload := push.Message{
		Sender:         msg.Sender,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		SubscriptionID: msg.SubscriptionID,
	}

	for i, backend := range enabled {
		if attempted[backend.Type()] {
			continue
		}
		if i > 0 && p.dispatchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.dispatchDelay):
			}
		}
		p.attempt(ctx, messageID, backend, payload)
	}

	return p.Reconcile(ctx, messageID)
}

// attempt sends to one backend and records the outcome. Panics in a
// backend become a failed record; they never take down the caller's loop.
func (p *Processor) attempt(ctx context.Context, messageID int64, backend push.Backend, payload push.Message) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("backend panic: %v", r)
			}
		}()
		return backend.Send(ctx, payload)
	}()

	status := model.StatusSuccess
	errMsg := ""
	if err != nil {
		status = model.StatusFailed
		errMsg = err.Error()
		slog.Warn("delivery failed", "id", messageID, "backend", backend.Type(), "error", err)
	} else {
		slog.Info("delivery succeeded", "id", messageID, "backend", backend.Type())
	}

	if _, uerr := p.records.Upsert(ctx, messageID, backend.Type(), backend.Name(), status, errMsg); uerr != nil {
		slog.Error("record upsert failed", "id", messageID, "backend", backend.Type(), "error", uerr)
		return
	}

	if p.cache != nil {
		if cerr := p.cache.StoreDelivery(ctx, messageID, backend.Type(), status, time.Now()); cerr != nil {
			slog.Warn("delivery cache write failed", "id", messageID, "error", cerr)
		}
	}
}

// Retry re-attempts one delivery record. Records that already succeeded
// return ErrRecordNotRetryable; records past the retry budget are
// finalized as failed without touching the network. Every retry consumes
// budget even when the failure is config-level.
func (p *Processor) Retry(ctx context.Context, recordID int64) error {
	rec, err := p.records.GetByID(ctx, recordID)
	if err != nil {
		return fmt.Errorf("load record %d: %w", recordID, err)
	}

	if rec.Status == model.StatusSuccess {
		return ErrRecordNotRetryable
	}
	if rec.RetryCount >= model.MaxRetryCount {
		if err := p.records.UpdateStatus(ctx, recordID, model.StatusFailed, "max retries reached"); err != nil {
			return err
		}
		if err := p.Reconcile(ctx, rec.MessageID); err != nil {
			return err
		}
		return ErrRecordNotRetryable
	}

	if _, err := p.records.IncrementRetryCount(ctx, recordID); err != nil {
		return fmt.Errorf("increment retry count: %w", err)
	}

	msg, err := p.messages.GetByID(ctx, rec.MessageID)
	if err != nil {
		return fmt.Errorf("load message %d: %w", rec.MessageID, err)
	}

	backend, ok := p.registry.Get(rec.BackendType)
	if !ok {
		if err := p.records.UpdateStatus(ctx, recordID, model.StatusFailed, "backend not registered"); err != nil {
			return err
		}
		return p.Reconcile(ctx, rec.MessageID)
	}

	p.attempt(ctx, rec.MessageID, backend, push.Message{
		Sender:         msg.Sender,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		SubscriptionID: msg.SubscriptionID,
	})
	return p.Reconcile(ctx, rec.MessageID)
}

// RetryAllRetryable sweeps every failed record still within budget,
// pacing the attempts.
func (p *Processor) RetryAllRetryable(ctx context.Context) error {
	retryable, err := p.records.GetRetryable(ctx)
	if err != nil {
		return fmt.Errorf("list retryable records: %w", err)
	}
	if len(retryable) == 0 {
		return nil
	}
	slog.Info("retrying failed deliveries", "count", len(retryable))

	for i, rec := range retryable {
		if i > 0 && p.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.retryDelay):
			}
		}
		if err := p.Retry(ctx, rec.ID); err != nil && !errors.Is(err, ErrRecordNotRetryable) {
			slog.Error("retry failed", "record", rec.ID, "error", err)
		}
	}
	return nil
}

// FinalizeExhausted fails records stuck in pending past the retry budget
// so their messages can settle.
func (p *Processor) FinalizeExhausted(ctx context.Context) error {
	stuck, err := p.records.GetPendingExhausted(ctx)
	if err != nil {
		return fmt.Errorf("list exhausted records: %w", err)
	}

	for _, rec := range stuck {
		if err := p.records.UpdateStatus(ctx, rec.ID, model.StatusFailed, "max retries reached"); err != nil {
			slog.Error("finalize failed", "record", rec.ID, "error", err)
			continue
		}
		if err := p.Reconcile(ctx, rec.MessageID); err != nil {
			slog.Error("reconcile failed", "id", rec.MessageID, "error", err)
		}
	}
	return nil
}

// ProcessAllPending drives every unresolved message forward, oldest
// first: backends without a record get a fresh dispatch, failed records
// still inside the retry budget go through Retry, and exhausted records
// are left untouched.
func (p *Processor) ProcessAllPending(ctx context.Context) error {
	pending, err := p.messages.GetPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending messages: %w", err)
	}

	for _, msg := range pending {
		records, err := p.records.GetByMessageID(ctx, msg.ID)
		if err != nil {
			slog.Error("load records failed", "id", msg.ID, "error", err)
			continue
		}
		if err := p.Dispatch(ctx, msg.ID); err != nil {
			slog.Error("dispatch failed", "id", msg.ID, "error", err)
			continue
		}
		for _, rec := range records {
			if !rec.CanRetry() {
				continue
			}
			if err := p.Retry(ctx, rec.ID); err != nil && !errors.Is(err, ErrRecordNotRetryable) {
				slog.Error("retry failed", "record", rec.ID, "error", err)
			}
		}
	}
	return nil
}

// Sweep is the periodic maintenance tick: retry failed deliveries,
// finalize stuck ones and drop delivered messages past retention.
func (p *Processor) Sweep(ctx context.Context) {
	if err := p.RetryAllRetryable(ctx); err != nil {
		slog.Error("retry sweep failed", "error", err)
	}
	if err := p.FinalizeExhausted(ctx); err != nil {
		slog.Error("finalize sweep failed", "error", err)
	}
	deleted, err := p.messages.CleanupOlderThan(ctx, p.retention)
	if err != nil {
		slog.Error("cleanup failed", "error", err)
	} else if deleted > 0 {
		slog.Info("cleaned up delivered messages", "deleted", deleted)
	}
}

// Reconcile recomputes a message's aggregate status from its delivery
// records and persists it.
func (p *Processor) Reconcile(ctx context.Context, messageID int64) error {
	records, err := p.records.GetByMessageID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load records for message %d: %w", messageID, err)
	}
	return p.messages.UpdateStatus(ctx, messageID, ComputeStatus(records))
}

// ComputeStatus derives the aggregate message status from its delivery
// records:
//
//	no records            pending
//	all succeeded         success
//	all failed            failed
//	some failed for good  partial_success
//	otherwise             pending
//
// "Failed for good" means failed with the retry budget spent.
func ComputeStatus(records []model.DeliveryRecord) model.Status {
	if len(records) == 0 {
		return model.StatusPending
	}

	var success, failed, exhausted int
	for _, r := range records {
		switch r.Status {
		case model.StatusSuccess:
			success++
		case model.StatusFailed:
			failed++
			if r.RetryCount >= model.MaxRetryCount {
				exhausted++
			}
		}
	}

	switch {
	case success == len(records):
		return model.StatusSuccess
	case failed == len(records):
		return model.StatusFailed
	case exhausted > 0:
		return model.StatusPartialSuccess
	default:
		return model.StatusPending
	}
}
