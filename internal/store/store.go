package store

import (
	"context"
	"errors"
	"time"

	"github.com/mingning179/smsmonitor/internal/model"
)

// ErrNotFound is returned when a message, record or binding does not exist.
var ErrNotFound = errors.New("store: not found")

// MessageStore is the durable record of inbound messages and their
// aggregate delivery status.
type MessageStore interface {
	// Save persists a new message with status pending and returns its id.
	Save(ctx context.Context, sender, content string, timestamp time.Time, subscriptionID int) (int64, error)
	GetByID(ctx context.Context, id int64) (model.Message, error)
	UpdateStatus(ctx context.Context, id int64, status model.Status) error

	// GetPending returns messages in pending or failed state whose legacy
	// retry counter is below the budget, oldest first, and increments that
	// counter for each returned message. The counter feeds statistics only.
	GetPending(ctx context.Context) ([]model.Message, error)

	// CleanupOlderThan deletes successfully delivered messages older than
	// the retention window. Unresolved messages are never deleted.
	CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error)

	Stats(ctx context.Context) (model.Stats, error)
}

// DeliveryRecordStore tracks one delivery attempt state per
// (message, backend) pair.
type DeliveryRecordStore interface {
	// Upsert records an attempt outcome. If a record for the pair already
	// exists its status, error and timestamp are updated in place; otherwise
	// a new record is inserted with retry count 0. Returns the record id.
	Upsert(ctx context.Context, messageID int64, backendType, backendName string, status model.Status, errMsg string) (int64, error)

	UpdateStatus(ctx context.Context, recordID int64, status model.Status, errMsg string) error
	IncrementRetryCount(ctx context.Context, recordID int64) (int, error)

	GetByID(ctx context.Context, recordID int64) (model.DeliveryRecord, error)
	GetByMessageID(ctx context.Context, messageID int64) ([]model.DeliveryRecord, error)
	List(ctx context.Context, limit, offset int) ([]model.DeliveryRecord, error)

	// GetRetryable returns failed records still within the retry budget,
	// oldest attempt first.
	GetRetryable(ctx context.Context) ([]model.DeliveryRecord, error)

	// GetPendingExhausted returns records stuck in pending past the retry
	// budget; the processor finalizes these as failed.
	GetPendingExhausted(ctx context.Context) ([]model.DeliveryRecord, error)

	GetSuccessfulBackendTypes(ctx context.Context, messageID int64) (map[string]bool, error)
	GetAllBackendTypes(ctx context.Context, messageID int64) (map[string]bool, error)
}

// BindingStore keeps phone-number-to-SIM bindings, unique per subscription
// id, at most model.MaxBindings per device.
type BindingStore interface {
	Save(ctx context.Context, b model.Binding) error
	List(ctx context.Context) ([]model.Binding, error)
	RemoveBySubscriptionID(ctx context.Context, subscriptionID int) error
}
