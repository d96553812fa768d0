package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mingning179/smsmonitor/internal/model"
)

// ErrTooManyBindings is returned when a device already holds the maximum
// number of phone bindings.
var ErrTooManyBindings = fmt.Errorf("store: at most %d bindings per device", model.MaxBindings)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id              BIGSERIAL PRIMARY KEY,
	sender          TEXT NOT NULL,
	content         TEXT NOT NULL,
	received_at     TIMESTAMPTZ NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	retry_count     INT NOT NULL DEFAULT 0,
	last_retry_at   TIMESTAMPTZ,
	subscription_id INT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_status ON messages (status);
CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages (received_at);

CREATE TABLE IF NOT EXISTS delivery_records (
	id              BIGSERIAL PRIMARY KEY,
	message_id      BIGINT NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
	backend_type    TEXT NOT NULL,
	backend_name    TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	error_message   TEXT,
	last_attempt_at TIMESTAMPTZ NOT NULL,
	retry_count     INT NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_records_message_backend
	ON delivery_records (message_id, backend_type);

CREATE TABLE IF NOT EXISTS bindings (
	subscription_id INT PRIMARY KEY,
	phone_number    TEXT NOT NULL,
	device_id       TEXT NOT NULL,
	bound_at        TIMESTAMPTZ NOT NULL,
	last_verify_at  TIMESTAMPTZ NOT NULL,
	verify_count    INT NOT NULL DEFAULT 0
);
`

// Migrate creates the pipeline tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type PostgresMessageStore struct {
	db *sql.DB
}

func NewPostgresMessageStore(db *sql.DB) *PostgresMessageStore {
	return &PostgresMessageStore{db: db}
}

func (s *PostgresMessageStore) Save(ctx context.Context, sender, content string, timestamp time.Time, subscriptionID int) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (sender, content, received_at, status, subscription_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, sender, content, timestamp.UTC(), model.StatusPending, subscriptionID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save message: %w", err)
	}
	return id, nil
}

func (s *PostgresMessageStore) GetByID(ctx context.Context, id int64) (model.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sender, content, received_at, status, retry_count, last_retry_at, subscription_id
		FROM messages
		WHERE id = $1
	`, id)
	return scanMessage(row)
}

func (s *PostgresMessageStore) UpdateStatus(ctx context.Context, id int64, status model.Status) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = $2 WHERE id = $1
	`, id, status)
	return err
}

func (s *PostgresMessageStore) GetPending(ctx context.Context) ([]model.Message, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, sender, content, received_at, status, retry_count, last_retry_at, subscription_id
		FROM messages
		WHERE status IN ($1, $2) AND retry_count < $3
		ORDER BY received_at ASC
		FOR UPDATE SKIP LOCKED
	`, model.StatusPending, model.StatusFailed, model.MaxRetryCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for i := range msgs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET retry_count = retry_count + 1, last_retry_at = $2
			WHERE id = $1
		`, msgs[i].ID, now); err != nil {
			return nil, err
		}
		msgs[i].RetryCount++
		msgs[i].LastRetryAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *PostgresMessageStore) CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE status = $1 AND received_at < $2
	`, model.StatusSuccess, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresMessageStore) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3),
			COUNT(*) FILTER (WHERE status = $4)
		FROM messages
	`, model.StatusSuccess, model.StatusFailed, model.StatusPending, model.StatusPartialSuccess).
		Scan(&st.Total, &st.Success, &st.Failed, &st.Pending, &st.PartialSuccess)
	if err != nil {
		return model.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.Message, error) {
	var m model.Message
	var status string
	var lastRetry sql.NullTime
	err := row.Scan(
		&m.ID,
		&m.Sender,
		&m.Content,
		&m.Timestamp,
		&status,
		&m.RetryCount,
		&lastRetry,
		&m.SubscriptionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, err
	}
	m.Status = model.Status(status)
	if lastRetry.Valid {
		m.LastRetryAt = lastRetry.Time
	}
	return m, nil
}

type PostgresDeliveryRecordStore struct {
	db *sql.DB
}

func NewPostgresDeliveryRecordStore(db *sql.DB) *PostgresDeliveryRecordStore {
	return &PostgresDeliveryRecordStore{db: db}
}

func (s *PostgresDeliveryRecordStore) Upsert(ctx context.Context, messageID int64, backendType, backendName string, status model.Status, errMsg string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO delivery_records (message_id, backend_type, backend_name, status, error_message, last_attempt_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), now())
		ON CONFLICT (message_id, backend_type) DO UPDATE
		SET status = EXCLUDED.status,
		    error_message = COALESCE(EXCLUDED.error_message, delivery_records.error_message),
		    last_attempt_at = now()
		RETURNING id
	`, messageID, backendType, backendName, status, errMsg).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert record: %w", err)
	}
	return id, nil
}

func (s *PostgresDeliveryRecordStore) UpdateStatus(ctx context.Context, recordID int64, status model.Status, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = $2,
		    error_message = COALESCE(NULLIF($3, ''), error_message),
		    last_attempt_at = now()
		WHERE id = $1
	`, recordID, status, errMsg)
	return err
}

func (s *PostgresDeliveryRecordStore) IncrementRetryCount(ctx context.Context, recordID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE delivery_records
		SET retry_count = retry_count + 1
		WHERE id = $1
		RETURNING retry_count
	`, recordID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresDeliveryRecordStore) GetByID(ctx context.Context, recordID int64) (model.DeliveryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, backend_type, backend_name, status, error_message, last_attempt_at, retry_count
		FROM delivery_records
		WHERE id = $1
	`, recordID)
	return scanRecord(row)
}

func (s *PostgresDeliveryRecordStore) GetByMessageID(ctx context.Context, messageID int64) ([]model.DeliveryRecord, error) {
	return s.queryRecords(ctx, `
		SELECT id, message_id, backend_type, backend_name, status, error_message, last_attempt_at, retry_count
		FROM delivery_records
		WHERE message_id = $1
		ORDER BY last_attempt_at DESC
	`, messageID)
}

func (s *PostgresDeliveryRecordStore) List(ctx context.Context, limit, offset int) ([]model.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryRecords(ctx, `
		SELECT id, message_id, backend_type, backend_name, status, error_message, last_attempt_at, retry_count
		FROM delivery_records
		ORDER BY last_attempt_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
}

func (s *PostgresDeliveryRecordStore) GetRetryable(ctx context.Context) ([]model.DeliveryRecord, error) {
	return s.queryRecords(ctx, `
		SELECT id, message_id, backend_type, backend_name, status, error_message, last_attempt_at, retry_count
		FROM delivery_records
		WHERE status = $1 AND retry_count < $2
		ORDER BY last_attempt_at ASC
	`, model.StatusFailed, model.MaxRetryCount)
}

func (s *PostgresDeliveryRecordStore) GetPendingExhausted(ctx context.Context) ([]model.DeliveryRecord, error) {
	return s.queryRecords(ctx, `
		SELECT id, message_id, backend_type, backend_name, status, error_message, last_attempt_at, retry_count
		FROM delivery_records
		WHERE status = $1 AND retry_count >= $2
		ORDER BY last_attempt_at ASC
	`, model.StatusPending, model.MaxRetryCount)
}

func (s *PostgresDeliveryRecordStore) GetSuccessfulBackendTypes(ctx context.Context, messageID int64) (map[string]bool, error) {
	return s.queryBackendTypes(ctx, `
		SELECT backend_type FROM delivery_records WHERE message_id = $1 AND status = $2
	`, messageID, model.StatusSuccess)
}

func (s *PostgresDeliveryRecordStore) GetAllBackendTypes(ctx context.Context, messageID int64) (map[string]bool, error) {
	return s.queryBackendTypes(ctx, `
		SELECT backend_type FROM delivery_records WHERE message_id = $1
	`, messageID)
}

func (s *PostgresDeliveryRecordStore) queryRecords(ctx context.Context, query string, args ...any) ([]model.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeliveryRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresDeliveryRecordStore) queryBackendTypes(ctx context.Context, query string, args ...any) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	types := make(map[string]bool)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types[t] = true
	}
	return types, rows.Err()
}

func scanRecord(row rowScanner) (model.DeliveryRecord, error) {
	var r model.DeliveryRecord
	var status string
	var errMsg sql.NullString
	err := row.Scan(
		&r.ID,
		&r.MessageID,
		&r.BackendType,
		&r.BackendName,
		&status,
		&errMsg,
		&r.LastAttemptAt,
		&r.RetryCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryRecord{}, ErrNotFound
	}
	if err != nil {
		return model.DeliveryRecord{}, err
	}
	r.Status = model.Status(status)
	if errMsg.Valid {
		r.ErrorMessage = errMsg.String
	}
	return r, nil
}

type PostgresBindingStore struct {
	db *sql.DB
}

func NewPostgresBindingStore(db *sql.DB) *PostgresBindingStore {
	return &PostgresBindingStore{db: db}
}

func (s *PostgresBindingStore) Save(ctx context.Context, b model.Binding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bindings WHERE subscription_id != $1
	`, b.SubscriptionID).Scan(&count)
	if err != nil {
		return err
	}
	if count >= model.MaxBindings {
		return ErrTooManyBindings
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bindings (subscription_id, phone_number, device_id, bound_at, last_verify_at, verify_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subscription_id) DO UPDATE
		SET phone_number = EXCLUDED.phone_number,
		    last_verify_at = EXCLUDED.last_verify_at,
		    verify_count = bindings.verify_count + 1
	`, b.SubscriptionID, b.PhoneNumber, b.DeviceID, b.BoundAt.UTC(), b.LastVerifyAt.UTC(), b.VerifyCount)
	if err != nil {
		return fmt.Errorf("save binding: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresBindingStore) List(ctx context.Context) ([]model.Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subscription_id, phone_number, device_id, bound_at, last_verify_at, verify_count
		FROM bindings
		ORDER BY bound_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Binding
	for rows.Next() {
		var b model.Binding
		if err := rows.Scan(&b.SubscriptionID, &b.PhoneNumber, &b.DeviceID, &b.BoundAt, &b.LastVerifyAt, &b.VerifyCount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresBindingStore) RemoveBySubscriptionID(ctx context.Context, subscriptionID int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE subscription_id = $1`, subscriptionID)
	return err
}
