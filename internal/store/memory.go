package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mingning179/smsmonitor/internal/model"
)

// memoryData is the shared state behind the in-memory store views. The
// views mirror the Postgres stores' semantics and back tests and local
// development.
type memoryData struct {
	mu       sync.Mutex
	nextMsg  int64
	nextRec  int64
	messages map[int64]model.Message
	records  map[int64]model.DeliveryRecord
	bindings map[int]model.Binding
}

type MemoryMessageStore struct{ d *memoryData }

type MemoryDeliveryRecordStore struct{ d *memoryData }

type MemoryBindingStore struct{ d *memoryData }

// NewMemoryStores returns message, delivery-record and binding stores over
// one shared in-memory dataset (so message deletion cascades to records).
func NewMemoryStores() (*MemoryMessageStore, *MemoryDeliveryRecordStore, *MemoryBindingStore) {
	d := &memoryData{
		messages: make(map[int64]model.Message),
		records:  make(map[int64]model.DeliveryRecord),
		bindings: make(map[int]model.Binding),
	}
	return &MemoryMessageStore{d: d}, &MemoryDeliveryRecordStore{d: d}, &MemoryBindingStore{d: d}
}

func (s *MemoryMessageStore) Save(ctx context.Context, sender, content string, timestamp time.Time, subscriptionID int) (int64, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	s.d.nextMsg++
	s.d.messages[s.d.nextMsg] = model.Message{
		ID:             s.d.nextMsg,
		Sender:         sender,
		Content:        content,
		Timestamp:      timestamp.UTC(),
		Status:         model.StatusPending,
		SubscriptionID: subscriptionID,
	}
	return s.d.nextMsg, nil
}

func (s *MemoryMessageStore) GetByID(ctx context.Context, id int64) (model.Message, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	m, ok := s.d.messages[id]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryMessageStore) UpdateStatus(ctx context.Context, id int64, status model.Status) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	m, ok := s.d.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	s.d.messages[id] = m
	return nil
}

func (s *MemoryMessageStore) GetPending(ctx context.Context) ([]model.Message, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	var out []model.Message
	now := time.Now().UTC()
	for id, m := range s.d.messages {
		if (m.Status == model.StatusPending || m.Status == model.StatusFailed) && m.RetryCount < model.MaxRetryCount {
			m.RetryCount++
			m.LastRetryAt = now
			s.d.messages[id] = m
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryMessageStore) CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	var deleted int64
	for id, m := range s.d.messages {
		if m.Status == model.StatusSuccess && m.Timestamp.Before(cutoff) {
			delete(s.d.messages, id)
			for rid, r := range s.d.records {
				if r.MessageID == id {
					delete(s.d.records, rid)
				}
			}
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryMessageStore) Stats(ctx context.Context) (model.Stats, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	var st model.Stats
	for _, m := range s.d.messages {
		st.Total++
		switch m.Status {
		case model.StatusSuccess:
			st.Success++
		case model.StatusFailed:
			st.Failed++
		case model.StatusPending:
			st.Pending++
		case model.StatusPartialSuccess:
			st.PartialSuccess++
		}
	}
	return st, nil
}

func (s *MemoryDeliveryRecordStore) Upsert(ctx context.Context, messageID int64, backendType, backendName string, status model.Status, errMsg string) (int64, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	now := time.Now().UTC()
	for id, r := range s.d.records {
		if r.MessageID == messageID && r.BackendType == backendType {
			r.Status = status
			if errMsg != "" {
				r.ErrorMessage = errMsg
			}
			r.LastAttemptAt = now
			s.d.records[id] = r
			return id, nil
		}
	}

	s.d.nextRec++
	s.d.records[s.d.nextRec] = model.DeliveryRecord{
		ID:            s.d.nextRec,
		MessageID:     messageID,
		BackendType:   backendType,
		BackendName:   backendName,
		Status:        status,
		ErrorMessage:  errMsg,
		LastAttemptAt: now,
	}
	return s.d.nextRec, nil
}

func (s *MemoryDeliveryRecordStore) UpdateStatus(ctx context.Context, recordID int64, status model.Status, errMsg string) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	r, ok := s.d.records[recordID]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	if errMsg != "" {
		r.ErrorMessage = errMsg
	}
	r.LastAttemptAt = time.Now().UTC()
	s.d.records[recordID] = r
	return nil
}

func (s *MemoryDeliveryRecordStore) IncrementRetryCount(ctx context.Context, recordID int64) (int, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	r, ok := s.d.records[recordID]
	if !ok {
		return 0, ErrNotFound
	}
	r.RetryCount++
	s.d.records[recordID] = r
	return r.RetryCount, nil
}

func (s *MemoryDeliveryRecordStore) GetByID(ctx context.Context, recordID int64) (model.DeliveryRecord, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	r, ok := s.d.records[recordID]
	if !ok {
		return model.DeliveryRecord{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryDeliveryRecordStore) GetByMessageID(ctx context.Context, messageID int64) ([]model.DeliveryRecord, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	var out []model.DeliveryRecord
	for _, r := range s.d.records {
		if r.MessageID == messageID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAttemptAt.After(out[j].LastAttemptAt) })
	return out, nil
}

func (s *MemoryDeliveryRecordStore) List(ctx context.Context, limit, offset int) ([]model.DeliveryRecord, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	all := make([]model.DeliveryRecord, 0, len(s.d.records))
	for _, r := range s.d.records {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastAttemptAt.After(all[j].LastAttemptAt) })

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *MemoryDeliveryRecordStore) GetRetryable(ctx context.Context) ([]model.DeliveryRecord, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	var out []model.DeliveryRecord
	for _, r := range s.d.records {
		if r.CanRetry() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAttemptAt.Before(out[j].LastAttemptAt) })
	return out, nil
}

func (s *MemoryDeliveryRecordStore) GetPendingExhausted(ctx context.Context) ([]model.DeliveryRecord, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	var out []model.DeliveryRecord
	for _, r := range s.d.records {
		if r.Status == model.StatusPending && r.RetryCount >= model.MaxRetryCount {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAttemptAt.Before(out[j].LastAttemptAt) })
	return out, nil
}

func (s *MemoryDeliveryRecordStore) GetSuccessfulBackendTypes(ctx context.Context, messageID int64) (map[string]bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	types := make(map[string]bool)
	for _, r := range s.d.records {
		if r.MessageID == messageID && r.Status == model.StatusSuccess {
			types[r.BackendType] = true
		}
	}
	return types, nil
}

func (s *MemoryDeliveryRecordStore) GetAllBackendTypes(ctx context.Context, messageID int64) (map[string]bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	types := make(map[string]bool)
	for _, r := range s.d.records {
		if r.MessageID == messageID {
			types[r.BackendType] = true
		}
	}
	return types, nil
}

func (s *MemoryBindingStore) Save(ctx context.Context, b model.Binding) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	if existing, ok := s.d.bindings[b.SubscriptionID]; ok {
		existing.PhoneNumber = b.PhoneNumber
		existing.LastVerifyAt = b.LastVerifyAt
		existing.VerifyCount++
		s.d.bindings[b.SubscriptionID] = existing
		return nil
	}
	if len(s.d.bindings) >= model.MaxBindings {
		return ErrTooManyBindings
	}
	s.d.bindings[b.SubscriptionID] = b
	return nil
}

func (s *MemoryBindingStore) List(ctx context.Context) ([]model.Binding, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	out := make([]model.Binding, 0, len(s.d.bindings))
	for _, b := range s.d.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BoundAt.Before(out[j].BoundAt) })
	return out, nil
}

func (s *MemoryBindingStore) RemoveBySubscriptionID(ctx context.Context, subscriptionID int) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	delete(s.d.bindings, subscriptionID)
	return nil
}
