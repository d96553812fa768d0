package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mingning179/smsmonitor/internal/model"
	"github.com/mingning179/smsmonitor/internal/processor"
	"github.com/mingning179/smsmonitor/internal/push"
	"github.com/mingning179/smsmonitor/internal/scheduler"
	"github.com/mingning179/smsmonitor/internal/settings"
	"github.com/mingning179/smsmonitor/internal/store"
)

type Handler struct {
	proc     *processor.Processor
	messages store.MessageStore
	records  store.DeliveryRecordStore
	bindings store.BindingStore
	registry *push.Registry
	settings *settings.Service
	apiPush  *push.APIBackend
	scheds   []*scheduler.Scheduler
}

func NewHandler(
	proc *processor.Processor,
	messages store.MessageStore,
	records store.DeliveryRecordStore,
	bindings store.BindingStore,
	registry *push.Registry,
	s *settings.Service,
	apiPush *push.APIBackend,
	scheds ...*scheduler.Scheduler,
) *Handler {
	return &Handler{
		proc:     proc,
		messages: messages,
		records:  records,
		bindings: bindings,
		registry: registry,
		settings: s,
		apiPush:  apiPush,
		scheds:   scheds,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type ingestRequest struct {
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"` // unix millis, optional
	SubscriptionID int    `json:"subscriptionId"`
}

// IngestMessage accepts one inbound SMS. Filtered-out messages get a 200
// with accepted=false and are not persisted.
func (h *Handler) IngestMessage(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	ts := time.Now()
	if req.Timestamp > 0 {
		ts = time.UnixMilli(req.Timestamp)
	}

	id, accepted, err := h.proc.HandleIncoming(r.Context(), req.Sender, req.Content, ts, req.SubscriptionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !accepted {
		writeJSON(w, http.StatusOK, map[string]any{"accepted": false})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"accepted": true, "id": id})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	msg, err := h.messages.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	records, err := h.records.GetByMessageID(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"message": msg, "records": records})
}

func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.records.List(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// RetryRecord triggers one manual retry. Records past the budget are
// finalized instead of re-sent, which is reported as a conflict.
func (h *Handler) RetryRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	err = h.proc.Retry(r.Context(), id)
	switch {
	case errors.Is(err, processor.ErrRecordNotRetryable):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "record not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	rec, err := h.records.GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": rec})
}

func (h *Handler) ProcessPending(w http.ResponseWriter, r *http.Request) {
	if err := h.proc.ProcessAllPending(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.messages.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type backendSummary struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

func (h *Handler) ListBackends(w http.ResponseWriter, r *http.Request) {
	var items []backendSummary
	for _, b := range h.registry.All() {
		items = append(items, backendSummary{Type: b.Type(), Name: b.Name(), Enabled: b.Enabled()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetBackendConfig(w http.ResponseWriter, r *http.Request) {
	b, ok := h.registry.Get(r.PathValue("type"))
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": b.ConfigItems()})
}

func (h *Handler) SaveBackendConfig(w http.ResponseWriter, r *http.Request) {
	b, ok := h.registry.Get(r.PathValue("type"))
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}

	var values map[string]string
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := b.SaveConfig(values); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": b.ConfigItems()})
}

func (h *Handler) TestBackend(w http.ResponseWriter, r *http.Request) {
	b, ok := h.registry.Get(r.PathValue("type"))
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}
	if err := b.TestConnection(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type settingsResponse struct {
	DeviceID             string   `json:"deviceId"`
	MonitorMode          string   `json:"monitorMode"`
	Keywords             []string `json:"keywords"`
	StatusReportInterval string   `json:"statusReportInterval"`
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settingsResponse{
		DeviceID:             h.settings.DeviceID(),
		MonitorMode:          h.settings.MonitorMode(),
		Keywords:             h.settings.Keywords(),
		StatusReportInterval: h.settings.StatusReportInterval().String(),
	})
}

type settingsRequest struct {
	MonitorMode          *string   `json:"monitorMode"`
	Keywords             *[]string `json:"keywords"`
	StatusReportInterval *string   `json:"statusReportInterval"`
}

func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.MonitorMode != nil {
		h.settings.SetMonitorMode(*req.MonitorMode)
	}
	if req.Keywords != nil {
		h.settings.SaveKeywords(*req.Keywords)
	}
	if req.StatusReportInterval != nil {
		d, err := time.ParseDuration(*req.StatusReportInterval)
		if err != nil || d <= 0 {
			http.Error(w, "invalid statusReportInterval", http.StatusBadRequest)
			return
		}
		h.settings.SetStatusReportInterval(d)
	}

	h.GetSettings(w, r)
}

type sendCodeAPIRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

func (h *Handler) SendVerificationCode(w http.ResponseWriter, r *http.Request) {
	var req sendCodeAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.PhoneNumber == "" {
		http.Error(w, "phoneNumber is required", http.StatusBadRequest)
		return
	}

	if err := h.apiPush.SendVerificationCode(r.Context(), req.PhoneNumber); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type verifyBindingAPIRequest struct {
	PhoneNumber    string `json:"phoneNumber"`
	Code           string `json:"code"`
	SubscriptionID int    `json:"subscriptionId"`
}

// VerifyBinding confirms the code with the server, then stores the
// binding locally. Bindings are unique per SIM subscription.
func (h *Handler) VerifyBinding(w http.ResponseWriter, r *http.Request) {
	var req verifyBindingAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.PhoneNumber == "" || req.Code == "" {
		http.Error(w, "phoneNumber and code are required", http.StatusBadRequest)
		return
	}

	if err := h.apiPush.VerifyBinding(r.Context(), req.PhoneNumber, req.Code, req.SubscriptionID); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	now := time.Now().UTC()
	err := h.bindings.Save(r.Context(), model.Binding{
		PhoneNumber:    req.PhoneNumber,
		DeviceID:       h.settings.DeviceID(),
		SubscriptionID: req.SubscriptionID,
		BoundAt:        now,
		LastVerifyAt:   now,
	})
	if errors.Is(err, store.ErrTooManyBindings) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) ListBindings(w http.ResponseWriter, r *http.Request) {
	items, err := h.bindings.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) DeleteBinding(w http.ResponseWriter, r *http.Request) {
	subscriptionID, err := strconv.Atoi(r.PathValue("subscriptionId"))
	if err != nil {
		http.Error(w, "invalid subscription id", http.StatusBadRequest)
		return
	}
	if err := h.bindings.RemoveBySubscriptionID(r.Context(), subscriptionID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	items := make([]map[string]any, 0, len(h.scheds))
	for _, s := range h.scheds {
		items = append(items, map[string]any{
			"name":     s.Name(),
			"running":  s.IsRunning(),
			"interval": s.Interval().String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.withScheduler(w, r, func(s *scheduler.Scheduler) { s.Start() })
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.withScheduler(w, r, func(s *scheduler.Scheduler) { s.Stop() })
}

func (h *Handler) withScheduler(w http.ResponseWriter, r *http.Request, fn func(*scheduler.Scheduler)) {
	name := r.PathValue("name")
	for _, s := range h.scheds {
		if s.Name() == name {
			fn(s)
			writeJSON(w, http.StatusOK, map[string]any{"name": s.Name(), "running": s.IsRunning()})
			return
		}
	}
	http.Error(w, "unknown scheduler", http.StatusNotFound)
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
