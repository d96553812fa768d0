package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mingning179/smsmonitor/internal/filter"
	"github.com/mingning179/smsmonitor/internal/model"
	"github.com/mingning179/smsmonitor/internal/processor"
	"github.com/mingning179/smsmonitor/internal/push"
	"github.com/mingning179/smsmonitor/internal/scheduler"
	"github.com/mingning179/smsmonitor/internal/settings"
	"github.com/mingning179/smsmonitor/internal/store"
)

// stubBackend is a scriptable push.Backend for handler tests.
type stubBackend struct {
	typ     string
	enabled bool
	sendErr error
	sends   int
}

func (b *stubBackend) Type() string  { return b.typ }
func (b *stubBackend) Name() string  { return b.typ }
func (b *stubBackend) Enabled() bool { return b.enabled }

func (b *stubBackend) Send(ctx context.Context, msg push.Message) error {
	b.sends++
	return b.sendErr
}

func (b *stubBackend) TestConnection(ctx context.Context) error { return b.sendErr }

func (b *stubBackend) ConfigItems() []push.ConfigItem {
	return []push.ConfigItem{{Key: "enabled", Type: push.ConfigBoolean}}
}

func (b *stubBackend) SaveConfig(values map[string]string) error {
	if v, ok := values["enabled"]; ok {
		b.enabled = v == "true"
	}
	return nil
}

type env struct {
	mux      http.Handler
	msgs     *store.MemoryMessageStore
	recs     *store.MemoryDeliveryRecordStore
	backend  *stubBackend
	settings *settings.Service
	sweep    *scheduler.Scheduler
}

func newTestServer(t *testing.T) *env {
	t.Helper()

	msgs, recs, binds := store.NewMemoryStores()

	s := settings.NewService()
	s.SetMonitorMode(settings.ModeKeywords)
	s.SaveKeywords([]string{"验证码", "bank"})

	backend := &stubBackend{typ: "dingtalk", enabled: true}
	reg := push.NewRegistry()
	if err := reg.Register(backend); err != nil {
		t.Fatalf("register backend: %v", err)
	}
	apiPush := push.NewAPIBackend(s)
	if err := reg.Register(apiPush); err != nil {
		t.Fatalf("register api backend: %v", err)
	}

	proc := processor.New(msgs, recs, reg, filter.New(s), processor.WithDelays(0, 0))

	sweep, err := scheduler.New("sweep", time.Hour, func(context.Context) {})
	if err != nil {
		t.Fatalf("create scheduler: %v", err)
	}
	t.Cleanup(func() { sweep.Stop() })

	h := NewHandler(proc, msgs, recs, binds, reg, s, apiPush, sweep)
	return &env{mux: Router(h), msgs: msgs, recs: recs, backend: backend, settings: s, sweep: sweep}
}

func doJSON(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	return m
}

func TestHealth(t *testing.T) {
	e := newTestServer(t)

	rr := doJSON(t, e.mux, http.MethodGet, "/v1/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("expected Content-Type application/json, got %q", ct)
	}
	body := decodeJSON(t, rr)
	if v, ok := body["ok"].(bool); !ok || !v {
		t.Fatalf("expected {ok:true}, got %v", body)
	}
}

func TestIngestMessage(t *testing.T) {
	e := newTestServer(t)

	// Accepted: keyword match, delivered to the enabled backend.
	rr := doJSON(t, e.mux, http.MethodPost, "/v1/messages",
		`{"sender":"95588","content":"您的验证码是 123456","subscriptionId":1}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if accepted, _ := body["accepted"].(bool); !accepted {
		t.Fatalf("expected accepted=true, got %v", body)
	}
	if e.backend.sends != 1 {
		t.Fatalf("expected 1 delivery, got %d", e.backend.sends)
	}

	// Rejected by the filter: 200 with accepted=false, nothing stored.
	rr = doJSON(t, e.mux, http.MethodPost, "/v1/messages",
		`{"sender":"95588","content":"see you at noon"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body = decodeJSON(t, rr)
	if accepted, _ := body["accepted"].(bool); accepted {
		t.Fatalf("expected accepted=false, got %v", body)
	}

	// Missing content.
	rr = doJSON(t, e.mux, http.MethodPost, "/v1/messages", `{"sender":"95588"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	// Broken JSON.
	rr = doJSON(t, e.mux, http.MethodPost, "/v1/messages", `{"sender":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetMessageWithRecords(t *testing.T) {
	e := newTestServer(t)

	rr := doJSON(t, e.mux, http.MethodPost, "/v1/messages",
		`{"sender":"95588","content":"bank alert"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	id := int64(decodeJSON(t, rr)["id"].(float64))

	rr = doJSON(t, e.mux, http.MethodGet, "/v1/messages/1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	msg := body["message"].(map[string]any)
	if int64(msg["id"].(float64)) != id {
		t.Fatalf("expected message %d, got %v", id, msg)
	}
	records := body["records"].([]any)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	rr = doJSON(t, e.mux, http.MethodGet, "/v1/messages/999", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestRetryRecord(t *testing.T) {
	e := newTestServer(t)
	ctx := context.Background()

	// Seed a failed delivery.
	e.backend.sendErr = errors.New("timeout")
	rr := doJSON(t, e.mux, http.MethodPost, "/v1/messages",
		`{"sender":"95588","content":"bank alert"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}

	records, _ := e.recs.List(ctx, 10, 0)
	if len(records) != 1 || records[0].Status != model.StatusFailed {
		t.Fatalf("expected 1 failed record, got %+v", records)
	}

	// Backend recovers; manual retry succeeds.
	e.backend.sendErr = nil
	rr = doJSON(t, e.mux, http.MethodPost, "/v1/records/1/retry", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	rec := decodeJSON(t, rr)["record"].(map[string]any)
	if rec["status"] != string(model.StatusSuccess) {
		t.Fatalf("expected success, got %v", rec["status"])
	}

	// Retrying a delivered record is a conflict.
	rr = doJSON(t, e.mux, http.MethodPost, "/v1/records/1/retry", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}

	rr = doJSON(t, e.mux, http.MethodPost, "/v1/records/999/retry", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestStats(t *testing.T) {
	e := newTestServer(t)

	doJSON(t, e.mux, http.MethodPost, "/v1/messages",
		`{"sender":"95588","content":"bank alert"}`)

	rr := doJSON(t, e.mux, http.MethodGet, "/v1/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeJSON(t, rr)
	if body["total"].(float64) != 1 {
		t.Fatalf("expected total=1, got %v", body)
	}
}

func TestBackendEndpoints(t *testing.T) {
	e := newTestServer(t)

	rr := doJSON(t, e.mux, http.MethodGet, "/v1/backends", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	items := decodeJSON(t, rr)["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(items))
	}

	rr = doJSON(t, e.mux, http.MethodPut, "/v1/backends/dingtalk/config", `{"enabled":"false"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if e.backend.Enabled() {
		t.Fatalf("expected backend disabled after config save")
	}

	rr = doJSON(t, e.mux, http.MethodGet, "/v1/backends/unknown/config", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = doJSON(t, e.mux, http.MethodPost, "/v1/backends/dingtalk/test", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	e.backend.sendErr = errors.New("boom")
	rr = doJSON(t, e.mux, http.MethodPost, "/v1/backends/dingtalk/test", "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	e := newTestServer(t)

	rr := doJSON(t, e.mux, http.MethodGet, "/v1/settings", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeJSON(t, rr)
	if body["monitorMode"] != settings.ModeKeywords {
		t.Fatalf("expected keywords mode, got %v", body["monitorMode"])
	}

	rr = doJSON(t, e.mux, http.MethodPut, "/v1/settings",
		`{"monitorMode":"all","keywords":["otp"],"statusReportInterval":"10m"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if e.settings.MonitorMode() != settings.ModeAll {
		t.Fatalf("monitor mode not updated")
	}
	if e.settings.StatusReportInterval() != 10*time.Minute {
		t.Fatalf("report interval not updated")
	}

	rr = doJSON(t, e.mux, http.MethodPut, "/v1/settings", `{"statusReportInterval":"never"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestBindingEndpoints(t *testing.T) {
	e := newTestServer(t)

	// Remote server accepting code and verification calls.
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	e.settings.SetString("api_server_url", srv.URL)

	rr := doJSON(t, e.mux, http.MethodPost, "/v1/bindings/send-code", `{"phoneNumber":"13800000001"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, e.mux, http.MethodPost, "/v1/bindings/verify",
		`{"phoneNumber":"13800000001","code":"8888","subscriptionId":1}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if len(paths) != 2 || paths[0] != "/send-code" || paths[1] != "/verify-bind" {
		t.Fatalf("unexpected remote calls: %v", paths)
	}

	rr = doJSON(t, e.mux, http.MethodGet, "/v1/bindings", "")
	items := decodeJSON(t, rr)["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected 1 binding, got %d", len(items))
	}

	rr = doJSON(t, e.mux, http.MethodDelete, "/v1/bindings/1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rr = doJSON(t, e.mux, http.MethodGet, "/v1/bindings", "")
	items, _ = decodeJSON(t, rr)["items"].([]any)
	if len(items) != 0 {
		t.Fatalf("expected no bindings after delete, got %d", len(items))
	}

	// Missing phone number.
	rr = doJSON(t, e.mux, http.MethodPost, "/v1/bindings/send-code", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	e := newTestServer(t)

	rr := doJSON(t, e.mux, http.MethodGet, "/v1/schedulers/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	items := decodeJSON(t, rr)["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected 1 scheduler, got %d", len(items))
	}
	first := items[0].(map[string]any)
	if first["name"] != "sweep" || first["running"].(bool) {
		t.Fatalf("expected stopped sweep scheduler, got %v", first)
	}

	rr = doJSON(t, e.mux, http.MethodPost, "/v1/schedulers/sweep/start", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !e.sweep.IsRunning() {
		t.Fatalf("expected scheduler running after start")
	}

	rr = doJSON(t, e.mux, http.MethodPost, "/v1/schedulers/sweep/stop", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if e.sweep.IsRunning() {
		t.Fatalf("expected scheduler stopped after stop")
	}

	rr = doJSON(t, e.mux, http.MethodPost, "/v1/schedulers/nope/start", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
