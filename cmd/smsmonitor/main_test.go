package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mingning179/smsmonitor/internal/config"
	"github.com/mingning179/smsmonitor/internal/settings"
)

func TestLoggingMiddleware_PassesThroughAndCapturesStatus(t *testing.T) {
	handler := loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, rr.Code)
	}

	if body := rr.Body.String(); body != "ok" {
		t.Fatalf("expected body %q, got %q", "ok", body)
	}
}

func TestSeedSettings(t *testing.T) {
	sets := settings.NewService()

	seedSettings(sets, &config.Config{
		Pipeline: config.PipelineConfig{
			DeviceID:             "SMS_fixed",
			StatusReportInterval: 10 * time.Minute,
		},
		Filter: config.FilterConfig{
			MonitorMode: "all",
			Keywords:    "验证码, otp",
		},
		Backends: map[string]map[string]string{
			"dingtalk": {
				"enabled":     "TRUE",
				"webhook_url": "https://oapi.dingtalk.com/robot/send?access_token=x",
			},
		},
	})

	if sets.DeviceID() != "SMS_fixed" {
		t.Fatalf("device id not seeded: %q", sets.DeviceID())
	}
	if sets.MonitorMode() != settings.ModeAll {
		t.Fatalf("monitor mode not seeded: %q", sets.MonitorMode())
	}
	kws := sets.Keywords()
	if len(kws) != 2 || kws[0] != "验证码" || kws[1] != "otp" {
		t.Fatalf("keywords not seeded: %v", kws)
	}
	if sets.StatusReportInterval() != 10*time.Minute {
		t.Fatalf("report interval not seeded: %v", sets.StatusReportInterval())
	}
	if !sets.GetBool("dingtalk_enabled", false) {
		t.Fatalf("backend enabled flag not seeded")
	}
	if sets.GetString("dingtalk_webhook_url", "") == "" {
		t.Fatalf("backend config not seeded")
	}
}
