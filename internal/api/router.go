package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("POST /v1/messages", h.IngestMessage)
	mux.HandleFunc("GET /v1/messages/{id}", h.GetMessage)
	mux.HandleFunc("POST /v1/process-pending", h.ProcessPending)

	mux.HandleFunc("GET /v1/records", h.ListRecords)
	mux.HandleFunc("POST /v1/records/{id}/retry", h.RetryRecord)

	mux.HandleFunc("GET /v1/stats", h.Stats)

	mux.HandleFunc("GET /v1/backends", h.ListBackends)
	mux.HandleFunc("GET /v1/backends/{type}/config", h.GetBackendConfig)
	mux.HandleFunc("PUT /v1/backends/{type}/config", h.SaveBackendConfig)
	mux.HandleFunc("POST /v1/backends/{type}/test", h.TestBackend)

	mux.HandleFunc("GET /v1/settings", h.GetSettings)
	mux.HandleFunc("PUT /v1/settings", h.UpdateSettings)

	mux.HandleFunc("POST /v1/bindings/send-code", h.SendVerificationCode)
	mux.HandleFunc("POST /v1/bindings/verify", h.VerifyBinding)
	mux.HandleFunc("GET /v1/bindings", h.ListBindings)
	mux.HandleFunc("DELETE /v1/bindings/{subscriptionId}", h.DeleteBinding)

	mux.HandleFunc("GET /v1/schedulers/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/schedulers/{name}/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/schedulers/{name}/stop", h.SchedulerStop)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("smsmonitor"))
	})

	return mux
}
