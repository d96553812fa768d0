package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/mingning179/smsmonitor/internal/cache"
	"github.com/mingning179/smsmonitor/internal/push"
	"github.com/mingning179/smsmonitor/internal/store"
)

// Reporter periodically publishes aggregate delivery statistics: to the
// logs, to the remote API backend when that backend is enabled, and to
// the cache for cheap operator reads.
type Reporter struct {
	messages store.MessageStore
	api      *push.APIBackend
	cache    cache.DeliveryCache // optional
}

func New(messages store.MessageStore, api *push.APIBackend, c cache.DeliveryCache) *Reporter {
	return &Reporter{messages: messages, api: api, cache: c}
}

// Tick gathers and publishes one snapshot. Partial failures are logged
// and never abort the remaining sinks.
func (r *Reporter) Tick(ctx context.Context) {
	started := time.Now()

	stats, err := r.messages.Stats(ctx)
	if err != nil {
		slog.Error("stats query failed", "error", err)
		return
	}

	slog.Info("delivery statistics",
		"total", stats.Total,
		"success", stats.Success,
		"failed", stats.Failed,
		"pending", stats.Pending,
		"partial_success", stats.PartialSuccess,
	)

	if r.cache != nil {
		if err := r.cache.StoreStats(ctx, stats); err != nil {
			slog.Warn("stats cache write failed", "error", err)
		}
	}

	if r.api != nil && r.api.Enabled() {
		if err := r.api.ReportStatus(ctx, stats); err != nil {
			slog.Warn("status report failed", "error", err)
		}
	}

	slog.Debug("status report tick done", "duration_ms", time.Since(started).Milliseconds())
}
