package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mingning179/smsmonitor/internal/api"
	"github.com/mingning179/smsmonitor/internal/cache"
	"github.com/mingning179/smsmonitor/internal/config"
	"github.com/mingning179/smsmonitor/internal/filter"
	"github.com/mingning179/smsmonitor/internal/processor"
	"github.com/mingning179/smsmonitor/internal/push"
	"github.com/mingning179/smsmonitor/internal/report"
	"github.com/mingning179/smsmonitor/internal/scheduler"
	"github.com/mingning179/smsmonitor/internal/settings"
	"github.com/mingning179/smsmonitor/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return err
	}
	if err := store.Migrate(pingCtx, db); err != nil {
		return err
	}

	messages := store.NewPostgresMessageStore(db)
	records := store.NewPostgresDeliveryRecordStore(db)
	bindings := store.NewPostgresBindingStore(db)

	var deliveryCache cache.DeliveryCache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		deliveryCache = cache.NewRedisCache(rdb, cfg.Redis.TTL)
	}

	sets := settings.NewService()
	seedSettings(sets, cfg)

	registry := push.NewRegistry()
	apiBackend := push.NewAPIBackend(sets)
	apiBackend.Stats = messages.Stats
	for _, b := range []push.Backend{apiBackend, push.NewDingTalkBackend(sets), push.NewFeishuBackend(sets)} {
		if err := registry.Register(b); err != nil {
			return err
		}
	}

	f := filter.New(sets)
	procOpts := []processor.Option{
		processor.WithRetention(time.Duration(cfg.Pipeline.RetentionDays) * 24 * time.Hour),
	}
	if deliveryCache != nil {
		procOpts = append(procOpts, processor.WithCache(deliveryCache))
	}
	proc := processor.New(messages, records, registry, f, procOpts...)

	reporter := report.New(messages, apiBackend, deliveryCache)

	sweep, err := scheduler.New("sweep", cfg.Pipeline.SweepInterval, proc.Sweep)
	if err != nil {
		return err
	}
	statusReport, err := scheduler.New("status-report", cfg.Pipeline.StatusReportInterval, reporter.Tick)
	if err != nil {
		return err
	}

	sweep.Start()
	statusReport.Start()
	defer sweep.Stop()
	defer statusReport.Stop()

	handler := api.NewHandler(proc, messages, records, bindings, registry, sets, apiBackend, sweep, statusReport)
	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: loggingMiddleware(api.Router(handler)),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", cfg.Server.Address, "device_id", sets.DeviceID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// seedSettings copies environment-provided values into the runtime
// settings. Backends keep their env-seeded config until the operator API
// overrides it.
func seedSettings(sets *settings.Service, cfg *config.Config) {
	sets.SetDeviceID(cfg.Pipeline.DeviceID)
	sets.SetMonitorMode(cfg.Filter.MonitorMode)
	if cfg.Filter.Keywords != "" {
		sets.SaveKeywords(strings.Split(cfg.Filter.Keywords, ","))
	}
	sets.SetStatusReportInterval(cfg.Pipeline.StatusReportInterval)

	for backend, values := range cfg.Backends {
		for k, v := range values {
			if k == "enabled" {
				sets.SetBool(backend+"_"+k, strings.EqualFold(v, "true"))
				continue
			}
			sets.SetString(backend+"_"+k, v)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
