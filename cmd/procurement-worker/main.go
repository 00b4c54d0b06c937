package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blingmoon/equipment-procurement/internal/bootstrap"
	"github.com/blingmoon/equipment-procurement/internal/config"
	"github.com/blingmoon/equipment-procurement/internal/telemetry"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// procurement-worker 定时执行过期扫描和提醒发送
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}
	once := flag.Bool("once", false, "run the sweep and the reminder dispatch once and exit")
	flag.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "database driver: sqlite or postgres")
	flag.StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "database dsn")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address of the /metrics endpoint, empty disables it")
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid flags", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(telemetry.NewLogger(cfg.LogLevel))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *once); err != nil {
		slog.ErrorContext(ctx, "procurement worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, once bool) error {
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.OTelServiceName, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("shutdown tracing failed", "error", err)
		}
	}()

	app, err := bootstrap.New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	if once {
		result, err := app.Sweeper.RunOnce(ctx)
		if err != nil {
			return err
		}
		sent, failed, err := app.Dispatcher.DispatchDue(ctx)
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "procurement jobs finished",
			"sweep_matched", result.Matched, "sweep_cancelled", result.Cancelled,
			"reminders_sent", sent, "reminders_failed", failed)
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		app.Sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		app.Dispatcher.Run(ctx)
	}()

	if cfg.MetricsAddr != "" {
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(app.Registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.InfoContext(ctx, "metrics server listening", "addr", cfg.MetricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.ErrorContext(ctx, "metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	slog.Info("procurement worker stopped")
	return nil
}

func metricsMux(registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
