package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/taskgrid/taskqueue/internal/api"
	"github.com/taskgrid/taskqueue/internal/exec"
	"github.com/taskgrid/taskqueue/internal/keycodec"
	"github.com/taskgrid/taskqueue/internal/platform/logging"
	"github.com/taskgrid/taskqueue/internal/platform/otelinit"
	"github.com/taskgrid/taskqueue/internal/statsreporter"
	"github.com/taskgrid/taskqueue/internal/store"
)

func main() {
	const service = "taskqueue"
	logger := logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)

	if err := keycodec.Initialize(os.Getenv("KEY_SEED"), keyMinLength()); err != nil {
		logger.Error("key codec initialization failed", "error", err)
		os.Exit(1)
	}

	meter := otel.GetMeterProvider().Meter(service)
	facade := store.New(meter)
	monitor := exec.New(facade, meter)
	facade.AttachMonitor(monitor)

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	defer monitorCancel()
	go func() {
		if err := monitor.Run(monitorCtx); err != nil && monitorCtx.Err() == nil {
			logger.Error("execution monitor terminated", "error", err)
			cancel()
		}
	}()

	reporter, err := statsreporter.New(facade, "*/10 * * * * *")
	if err != nil {
		logger.Error("stats reporter initialization failed", "error", err)
		os.Exit(1)
	}
	reporter.Start()

	handler := api.NewHandler(facade)
	mux := http.NewServeMux()
	handler.Routes(mux)
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	addr := os.Getenv("LISTEN_ADDRESS")
	if addr == "" {
		addr = "0.0.0.0:3000"
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = reporter.Stop(shutdownCtx)
	monitorCancel()
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	logger.Info("shutdown complete")
}

func keyMinLength() int {
	v := os.Getenv("KEY_MIN_LENGTH")
	if v == "" {
		return keycodec.DefaultMinLength
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return keycodec.DefaultMinLength
	}
	return n
}
