// Command dispatchd is the long-lived Dispatcher process: HTTP API,
// concurrency cap, worker supervision, reaper, and Preview Manager (§2).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mcpbuild/orchestrator/internal/common/config"
	"github.com/mcpbuild/orchestrator/internal/common/logger"
	"github.com/mcpbuild/orchestrator/internal/dispatcher"
	"github.com/mcpbuild/orchestrator/internal/dispatcher/api"
	"github.com/mcpbuild/orchestrator/internal/events"
	"github.com/mcpbuild/orchestrator/internal/preview"
	"github.com/mcpbuild/orchestrator/internal/store"
	"github.com/mcpbuild/orchestrator/internal/store/httpstore"
	"github.com/mcpbuild/orchestrator/internal/store/sqlitestore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting dispatchd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bus events.Bus
	if cfg.NATS.URL != "" {
		natsBus, err := events.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed connecting to NATS", zap.Error(err))
		}
		defer natsBus.Close()
		bus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		bus = events.NewMemoryBus(log)
		log.Info("using in-memory event bus")
	}

	st, err := newStore(cfg, log)
	if err != nil {
		log.Fatal("failed opening store", zap.Error(err))
	}
	defer st.Close()

	previewMgr := preview.New(preview.Config{
		PortRangeMin: cfg.Preview.PortRangeStart,
		PortRangeMax: cfg.Preview.PortRangeEnd,
		CommandTpl:   cfg.Preview.Command,
		PortFlagTpl:  cfg.Preview.PortFlag,
	}, bus, log)

	d := dispatcher.New(cfg, st, bus, previewMgr, log)

	if err := d.Bootstrap(ctx); err != nil {
		log.Error("dispatcher bootstrap failed", zap.Error(err))
	}
	go d.RunReaper(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(d, cfg.Server.APIKey, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down dispatchd")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("dispatchd stopped")
}

// newStore selects httpstore normally, or the embedded sqlite-backed store
// when STORE_URL is the "sqlite" sentinel value, for local/dev runs with no
// external store reachable (§1: the external store is an out-of-scope
// collaborator; sqlite stands in for it rather than the service going
// unrunnable without one).
func newStore(cfg *config.Config, log *logger.Logger) (store.Store, error) {
	if cfg.Store.URL == "sqlite" {
		log.Warn("store.url is \"sqlite\", using embedded local store instead of an external one")
		return sqlitestore.Open("dispatchd.db")
	}
	return httpstore.New(httpstore.Config{
		URL:            cfg.Store.URL,
		AnonKey:        cfg.Store.AnonKey,
		ServiceKey:     cfg.Store.ServiceKey,
		RequestTimeout: cfg.Store.RequestTimeout(),
	}, log), nil
}
