// tgcc is the bridge daemon: it multiplexes chat agents against assistant
// CLI child processes and exposes local admin and tool sockets.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tgcc/tgcc/internal/adminsock"
	"github.com/tgcc/tgcc/internal/bridge"
	"github.com/tgcc/tgcc/internal/common/logger"
	"github.com/tgcc/tgcc/internal/config"
	"github.com/tgcc/tgcc/internal/events/bus"
	"github.com/tgcc/tgcc/internal/httpapi"
	"github.com/tgcc/tgcc/internal/registry"
	"github.com/tgcc/tgcc/internal/telegram"
	"github.com/tgcc/tgcc/internal/tracing"
)

func main() {
	configFlag := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	// 1. Load configuration
	configPath := config.Resolve(*configFlag)
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Global.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting tgcc daemon", zap.String("config", configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Optional trace export
	traceProvider, err := tracing.Setup(ctx, cfg.Global.TracingEndpoint)
	if err != nil {
		log.Fatal("Failed to set up tracing", zap.Error(err))
	}

	// 4. Event bus: NATS when configured, in-process otherwise
	var eventBus bus.Bus
	if cfg.Global.NATSURL != "" {
		eventBus, err = bus.NewNATS(cfg.Global.NATSURL, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.Global.NATSURL))
	} else {
		eventBus = bus.NewMemory(log)
	}
	defer eventBus.Close()

	// 5. Process registry
	reg := registry.New(log)

	// 6. Bridge with one pipeline per configured agent
	br := bridge.New(cfg, reg, eventBus, func(ac config.AgentConfig) (telegram.Bot, error) {
		return telegram.NewClient(telegram.ClientOptions{
			Token:    ac.Token,
			MediaDir: cfg.Global.MediaDir,
			Log:      log,
		})
	}, log)
	br.Start()

	// 7. Admin control sockets
	adminSrv := adminsock.NewServer(cfg.Global.SocketDir, br, eventBus, log)
	if err := adminSrv.Start(); err != nil {
		log.Fatal("Failed to start admin sockets", zap.Error(err))
	}
	log.Info("Admin sockets listening", zap.String("dir", cfg.Global.SocketDir))

	// 8. Optional HTTP status endpoint
	var statusSrv *httpapi.Server
	if cfg.Global.HTTPAddr != "" {
		statusSrv = httpapi.New(cfg.Global.HTTPAddr, br, log)
		statusSrv.Start()
	}

	// 9. Config reload watcher
	watcher, err := config.NewWatcher(configPath, cfg, log)
	if err != nil {
		log.Error("Config watch unavailable", zap.Error(err))
	} else {
		go watcher.Run(ctx, br.ApplyConfig)
	}

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down tgcc daemon")

	// 11. Graceful shutdown: config watch first, then agents, then sockets
	cancel()
	br.Stop()

	if statusSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("Status endpoint shutdown error", zap.Error(err))
		}
		shutdownCancel()
	}
	if err := adminSrv.Close(); err != nil {
		log.Error("Admin socket shutdown error", zap.Error(err))
	}
	reg.Close()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := traceProvider.Shutdown(flushCtx); err != nil {
		log.Error("Trace flush error", zap.Error(err))
	}
	flushCancel()

	log.Info("tgcc daemon stopped")
}
