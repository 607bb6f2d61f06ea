// Command broker runs the HTTP-embedded publish/subscribe server:
// config/logger bootstrap, storage engine selection, admission and
// rate-limit wiring, and the top-level HTTP listener. Adapted from the
// teacher's main.go/server.go pair, restructured around a small cobra
// command tree (serve/version) instead of a single flag-parsed entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	_ "go.uber.org/automaxprocs"

	"github.com/odin-ws/broker/internal/admission"
	"github.com/odin-ws/broker/internal/config"
	"github.com/odin-ws/broker/internal/dispatcher"
	"github.com/odin-ws/broker/internal/event"
	"github.com/odin-ws/broker/internal/httpapi"
	"github.com/odin-ws/broker/internal/logging"
	"github.com/odin-ws/broker/internal/metrics"
	"github.com/odin-ws/broker/internal/msgid"
	"github.com/odin-ws/broker/internal/publisher"
	"github.com/odin-ws/broker/internal/ratelimit"
	"github.com/odin-ws/broker/internal/store"
	"github.com/odin-ws/broker/internal/store/memory"
	"github.com/odin-ws/broker/internal/store/nats"
)

// Version information, set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "broker",
	Short:   "HTTP-embedded publish/subscribe broker",
	Version: version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("broker %s (commit %s, built %s)\n", version, commit, buildTime))
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("broker %s (commit %s, built %s)\n", version, commit, buildTime)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	bootstrapLogger := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatJSON, Service: "broker"})

	maxProcs := runtime.GOMAXPROCS(0)
	bootstrapLogger.Info().Int("gomaxprocs", maxProcs).Msg("automaxprocs applied")

	cfg, err := config.LoadRuntimeConfig(&bootstrapLogger)
	if err != nil {
		return fmt.Errorf("load runtime config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.Level(cfg.LogLevel),
		Format:  logging.Format(cfg.LogFormat),
		Service: "broker",
	})
	cfg.LogConfig(logger)

	locations, err := config.LoadLocationSet(cfg.LocationConfigFile)
	if err != nil {
		return fmt.Errorf("load location config: %w", err)
	}
	if len(locations.Locations) == 0 {
		logger.Warn().Str("file", cfg.LocationConfigFile).
			Msg("no locations configured, serving the root path with compile-time defaults only")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, closeEngine, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build storage engine: %w", err)
	}
	defer closeEngine()

	registry := metrics.New()
	registry.ConnectionsMax.Set(float64(cfg.MaxConnections))

	memLimit, err := admission.MemoryLimitFromCgroup()
	if err != nil {
		logger.Warn().Err(err).Msg("cgroup memory limit detection failed, admission memory brake disabled")
		memLimit = 0
	}
	if memLimit > 0 {
		logger.Info().Int64("memory_limit_bytes", memLimit).
			Int("memory_derived_max_connections", admission.MaxConnectionsFromMemory(memLimit)).
			Msg("detected container memory limit")
	}

	var activeConns int64
	guard := admission.NewGuard(admission.Config{
		MaxConnections: cfg.MaxConnections,
		CPURejectPct:   cfg.CPURejectThreshold,
		CPUPausePct:    cfg.CPUPauseThreshold,
		MemoryLimit:    memLimit,
		MaxGoroutines:  cfg.MaxGoroutines,
	}, &activeConns)

	cpuMonitor := admission.NewCPUMonitor(logger)
	collector := metrics.NewCollector(registry, cfg.MetricsInterval, func() float64 {
		pct, err := cpuMonitor.Percent()
		if err != nil {
			logger.Warn().Err(err).Msg("cpu sample failed")
			return 0
		}
		guard.UpdateCPU(pct)
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		guard.UpdateMemory(int64(ms.Sys))
		return pct
	})
	collector.Start()
	defer collector.Stop()

	events := buildEventBroadcaster(cfg, engine, logger)

	publishRate := ratelimit.NewPerChannel(cfg.MaxPublishRate)
	connRate := ratelimit.NewPerChannel(cfg.MaxSubscribeRate)

	pub := publisher.New(engine, events, cfg.BufferTimeout, publishRate, logger)
	disp := dispatcher.New(engine, events, pub, guard, connRate, logger)

	api := httpapi.New(disp, locations, registry, logger)
	handler := countConnections(api, &activeConns, registry)

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	httpServer := &http.Server{
		Handler: handler,
		// No WriteTimeout: long-poll and streaming subscribers (spec.md
		// §4.9) legitimately hold a response open for BufferTimeout or
		// longer. ReadHeaderTimeout alone bounds a stalled client from
		// tying up a handler goroutine before its body is even read.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info().Str("addr", cfg.Addr).Msg("broker listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server accept loop error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown grace period expired, forcing close")
		httpServer.Close()
	}

	cancel() // stop engine sweeps and any still-blocked subscriber streams

	logger.Info().Msg("shutdown complete")
	return nil
}

// buildEngine selects the storage engine per cfg.StoreEngine (spec.md
// §4.3a): "memory" for a single process, "nats" to replicate channel
// history across worker processes over a NATS subject namespace.
func buildEngine(ctx context.Context, cfg *config.RuntimeConfig, logger zerolog.Logger) (store.Engine, func(), error) {
	memCfg := memory.Config{MaxMessages: cfg.MaxMessages, BufferTimeout: cfg.BufferTimeout}

	if cfg.StoreEngine != "nats" {
		eng := memory.New(ctx, memCfg, logger)
		return eng, eng.Close, nil
	}

	eng, err := nats.New(ctx, nats.Config{URL: cfg.NATSUrl, MemoryEngine: memCfg}, logger)
	if err != nil {
		return nil, nil, err
	}
	return eng, eng.Close, nil
}

// buildEventBroadcaster wires spec.md §4.8's meta-channel broadcasting
// when BROKER_META_CHANNEL is set; otherwise events are dropped.
func buildEventBroadcaster(cfg *config.RuntimeConfig, engine store.Engine, logger zerolog.Logger) *event.Broadcaster {
	if cfg.MetaChannel == "" {
		return event.NewDisabled()
	}
	return event.New(engine, "meta/"+cfg.MetaChannel, defaultEventTemplate, logger)
}

func defaultEventTemplate(ev event.Name, channelID string, prev, current msgid.ID) []byte {
	return []byte(fmt.Sprintf(
		`{"event":%q,"channel":%q,"prev_tag_count":%d,"current_tag_count":%d}`,
		ev, channelID, prev.TagCount(), current.TagCount(),
	))
}

// countConnections tracks in-flight requests as "connections" for
// admission.Guard and the Prometheus gauges: every long-poll, SSE,
// chunked, or websocket request holds its handler goroutine open for the
// stream's lifetime, so counting requests in flight is equivalent to
// counting active subscriber/publisher connections.
func countConnections(next http.Handler, active *int64, registry *metrics.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(active, 1)
		registry.ConnectionsTotal.Inc()
		registry.ConnectionsActive.Set(float64(n))
		defer func() {
			n := atomic.AddInt64(active, -1)
			registry.ConnectionsActive.Set(float64(n))
		}()
		next.ServeHTTP(w, r)
	})
}
