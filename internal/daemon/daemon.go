// Package daemon assembles the relay: session store, keyed queue,
// invoker, channel adapters, event gateway, and metrics, wired from one
// configuration and torn down in reverse order.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/courier/internal/config"
	"github.com/harun/courier/internal/logger"
	"github.com/harun/courier/internal/observability"
	"github.com/harun/courier/internal/telegram"
	"github.com/harun/courier/internal/tracing"
	"github.com/harun/courier/pkg/gateway"
	"github.com/harun/courier/pkg/invoker"
	"github.com/harun/courier/pkg/mailpoll"
	"github.com/harun/courier/pkg/relay"
	"github.com/harun/courier/pkg/sessionstore"
	"github.com/harun/courier/pkg/taskqueue"
)

// Daemon represents the courier daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	queue   *taskqueue.Queue
	store   *sessionstore.Store
	invoker *invoker.Invoker
	engine  *relay.Engine

	// Adapters and services
	telegramBot   *telegram.Bot
	mailFetcher   mailpoll.Fetcher
	mailPoller    *mailpoll.Poller
	gatewayServer *gateway.Server
	metricsServer *observability.MetricsServer
	capWatcher    *capabilityWatcher

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes the daemon's runtime state
type Status struct {
	Running       bool          `json:"running"`
	Uptime        time.Duration `json:"uptime"`
	QueuedTurns   int           `json:"queued_turns"`
	KnownSessions int           `json:"known_sessions"`
}

// New creates a daemon from cfg. Adapters whose config is disabled are
// left nil and skipped at start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initialize(); err != nil {
		cancel()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
		}
		return nil, err
	}

	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config

	store, err := sessionstore.New(
		filepath.Join(cfg.DataDir, "sessions"),
		filepath.Join(cfg.DataDir, "session.json"),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}
	d.store = store

	d.queue = taskqueue.New()
	d.logger.Info().Msg("Task queue initialized")

	baseCaps := cfg.Tool.BaseCapabilities
	if caps, ok, err := config.LoadCapabilities(cfg.Tool.CapabilitiesPath); err != nil {
		d.logger.Warn().Err(err).Str("path", cfg.Tool.CapabilitiesPath).
			Msg("Ignoring unreadable capabilities file")
	} else if ok {
		baseCaps = caps
	}

	d.invoker = invoker.New(invoker.Config{
		Command:          cfg.Tool.Command,
		BaseCapabilities: baseCaps,
		SystemPrompt:     cfg.Tool.SystemPrompt,
		ProgressInterval: time.Duration(cfg.Tool.ProgressIntervalSec) * time.Second,
		Timeout:          time.Duration(cfg.Tool.TimeoutSec) * time.Second,
		KillGrace:        time.Duration(cfg.Tool.KillGraceSec) * time.Second,
	})

	d.engine = relay.New(d.queue, d.store, d.invoker, cfg.Queue.WarnAfterMs)

	if cfg.Telegram.Enabled {
		handler := telegram.NewHandler(d.engine)
		bot, err := telegram.New(telegram.Config{
			BotToken:     cfg.Telegram.BotToken,
			AllowedUsers: cfg.Telegram.AllowedUsers,
		}, handler)
		if err != nil {
			return fmt.Errorf("failed to initialize telegram adapter: %w", err)
		}
		d.telegramBot = bot
	}

	if cfg.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.SharedSecret,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize gateway: %w", err)
		}
		d.gatewayServer = server
		d.bridgeQueueEvents()
	}

	if cfg.Metrics.Enabled {
		d.metricsServer = observability.NewMetricsServer(
			fmt.Sprintf(":%d", cfg.Metrics.Port),
			d.logger.GetZerolog(),
		)
	}

	d.capWatcher = newCapabilityWatcher(cfg.Tool.CapabilitiesPath, d.invoker, d.logger.GetZerolog())

	return nil
}

// bridgeQueueEvents forwards queue activity onto the gateway stream.
func (d *Daemon) bridgeQueueEvents() {
	d.queue.On("enqueued", func(evt taskqueue.Event) {
		d.gatewayServer.Broadcast("queue.enqueued", evt.Key, evt.Data)
	})
	d.queue.On("completed", func(evt taskqueue.Event) {
		d.gatewayServer.Broadcast("queue.completed", evt.Key, evt.Data)
	})
}

// RegisterMailFetcher attaches the mailbox implementation used by the
// mail poller. Must be called before Start; without it, mail polling is
// skipped even when enabled.
func (d *Daemon) RegisterMailFetcher(fetcher mailpoll.Fetcher) {
	d.mailFetcher = fetcher
}

// Start brings all configured services up. A missing tool binary is
// fatal here rather than on the first message.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	if err := d.invoker.CheckBinary(); err != nil {
		return err
	}

	if d.metricsServer != nil {
		d.metricsServer.Start()
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}
	}

	if d.telegramBot != nil {
		if err := d.telegramBot.Start(); err != nil {
			return fmt.Errorf("failed to start telegram adapter: %w", err)
		}
	}

	if d.config.Mail.Enabled && d.mailFetcher != nil {
		poller, err := mailpoll.New(mailpoll.Config{
			Schedule: d.config.Mail.Schedule,
			Fetcher:  d.mailFetcher,
			Engine:   d.engine,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize mail poller: %w", err)
		}
		if err := poller.Start(); err != nil {
			return fmt.Errorf("failed to start mail poller: %w", err)
		}
		d.mailPoller = poller
	}

	if err := d.capWatcher.Start(); err != nil {
		d.logger.Warn().Err(err).Msg("Capability hot reload unavailable")
	}

	d.running = true
	d.startTime = time.Now()
	d.logger.Info().Msg("Daemon started")

	return nil
}

// Stop tears services down in reverse order and drains the queue.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping daemon")

	d.capWatcher.Stop()

	if d.telegramBot != nil && d.telegramBot.IsRunning() {
		if err := d.telegramBot.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("Telegram adapter did not stop cleanly")
		}
	}

	if d.mailPoller != nil {
		d.mailPoller.Stop()
	}

	// Let in-flight turns finish before the services they report to go away.
	if err := d.queue.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Queue did not drain cleanly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(shutdownCtx); err != nil {
			d.logger.Warn().Err(err).Msg("Gateway did not stop cleanly")
		}
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			d.logger.Warn().Err(err).Msg("Metrics server did not stop cleanly")
		}
	}

	d.cancel()

	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(shutdownCtx)
	}

	d.logger.Info().Msg("Daemon stopped")
	return nil
}

// Wait blocks until SIGINT or SIGTERM arrives.
func (d *Daemon) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-d.ctx.Done():
	}
}

// Status reports the daemon's runtime state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:     d.running,
		QueuedTurns: d.queue.TotalLength(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
	}
	if sessions, err := d.store.List(); err == nil {
		status.KnownSessions = len(sessions)
	}
	return status
}

// IsRunning reports whether Start has succeeded and Stop has not run.
func (d *Daemon) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Engine exposes the relay engine for embedding callers.
func (d *Daemon) Engine() *relay.Engine {
	return d.engine
}

// GetConfig returns the live configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}
