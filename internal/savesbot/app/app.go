// Package app wires the saves bot together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/savesbot/savesbot/common/redact"
	"github.com/savesbot/savesbot/common/version"
	"github.com/savesbot/savesbot/internal/savesbot/audit"
	"github.com/savesbot/savesbot/internal/savesbot/commands"
	"github.com/savesbot/savesbot/internal/savesbot/config"
	"github.com/savesbot/savesbot/internal/savesbot/discord"
	"github.com/savesbot/savesbot/internal/savesbot/ledger"
	"github.com/savesbot/savesbot/internal/savesbot/matrix"
	"github.com/savesbot/savesbot/internal/savesbot/pending"
	"github.com/savesbot/savesbot/internal/savesbot/processor"
	"github.com/savesbot/savesbot/internal/savesbot/records"
	"github.com/savesbot/savesbot/internal/savesbot/roles"
)

// shutdownTimeout bounds the final refresh.
const shutdownTimeout = 30 * time.Second

// App is the running bot.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store     *records.Store
	table     *pending.Table
	ledger    *ledger.Ledger
	notifier  audit.Notifier
	discord   *discord.Client
	checker   *roles.Checker
	processor *processor.Processor
	router    *commands.Router
	health    *HealthServer

	// matrixJoin is set when the audit room mirror is enabled.
	matrixJoin func(ctx context.Context) error

	stopCh   chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	opened  bool
	stopped bool
}

// New builds the application from cfg. Nothing connects until Run.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		table:  pending.NewTable(),
		stopCh: make(chan struct{}),
	}

	logger.Info("opening saves data", "dir", cfg.DataDir)
	a.store = records.Open(cfg.DataDir, logger.With("component", "records"))

	a.notifier = audit.Noop{}
	if cfg.Matrix.Enabled() {
		mx, err := matrix.New(cfg.Matrix.Client(), logger.With("component", "matrix"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
		}
		a.notifier = audit.NewRoomNotifier(mx, cfg.Matrix.AuditRoom, logger)
		// The room is joined lazily in Run so New stays offline.
		a.matrixJoin = func(ctx context.Context) error { return mx.JoinRoom(ctx, cfg.Matrix.AuditRoom) }
	}

	a.store.SetOnRefreshError(func(err error) {
		a.notifier.Notify(context.Background(), audit.Event{
			Kind:    audit.KindRefreshFailed,
			Message: err.Error(),
		})
	})

	var recorder ledger.Recorder = ledger.Nop{}
	if cfg.LedgerPath != "" {
		logger.Info("opening balance ledger", "path", cfg.LedgerPath)
		l, err := ledger.Open(cfg.LedgerPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
		a.ledger = l
		recorder = l
	}

	dc, err := discord.New(discord.Config{
		Token:    cfg.Token,
		Presence: cfg.CommandPrefix + "help",
	}, logger.With("component", "discord"))
	if err != nil {
		a.closeLedger()
		return nil, err
	}
	a.discord = dc

	a.checker = roles.NewChecker(a.store, dc, a.notifier, logger.With("component", "roles"))

	a.processor = processor.New(processor.Config{
		CountingBotID: cfg.CountingBotID,
		TriggerPrefix: cfg.TriggerPrefix,
	}, processor.Deps{
		Store:    a.store,
		Table:    a.table,
		Roles:    a.checker,
		Ledger:   recorder,
		Notifier: a.notifier,
		Logger:   logger.With("component", "processor"),
	})

	a.router = commands.NewRouter(cfg.CommandPrefix, cfg.OwnerID, dc, logger.With("component", "commands"))
	handlersCfg := commands.HandlersConfig{
		Store:    a.store,
		Roles:    a.checker,
		Notifier: a.notifier,
		Shutdown: a.RequestStop,
		Logger:   logger.With("component", "commands"),
	}
	if a.ledger != nil {
		handlersCfg.Ledger = a.ledger
	}
	commands.NewHandlers(handlersCfg).RegisterAll(a.router)

	if cfg.HTTPAddr != "" {
		a.health = NewHealthServer(cfg.HTTPAddr, a.store, a.table, logger)
	}

	return a, nil
}

// Run connects and blocks until SIGINT/SIGTERM, ctx ends, or the shutdown
// command is issued. It always runs Stop before returning.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			a.logger.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	if a.matrixJoin != nil {
		if err := a.matrixJoin(ctx); err != nil {
			a.logger.Warn("could not join audit room; notices may fail", "err", err)
		}
	}

	// Load what is on disk before the first message can arrive.
	if d, err := a.store.Refresh(ctx); err != nil {
		a.logger.Error("initial refresh failed; continuing with what loaded", "err", err)
		a.notifier.Notify(ctx, audit.Event{Kind: audit.KindRefreshFailed, Message: err.Error()})
	} else {
		a.logger.Info("saves data loaded", "took", d)
	}

	a.logger.Info("connecting to Discord")
	err := a.discord.Open(ctx, discord.Handlers{
		OnMessage:    a.handleMessage,
		OnMemberJoin: a.handleMemberJoin,
		OnReady:      a.handleReady,
	})
	if err != nil {
		a.Stop()
		return fmt.Errorf("failed to connect to Discord: %s", redact.String(err.Error(), a.cfg.Token))
	}
	a.mu.Lock()
	a.opened = true
	a.mu.Unlock()

	a.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindStarted,
		Message: "saves bot " + version.Version + " started",
	})
	a.logger.Info("saves bot is running; press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down", "reason", context.Cause(ctx))
	case <-a.stopCh:
		a.logger.Info("shutting down", "reason", "shutdown command")
	}
	a.Stop()
	return nil
}

// RequestStop asks Run to shut down. It does not block.
func (a *App) RequestStop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// Stop flushes the records before releasing anything else, then closes the
// gateway, the health server and the ledger.
func (a *App) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if d, err := a.store.Shutdown(ctx); err != nil {
		a.logger.Error("final refresh failed", "err", err)
		a.notifier.Notify(ctx, audit.Event{Kind: audit.KindRefreshFailed, Message: "final refresh: " + err.Error()})
	} else {
		a.logger.Info("saves data flushed", "took", d)
	}

	a.mu.Lock()
	opened := a.opened
	a.opened = false
	a.mu.Unlock()
	if opened {
		a.logger.Info("closing Discord connection")
		if err := a.discord.Close(); err != nil {
			a.logger.Warn("discord close error", "err", err)
		}
	}

	if a.health != nil {
		a.health.Stop()
	}
	a.closeLedger()
}

func (a *App) closeLedger() {
	if a.ledger == nil {
		return
	}
	if err := a.ledger.Close(); err != nil {
		a.logger.Warn("ledger close error", "err", err)
	}
	a.ledger = nil
}

// handleMessage routes "::" commands to the router and everything else to
// the processor. Bots other than the counting bot are ignored.
func (a *App) handleMessage(ctx context.Context, m discord.Message) {
	if m.AuthorBot && m.AuthorID != a.cfg.CountingBotID {
		return
	}

	err := a.router.Handle(ctx, m.CommandRequest())
	if err == nil {
		return
	}
	if !errors.Is(err, commands.ErrNotACommand) {
		a.logger.Warn("failed to reply to command", "channel", m.ChannelID, "err", err)
		return
	}

	if _, err := a.processor.HandleMessage(ctx, m.Message); err != nil {
		a.logger.Error("message processing failed", "channel", m.ChannelID, "err", err)
	}
}

func (a *App) handleMemberJoin(ctx context.Context, m roles.Member) {
	if m.Bot {
		return
	}
	a.checker.CheckAndLog(ctx, m)
}

// handleReady starts the periodic refresh. Ready fires again after every
// reconnect; Start ignores repeat calls. Nothing restarts once Stop began,
// whether it came from a signal or the shutdown command.
func (a *App) handleReady(_ context.Context, guilds []snowflake.ID) {
	select {
	case <-a.stopCh:
		return
	default:
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.store.Start(a.cfg.RefreshInterval)
	a.logger.Info("ready", "guilds", len(guilds))
}
