package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	apiPkg "github.com/h1v3-io/deskline/internal/api"
	"github.com/h1v3-io/deskline/internal/backup"
	"github.com/h1v3-io/deskline/internal/config"
	"github.com/h1v3-io/deskline/internal/connector"
	slackconn "github.com/h1v3-io/deskline/internal/connector/slack"
	"github.com/h1v3-io/deskline/internal/connector/telegram"
	"github.com/h1v3-io/deskline/internal/connector/webhook"
	"github.com/h1v3-io/deskline/internal/dataset"
	"github.com/h1v3-io/deskline/internal/desk"
	"github.com/h1v3-io/deskline/internal/logbuf"
	"github.com/h1v3-io/deskline/internal/scheduler"
	"github.com/h1v3-io/deskline/internal/ticket"
	"github.com/h1v3-io/deskline/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file (default: read DESKLINE_* env)")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("deskd starting",
		"dataset", cfg.DatasetPath(),
		"backup_dir", cfg.Backup.Dir,
		"lock_ttl", cfg.LockTTL().String(),
	)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Dataset, ticket sheet and subsystem
	if err := os.MkdirAll(cfg.Desk.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", "path", cfg.Desk.DataDir, "error", err)
		os.Exit(1)
	}
	writer := dataset.New(cfg.DatasetPath(), logger.With("component", "dataset"))
	sheet := ticket.NewSQLiteSheet(writer)

	loadCtx, loadCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := sheet.Init(loadCtx); err != nil {
		logger.Error("failed to init ticket sheet", "path", cfg.DatasetPath(), "error", err)
		os.Exit(1)
	}
	persisted, err := sheet.Load(loadCtx)
	loadCancel()
	if err != nil {
		logger.Error("failed to load tickets", "error", err)
		os.Exit(1)
	}

	tickets := ticket.NewSubsystem(ticket.Config{
		LockTTL:  cfg.LockTTL(),
		Recorder: sheet,
		Logger:   logger.With("component", "ticket"),
	})
	if err := tickets.Restore(persisted); err != nil {
		logger.Error("failed to restore tickets", "error", err)
		os.Exit(1)
	}

	// 2. Connectors. The router is built after the backup manager, which
	// needs a sender; the Telegram handler reaches it through the closure.
	var router *desk.Router
	var tgConn *telegram.Connector
	if tc := cfg.Connectors.Telegram; tc != nil {
		tgConn, err = telegram.New(
			telegram.Config{
				Token:       tc.Token,
				AllowFrom:   tc.AllowFrom,
				AdminChatID: tc.AdminChatID,
				APIEndpoint: tc.APIEndpoint,
			},
			func(ctx context.Context, msg connector.InboundMessage) error {
				return router.Handle(ctx, msg)
			},
			logger.With("component", "telegram"),
		)
		if err != nil {
			logger.Error("failed to init telegram connector", "error", err)
			os.Exit(1)
		}
	}

	var notifySender connector.Sender
	switch cfg.Notify.Connector {
	case "telegram":
		notifySender = tgConn
	case "slack":
		sn, err := slackconn.New(slackconn.Config{BotToken: cfg.Connectors.Slack.BotToken}, logger.With("component", "slack"))
		if err != nil {
			logger.Error("failed to init slack notifier", "error", err)
			os.Exit(1)
		}
		notifySender = sn
	}

	// 3. Backups
	loc := backup.FixedZone(cfg.UTCOffset())
	bcfg := backup.Config{
		Dir:      cfg.Backup.Dir,
		Location: loc,
		NotifyTo: cfg.Notify.Destination,
		Logger:   logger.With("component", "backup"),
	}
	if notifySender != nil {
		bcfg.Notifier = senderNotifier{sender: notifySender}
	}
	backups := backup.New(writer, bcfg)

	// 4. Desk router
	adminChat := ""
	if cfg.Connectors.Telegram != nil {
		adminChat = cfg.Connectors.Telegram.AdminChatID
	}
	router = desk.New(tickets, backups, desk.Config{
		AdminChannel: "telegram",
		AdminChatID:  adminChat,
		Location:     loc,
		BackupEcho:   cfg.Notify.Connector != "telegram" || cfg.Notify.Destination != adminChat,
		Logger:       logger.With("component", "desk"),
	})
	if tgConn != nil {
		router.Route("telegram", tgConn)
	}

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			safeGo(logger, name, fn)
		}()
	}

	// 5. Daily backup. The closure keeps the manager alive for the
	// lifetime of the scheduler.
	sched := scheduler.New(loc, logger.With("component", "scheduler"))
	if err := sched.AddJob("daily-backup", cfg.Backup.Schedule, func() {
		backups.BackupNow(ctx, "daily")
	}); err != nil {
		logger.Error("failed to schedule daily backup", "error", err)
		os.Exit(1)
	}
	run("scheduler", func() { sched.Start(ctx) })
	if next, ok := sched.Next("daily-backup"); ok {
		logger.Info("daily backup scheduled", "next", next, "dir", backups.Dir())
	}

	if tgConn != nil {
		run("telegram", func() { tgConn.Start(ctx) })
	}

	// 6. API server
	apiSrv := apiPkg.NewServer(&deskServiceAdapter{
		tickets: tickets,
		router:  router,
		backups: backups,
		logger:  logger,
	}, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"), logBuf)

	if len(cfg.Intake.Sources) > 0 {
		sources := make(map[string]webhook.SourceConfig, len(cfg.Intake.Sources))
		for name, src := range cfg.Intake.Sources {
			sources[name] = webhook.SourceConfig{Secret: src.Secret, BearerToken: src.BearerToken}
		}
		apiSrv.HandleIntake(webhook.New(webhook.Config{Sources: sources}, router, logger.With("component", "intake")))
		logger.Info("ticket intake enabled", "sources", len(sources))
	}

	run("api-server", func() { apiSrv.Start(ctx) })

	// 7. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown timed out")
	}
	logger.Info("deskd stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

// senderNotifier implements backup.Notifier over a connector.
type senderNotifier struct {
	sender connector.Sender
}

func (n senderNotifier) Notify(ctx context.Context, nt backup.Notification) error {
	msg := connector.OutboundMessage{ChatID: nt.To, Content: nt.Text}
	if nt.File != "" {
		msg.Media = []string{nt.File}
	}
	return n.sender.Send(ctx, msg)
}

// deskServiceAdapter implements api.DeskService.
type deskServiceAdapter struct {
	tickets *ticket.Subsystem
	router  *desk.Router
	backups *backup.Manager
	logger  *slog.Logger
}

// withValidLock drops a lapsed lock from t so callers only see current holders.
func (d *deskServiceAdapter) withValidLock(t protocol.Ticket) protocol.Ticket {
	if t.Lock == nil {
		return t
	}
	if _, ok, err := d.tickets.Holder(t.ID); err != nil || !ok {
		t.Lock = nil
	}
	return t
}

func (d *deskServiceAdapter) ListTickets(openOnly bool) []protocol.Ticket {
	list := d.tickets.List(openOnly)
	for i := range list {
		list[i] = d.withValidLock(list[i])
	}
	return list
}

func (d *deskServiceAdapter) GetTicket(id int64) (protocol.Ticket, error) {
	t, err := d.tickets.Get(id)
	if err != nil {
		return protocol.Ticket{}, err
	}
	return d.withValidLock(t), nil
}

func (d *deskServiceAdapter) OpenTicket(ctx context.Context, msg connector.InboundMessage) (protocol.Ticket, error) {
	return d.router.OpenTicket(ctx, msg)
}

func (d *deskServiceAdapter) TakeTicket(id int64, agent protocol.Agent) (protocol.Grant, error) {
	return d.tickets.Take(id, agent)
}

func (d *deskServiceAdapter) ReleaseTicket(id int64) error {
	return d.tickets.Release(id)
}

// ReplyTicket finalizes the ticket and forwards the answer to the
// customer. Delivery problems are logged; the reply itself stands.
func (d *deskServiceAdapter) ReplyTicket(ctx context.Context, id int64, agent protocol.Agent, text string) (protocol.Ticket, error) {
	t, err := d.tickets.Reply(ctx, id, agent, text)
	if err != nil {
		return protocol.Ticket{}, err
	}
	if err := d.router.Deliver(ctx, t); err != nil {
		d.logger.Warn("reply delivery failed", "ticket_id", id, "channel", t.Channel, "error", err)
	}
	return t, nil
}

func (d *deskServiceAdapter) BackupNow(ctx context.Context, reason string) (backup.Artifact, error) {
	return d.backups.BackupNow(ctx, reason)
}

func (d *deskServiceAdapter) ListBackups() ([]backup.Artifact, error) {
	return d.backups.List()
}
