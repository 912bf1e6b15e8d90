package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/agaro/votecore/src/alert"
	"github.com/agaro/votecore/src/api/webserver"
	"github.com/agaro/votecore/src/bus"
	"github.com/agaro/votecore/src/config"
	"github.com/agaro/votecore/src/data"
	"github.com/agaro/votecore/src/logging"
	"github.com/agaro/votecore/src/metrics"
	"github.com/agaro/votecore/src/services"
	"github.com/agaro/votecore/src/voting/audit"
	"github.com/agaro/votecore/src/voting/casting"
	"github.com/agaro/votecore/src/voting/ledger"
	"github.com/agaro/votecore/src/voting/monitor"
	"github.com/agaro/votecore/src/voting/outbox"
	"github.com/agaro/votecore/src/voting/polls"
	"github.com/agaro/votecore/src/voting/tally"
)

const alertTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("votecore stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := data.ConnectMySQL(cfg.MySQLDSN, logging.Writer(log, zerolog.WarnLevel))
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if err := data.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := config.ApplySettings(db, &cfg); err != nil {
		log.Warn().Err(err).Msg("settings not applied, using environment")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	notifier, err := newNotifier(cfg, log)
	if err != nil {
		return err
	}

	signalBus, err := newBus(ctx, cfg, log, m, notifier)
	if err != nil {
		return err
	}

	app, err := assemble(cfg, log, db, signalBus, notifier, m, reg)
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("port", cfg.Port).Msg("votecore started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	shutCtx, cancelShut := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelShut()
	return app.Stop(shutCtx)
}

func newNotifier(cfg config.Config, log zerolog.Logger) (alert.Notifier, error) {
	if !cfg.Discord.Enabled() {
		log.Info().Msg("discord alerts disabled, alerts go to the log")
		return alert.NewLog(log), nil
	}
	d, err := alert.NewDiscord(cfg.Discord.Token, cfg.Discord.AlertChannel)
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	return d, nil
}

type lifecycleBus interface {
	bus.Bus
	services.Module
}

func newBus(ctx context.Context, cfg config.Config, log zerolog.Logger, m *metrics.Collector, notifier alert.Notifier) (lifecycleBus, error) {
	opts := bus.Options{
		MaxDeliveries:  cfg.Bus.MaxDeliveries,
		RedeliverAfter: cfg.Bus.RedeliverAfter,
		Concurrency:    cfg.Bus.Concurrency,
		Metrics:        m,
		Logger:         log,
		OnDeadLetter: func(ctx context.Context, msg bus.Message, lastErr error) {
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
			defer cancel()
			err := notifier.Notify(actx, alert.Alert{
				Kind:   alert.KindDeadLetter,
				Title:  "Signal dead-lettered",
				Body:   fmt.Sprintf("%s after %d deliveries: %v", msg.Topic, msg.Delivery, lastErr),
				PollID: msg.Key,
				Fields: map[string]string{"message": msg.ID},
			})
			m.AlertSent(string(alert.KindDeadLetter), err)
		},
	}
	if cfg.RedisURL == "" {
		log.Info().Msg("REDIS_URL not set, using in-process signal bus")
		return bus.NewMemory(opts), nil
	}
	rdb, err := data.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return bus.NewRedis(rdb, opts), nil
}

func assemble(cfg config.Config, log zerolog.Logger, db *gorm.DB, b lifecycleBus, notifier alert.Notifier, m *metrics.Collector, reg *prometheus.Registry) (*services.Manager, error) {
	rec := audit.NewRecorder(db, log)
	tallyStore := tally.NewStore(db)

	worker := tally.NewWorker(tallyStore, rec, b, log, tally.WorkerOptions{
		Partitions:        cfg.Tally.Partitions,
		MaxAttempts:       cfg.Tally.MaxAttempts,
		BaseBackoff:       cfg.Tally.BaseBackoff,
		ReconcileInterval: cfg.Tally.ReconcileInterval,
		Metrics:           m,
		Notifier:          notifier,
	})
	if err := worker.Subscribe(b); err != nil {
		return nil, err
	}

	mon, err := monitor.New(rec, notifier, log, monitor.Options{
		StormThreshold: cfg.Monitor.DuplicateStormThreshold,
		AlertWorkers:   cfg.Monitor.AlertWorkers,
		Metrics:        m,
	})
	if err != nil {
		return nil, err
	}
	if err := mon.Subscribe(b); err != nil {
		return nil, err
	}

	dispatcher := outbox.NewDispatcher(db, b, log, outbox.Options{
		Interval:  cfg.Outbox.Interval,
		BatchSize: cfg.Outbox.BatchSize,
		Metrics:   m,
	})

	orch := casting.New(polls.NewStore(db), ledger.New(db, rec, log), rec, monitor.NewBusReporter(b, mon, log), log, casting.Options{
		Outbox:  dispatcher,
		Metrics: m,
	})

	gin.SetMode(gin.ReleaseMode)
	server := webserver.New(cfg, webserver.Deps{
		Casting:  orch,
		Tally:    tallyStore,
		Audit:    rec,
		Gatherer: reg,
		Log:      log,
	})

	// Consumers start before the bus delivers and stop after it has drained.
	return services.NewManager(log, worker, mon, b, dispatcher, server), nil
}
