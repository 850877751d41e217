package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"workerscheduler/internal/api"
	"workerscheduler/internal/config"
	httptask "workerscheduler/internal/handlers/http"
	"workerscheduler/internal/handlers/shell"
	"workerscheduler/internal/history"
	"workerscheduler/internal/metrics"
	"workerscheduler/internal/runner"
	"workerscheduler/internal/scheduler"
	"workerscheduler/internal/tasks"
	"workerscheduler/internal/worker"
)

func builtinTasks() *tasks.Registry {
	return tasks.NewRegistry().
		Register("shell", shell.Run).
		Register("http", httptask.Run)
}

func main() {
	reg := builtinTasks()
	// Task subprocesses are this same binary; they never get past here.
	runner.Main(reg)

	var (
		configPath = flag.String("config", "", "YAML config file")
		envFile    = flag.String("env", ".env", "dotenv file loaded before reading config")
		watch      = flag.Bool("watch", true, "reload the config file when it changes")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatal().Err(err).Msg("load env file")
	}
	loader := config.Loader{KnownTask: func(name string) bool {
		_, err := reg.Lookup(name)
		return err == nil
	}}
	cfg, err := loader.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogging(cfg)
	if *configPath == "" {
		log.Warn().Msg("no config file given; starting without workers")
	}

	svc := scheduler.NewService(scheduler.Config{Timeout: cfg.Timeout, TickInterval: cfg.TickInterval})
	m := metrics.New(svc)
	svc.OnTick(m.ObserveTick)
	if fn := systemdWatchdog(); fn != nil {
		svc.OnTick(fn)
	}

	listeners := []worker.Listener{m, eventLogger{}}
	var runs history.Repository
	if cfg.HistoryEnabled() {
		db, err := openHistory(cfg.History)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.History).Msg("open history db")
		}
		defer db.Close()
		runs = history.NewSQLiteRepo(db)
		if cfg.HistoryRetention > 0 {
			n, err := runs.Prune(context.Background(), time.Now().Add(-cfg.HistoryRetention))
			if err != nil {
				log.Warn().Err(err).Msg("prune run history failed")
			} else {
				log.Info().Int("pruned", n).Msg("pruned old run history")
			}
		}
		listeners = append(listeners, history.NewRecorder(runs))
	}

	a := newApp(svc, listeners...)
	a.apply(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)

	if *configPath != "" && *watch {
		go func() {
			if err := loader.Watch(ctx, *configPath, a.apply); err != nil {
				log.Error().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(svc, api.Options{History: runs, Metrics: m.Handler(), Debug: cfg.Debug}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	notify(daemon.SdNotifyReady)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	notify(daemon.SdNotifyStopping)
	svc.Shutdown()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func setupLogging(cfg *config.Config) {
	zerolog.SetGlobalLevel(cfg.LogLevel)
	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

func openHistory(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := history.EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}
