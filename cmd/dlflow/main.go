package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dlflow/internal/api"
	"dlflow/internal/config"
	httphook "dlflow/internal/handlers/http"
	"dlflow/internal/handlers/shell"
	"dlflow/internal/metrics"
	"dlflow/internal/resolve"
	"dlflow/internal/scheduler"
	"dlflow/internal/store"
	"dlflow/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "dlflow.yml", "YAML config path")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		workers = flag.Int("workers", -1, "max concurrent downloads, 0 = unlimited (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *cfgPath).Msg("load config")
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *workers >= 0 {
		cfg.MaxConcurrent = *workers
	}
	setupLogging(cfg.Log)

	exe, err := cfg.ResolveExecutable()
	if err != nil {
		log.Fatal().Err(err).Msg("locate yt-dlp")
	}
	log.Info().Str("path", exe).Msg("using yt-dlp")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("create data dir")
	}

	stateFile := store.NewStateFile(cfg.StateFile)
	snap, err := stateFile.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load state")
	}

	db, err := store.Open(cfg.HistoryDB)
	if err != nil {
		log.Fatal().Err(err).Msg("open history db")
	}
	defer db.Close()

	repo := store.NewSQLiteRepo(db)
	if n, err := repo.RecoverStale(context.Background(), time.Now()); err == nil {
		log.Info().Int("recovered", n).Msg("closed runs interrupted by the last shutdown")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sinks := []scheduler.ErrorSink{}
	if cfg.WebhookURL != "" {
		hook := httphook.NewWebhook(cfg.WebhookURL, 10*time.Second)
		go hook.Run(ctx)
		sinks = append(sinks, hook)
	}

	pool := worker.NewPool(worker.Options{
		Executable:     exe,
		OutputTemplate: cfg.OutputTemplate,
		StopGrace:      cfg.StopGrace,
		WaitTimeout:    cfg.WaitTimeout,
		HookTimeout:    cfg.HookTimeout,
		Hook:           shell.Hook{},
	})

	sched := scheduler.New(snap, scheduler.Options{
		Launcher:     pool,
		State:        stateFile,
		History:      repo,
		Metrics:      m,
		Sinks:        sinks,
		Limit:        cfg.MaxConcurrent,
		TickInterval: cfg.TickInterval,
		Defaults:     cfg.Defaults,
	})
	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	crons := scheduler.NewCronService(repo, sched, cfg.ScheduleCheck)
	go crons.Start(ctx)

	streamsDone := make(chan struct{})
	handler := api.NewServer(api.Options{
		Scheduler: sched,
		Schedules: crons,
		Runs:      repo,
		Resolver:  resolve.New(exe, cfg.ResolveTimeout),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Debug:     cfg.Debug,
		Done:      streamsDone,
	})
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	srv.RegisterOnShutdown(func() { close(streamsDone) })
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	// Each phase has its own bound.
	phase := func(name string, fn func(context.Context) error) {
		ctx, stop := context.WithTimeout(context.Background(), cfg.ShutdownWait)
		defer stop()
		if err := fn(ctx); err != nil {
			log.Warn().Err(err).Str("phase", name).Msg("shutdown phase did not finish")
		}
	}
	phase("http", srv.Shutdown)
	crons.Stop()
	phase("scheduler", sched.Shutdown)
	cancel()
	phase("workers", pool.Wait)
	<-schedDone
	log.Info().Msg("stopped")
}

func setupLogging(c config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if strings.EqualFold(c.Format, "json") {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}
