package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/jit-access/internal/api"
	"github.com/p-blackswan/jit-access/internal/config"
	"github.com/p-blackswan/jit-access/internal/directory"
	"github.com/p-blackswan/jit-access/internal/health"
	"github.com/p-blackswan/jit-access/internal/metrics"
	"github.com/p-blackswan/jit-access/internal/notify"
	"github.com/p-blackswan/jit-access/internal/policy"
	"github.com/p-blackswan/jit-access/internal/scheduler"
	"github.com/p-blackswan/jit-access/internal/store"
	"github.com/p-blackswan/jit-access/internal/workflow"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Str("directory", cfg.DirectoryBackend).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting jit access service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	engine := policy.NewEngine(logger)
	if err := engine.LoadFile(cfg.PolicyFile); err != nil {
		logger.Fatal().Err(err).Str("path", cfg.PolicyFile).Msg("failed to load policy")
	}

	var dir directory.Adapter
	switch {
	case cfg.KubernetesEnabled():
		dir, err = directory.NewKubernetes(directory.KubernetesConfig{
			KubeconfigPath: cfg.KubeconfigPath,
			Namespace:      cfg.KubeNamespace,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init kubernetes directory")
		}
		logger.Info().Str("namespace", cfg.KubeNamespace).Msg("kubernetes directory initialized")
	case cfg.GitHubEnabled():
		dir = directory.NewGitHub(cfg.GitHubOrg, cfg.GitHubToken, logger)
		logger.Info().Str("org", cfg.GitHubOrg).Msg("github directory initialized")
	default:
		dir = directory.NewMemory()
		logger.Warn().Msg("using in-memory directory, grants are not persisted externally")
	}

	var gateway notify.Gateway
	if cfg.SlackEnabled() {
		gateway = notify.NewSlack(cfg.SlackBotToken, cfg.SlackApproverChannel, logger)
		logger.Info().Str("channel", cfg.SlackApproverChannel).Msg("slack notifications enabled")
	} else {
		gateway = notify.Nop{}
		logger.Info().Msg("slack not configured, notifications disabled")
	}

	m := metrics.New()

	wf := workflow.New(st, engine, dir, gateway, m, logger)
	sched := scheduler.New(st, wf, cfg.ReconcileInterval, m, logger)
	wf.SetTimer(sched)

	// Re-arm timers for grants approved before the last shutdown. Missed
	// expiries are handled by the first reconcile sweep either way.
	if err := wf.ResumeTimers(); err != nil {
		logger.Error().Err(err).Msg("failed to resume revocation timers")
	}

	checker := health.NewChecker(logger)
	checker.Register("store", func(ctx context.Context) health.Status {
		if err := st.Ping(); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	server := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.ListenAddr,
		Auth: api.AuthConfig{
			Mode:      cfg.AuthMode,
			APIKey:    cfg.APIKey,
			JWTSecret: cfg.JWTSecret,
		},
		RateLimit: api.RateLimitConfig{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		},
	}, wf, checker, m, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.RetentionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.RunRetention(ctx, store.DefaultRetention()); err != nil {
					logger.Error().Err(err).Msg("retention run failed")
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("API server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("jit access service stopped")
}
