package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/time/rate"

	"github.com/adred-codev/goofish-agent/internal/config"
	"github.com/adred-codev/goofish-agent/internal/delivery"
	"github.com/adred-codev/goofish-agent/internal/fetch"
	"github.com/adred-codev/goofish-agent/internal/monitoring"
	"github.com/adred-codev/goofish-agent/internal/mtop"
	"github.com/adred-codev/goofish-agent/internal/notify"
	"github.com/adred-codev/goofish-agent/internal/ops"
	"github.com/adred-codev/goofish-agent/internal/registry"
	"github.com/adred-codev/goofish-agent/internal/reply"
	"github.com/adred-codev/goofish-agent/internal/session"
	"github.com/adred-codev/goofish-agent/internal/store"
)

const (
	systemSampleInterval = 30 * time.Second
	shutdownTimeout      = 10 * time.Second
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Plain logger for the window before the structured one exists.
	boot := log.New(os.Stdout, "[agent] ", log.LstdFlags)

	// automaxprocs has already sized GOMAXPROCS from the container CPU limit.
	boot.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(nil)
	if err != nil {
		boot.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal().Err(err).Str("dir", dir).Msg("Failed to create database directory")
		}
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("Failed to open database")
	}
	defer st.Close()

	notifier := notify.New(st, logger)
	notifier.Register(notify.TypeLog, notify.NewLogSender(logger))
	var natsSender *notify.NATSSender
	if cfg.NATSURL != "" {
		natsSender, err = notify.NewNATSSender(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("Failed to connect to NATS")
		}
		defer natsSender.Close()
		notifier.Register(notify.TypeNATS, natsSender)
	}

	selector := reply.NewSelector(st, nil, notifier, reply.Config{
		APIEnabled: cfg.ReplyAPIEnabled,
		APIURL:     cfg.ReplyAPIURL,
		APITimeout: cfg.ReplyAPITimeout,
	}, logger)

	factory := func(acct *store.Account) (registry.Handle, error) {
		api, err := mtop.New(mtop.Config{
			AccountID:       acct.ID,
			Cookies:         acct.Cookies,
			BaseURL:         cfg.APIBaseURL,
			Timeout:         cfg.APITimeout,
			RefreshInterval: cfg.TokenRefreshInterval,
			RateLimit:       rate.Limit(cfg.APIRateLimit),
			Store:           st,
			Health:          notifier,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		pipeline := delivery.NewPipeline(st, api, notifier, delivery.Options{}, logger)
		return session.New(acct.ID, session.Config{
			WSURL:              cfg.WSURL,
			HeartbeatInterval:  cfg.HeartbeatInterval,
			HeartbeatTimeout:   cfg.HeartbeatTimeout,
			TokenRetryInterval: cfg.TokenRetryInterval,
			ReconnectDelay:     cfg.ReconnectDelay,
		}, api, selector, pipeline, logger), nil
	}
	reg := registry.New(st, factory, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.BootstrapAccountID != "" {
		seedAccount(ctx, st, reg, cfg, logger)
	}
	if err := reg.ReloadFromDB(ctx); err != nil {
		logger.Error().Err(err).Msg("Some sessions failed to start")
	}

	sysmon := monitoring.NewSystemMonitor(logger)
	sysmon.Start(systemSampleInterval)

	if cfg.AutoFetchEnabled {
		catalogs := func(accountID string) (fetch.Catalog, bool) {
			h, ok := reg.Lookup(accountID)
			if !ok {
				return nil, false
			}
			sess, ok := h.(*session.Session)
			if !ok {
				return nil, false
			}
			return sess.API(), true
		}
		fetcher := fetch.New(st, catalogs, fetch.Options{
			DetailAPIURL:  cfg.AutoFetchAPIURL,
			Timeout:       cfg.AutoFetchTimeout,
			MaxConcurrent: cfg.AutoFetchMaxConcurrent,
			RetryDelay:    cfg.AutoFetchRetryDelay,
		}, logger)
		go fetcher.Run(ctx, cfg.AutoFetchInterval)
	}

	var pinger ops.Pinger
	if natsSender != nil {
		pinger = natsSender
	}
	opsSrv := ops.New(cfg.OpsAddr, reg, sysmon, pinger, logger)
	opsSrv.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Ops server shutdown failed")
	}
	reg.Shutdown()
	sysmon.Shutdown()
	logger.Info().Msg("Agent stopped")
}

// seedAccount inserts the bootstrap account unless it is already stored. An
// existing row wins: the store holds rotated cookies fresher than the
// environment's.
func seedAccount(ctx context.Context, st *store.Store, reg *registry.Registry, cfg *config.Config, logger zerolog.Logger) {
	if _, err := st.GetAccount(ctx, cfg.BootstrapAccountID); err == nil {
		logger.Debug().Str("account_id", cfg.BootstrapAccountID).Msg("Bootstrap account already stored, skipping seed")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		logger.Error().Err(err).Msg("Bootstrap account lookup failed")
		return
	}

	owner := mtop.ParseCookies(cfg.BootstrapCookies).Get("unb")
	if err := reg.Add(ctx, cfg.BootstrapAccountID, cfg.BootstrapCookies, owner); err != nil {
		logger.Error().Err(err).Str("account_id", cfg.BootstrapAccountID).Msg("Bootstrap account seed failed")
		return
	}
	logger.Info().Str("account_id", cfg.BootstrapAccountID).Msg("Bootstrap account seeded")
}
