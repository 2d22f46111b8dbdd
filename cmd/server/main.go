package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailpipe/internal/api"
	"github.com/ignite/mailpipe/internal/config"
	"github.com/ignite/mailpipe/internal/dispatch"
	"github.com/ignite/mailpipe/internal/pkg/distlock"
	"github.com/ignite/mailpipe/internal/pkg/httpretry"
	"github.com/ignite/mailpipe/internal/pkg/logger"
	"github.com/ignite/mailpipe/internal/store"
	"github.com/ignite/mailpipe/internal/tracking"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	transport, refresher, err := buildTransport(cfg, st, redisClient)
	if err != nil {
		logger.Error("build transport", "error", err)
		os.Exit(1)
	}

	injector := tracking.NewInjector(cfg.Tracking.BaseURL)
	throttler := dispatch.NewThrottler(redisClient, cfg.Dispatch.HourlyLimit, cfg.Dispatch.MinuteLimit)

	dispatcher := dispatch.NewDispatcher(st, transport, injector,
		cfg.Dispatch.FromAddress, cfg.Dispatch.FromName,
		dispatch.Options{Throttler: throttler, Refresher: refresher})

	router := api.SetupRoutes(api.NewHandlers(dispatcher), cfg.Server.APIKeys)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("dispatch api listening", "addr", srv.Addr, "transport", transport.Name())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down dispatch api")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

// buildTransport picks the configured provider. Gmail wins when both are
// enabled; it is the only one that needs the refresh machinery.
func buildTransport(cfg *config.Config, st *store.Store, redisClient *redis.Client) (dispatch.Transport, dispatch.TokenRefresher, error) {
	switch {
	case cfg.Gmail.Enabled:
		lock := distlock.NewLock(redisClient, st.DB(), "mailpipe:refresh:gmail", 30*time.Second)
		creds := dispatch.NewCredentialManager(st, lock, "gmail", cfg.Gmail.ClientID, cfg.Gmail.ClientSecret)
		client := httpretry.NewRetryClient(&http.Client{Timeout: cfg.Gmail.Timeout()}, 0)
		return dispatch.NewGmailTransport(creds, client), creds, nil
	case cfg.SES.Enabled:
		transport, err := dispatch.NewSESTransport(context.Background(), cfg.SES)
		if err != nil {
			return nil, nil, err
		}
		return transport, nil, nil
	default:
		return nil, nil, fmt.Errorf("no transport enabled: set gmail.enabled or ses.enabled")
	}
}
