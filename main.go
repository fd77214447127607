package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time version metadata (set via -ldflags)
var (
	version   = "dev"
	commitSHA = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 5 * time.Second

// runClient starts the session, the dashboard API and, when enabled, the
// Telegram alerts. It returns when ctx is cancelled or a server fails.
func runClient(ctx context.Context, cc *cliContext) error {
	cfg := cc.cfg
	logger := cc.logger

	var snapshotter Snapshotter
	if cfg.Fallback.Enabled {
		snapshotter = NewFallbackRetriever(cfg.Fallback.URL, cfg.Fallback.Count, cfg.Fallback.Timeout, logger)
	}
	session := NewSession(cfg.SessionConfig(), snapshotter, logger, cc.metrics)
	dashboard := NewDashboard(session, cc.metrics, logger)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Alerts.TelegramEnabled {
		channelID, err := strconv.ParseInt(cfg.Alerts.TelegramChannel, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing telegram channel ID: %w", err)
		}
		bot, err := newTelegramBot(cfg.Alerts.TelegramToken)
		if err != nil {
			return err
		}
		alerter := NewAlerter(bot, channelID, logger)
		session.OnRecord(alerter.OnRecord)
		registerCommands(bot, session, cfg.Alerts.AllowedUsers, logger)
		go bot.Start()
		g.Go(func() error {
			defer bot.Stop()
			return alerter.Run(ctx)
		})
		logger.Info().Int64("channel", channelID).Msg("telegram alerts enabled")
	}

	logger.Info().
		Str("version", version).
		Str("session_id", session.ID()).
		Strs("candidates", cfg.Feed.Candidates).
		Msg("starting txwatch")

	if err := session.Start(); err != nil {
		return err
	}

	g.Go(func() error {
		dashboard.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return serveHTTP(ctx, "dashboard", cfg.Dashboard.Listen, dashboard.Router(), cc)
	})
	g.Go(func() error {
		<-ctx.Done()
		session.Teardown()
		return nil
	})

	return g.Wait()
}

// runFeed serves the producer side of the protocol from the configured store.
func runFeed(ctx context.Context, cc *cliContext) error {
	cfg := cc.cfg
	store, err := initStore(cfg.Database, cc.logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	server := NewFeedServer(store, cfg.Server.MaxClients, cc.logger, cc.metrics)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		server.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return serveHTTP(ctx, "feed", cfg.Server.Listen, server.Router(), cc)
	})
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		ingest := NewKafkaIngest(cfg.Kafka, server, cc.logger)
		g.Go(func() error {
			return ingest.Run(ctx)
		})
	}

	count, err := store.CountTransactions(ctx)
	if err == nil {
		cc.logger.Info().Int("stored", count).Int("max_clients", cfg.Server.MaxClients).Msg("feed server starting")
	}
	return g.Wait()
}

// serveHTTP runs h on addr until ctx is cancelled, then shuts down gracefully.
func serveHTTP(ctx context.Context, name, addr string, h http.Handler, cc *cliContext) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		cc.logger.Info().Str("server", name).Str("addr", addr).Msg("http server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		cc.logger.Warn().Err(err).Str("server", name).Msg("http shutdown")
	}
	return nil
}

// Main function to start txwatch
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
