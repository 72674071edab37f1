package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/memosync/internal/config"
	"github.com/agentworkforce/memosync/internal/httpapi"
	"github.com/agentworkforce/memosync/internal/logging"
	"github.com/agentworkforce/memosync/internal/memosync"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, webhook receiver, and mirror writer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			logger, logCloser, err := logging.New(cfg.Log.Options(), os.Stderr)
			if err != nil {
				return err
			}
			defer logCloser.Close()
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides addr in config)")
	return cmd
}

// app holds everything serve wires together so it can be torn down in
// reverse order.
type app struct {
	handler http.Handler
	service *memosync.Service
	backend memosync.Backend
	writer  *memosync.MirrorWriter
	secret  io.Closer
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	recordsDSN, queueDSN, err := cfg.StorageDSNs()
	if err != nil {
		return nil, err
	}
	backend, err := memosync.BuildBackendFromDSN(ctx, recordsDSN)
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	a := &app{backend: backend}

	queue, err := memosync.BuildWritebackQueueFromDSN(queueDSN, cfg.Storage.QueueSize)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("opening writeback queue: %w", err)
	}
	if queue == nil {
		queue = memosync.NewInMemoryWritebackQueue(cfg.Storage.QueueSize)
	}

	var mirror memosync.Mirror = memosync.NoopMirror{}
	if token := strings.TrimSpace(cfg.Notion.Token); token != "" {
		mirror = memosync.NewNotionMirror(memosync.NotionMirrorOptions{
			BaseURL:       cfg.Notion.BaseURL,
			DatabaseID:    cfg.Notion.DatabaseID,
			TokenProvider: memosync.StaticNotionToken(token),
			APIVersion:    cfg.Notion.APIVersion,
			UserAgent:     "memosync",
			MaxRetries:    cfg.Notion.MaxRetries,
		})
	} else {
		logger.Warn("notion token not configured; memos will not be mirrored")
	}

	var summarizer memosync.Summarizer
	if key := strings.TrimSpace(cfg.Summarizer.APIKey); key != "" {
		summarizer = memosync.NewAnthropicSummarizer(memosync.AnthropicSummarizerOptions{
			APIKey:    key,
			Model:     cfg.Summarizer.Model,
			BaseURL:   cfg.Summarizer.BaseURL,
			MaxTokens: cfg.Summarizer.MaxTokens,
			Timeout:   cfg.Summarizer.Timeout,
		})
	} else {
		logger.Warn("summarizer api key not configured; memos will use the fallback summary")
	}

	stats := &memosync.SyncStats{}
	a.writer = memosync.NewMirrorWriter(memosync.MirrorWriterOptions{
		Queue:       queue,
		Mirror:      mirror,
		Records:     backend,
		Workers:     cfg.Writeback.Workers,
		MaxAttempts: cfg.Writeback.MaxAttempts,
		RetryDelay:  cfg.Writeback.RetryDelay,
		Logger:      logger,
		Stats:       stats,
	})

	broker := memosync.NewBroker(64)
	service, err := memosync.NewService(memosync.ServiceOptions{
		Records:     backend,
		Accounts:    backend,
		Summarizer:  summarizer,
		Mirror:      mirror,
		Writebacks:  a.writer,
		Events:      broker,
		Logger:      logger,
		Stats:       stats,
		LinkCodeTTL: cfg.Chat.LinkCodeTTL,

		LinkAttemptLimit:       cfg.Chat.LinkAttemptLimit,
		LinkGlobalAttemptLimit: cfg.Chat.LinkGlobalAttemptLimit,
		LinkAttemptWindow:      cfg.Chat.LinkAttemptWindow,
		MaxClockSkew:           cfg.Webhook.MaxClockSkew,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.service = service

	var webhookSecret httpapi.SecretSource
	if path := strings.TrimSpace(cfg.Webhook.SecretFile); path != "" {
		fileSecret, err := httpapi.NewFileSecret(path, logger)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("loading webhook secret: %w", err)
		}
		a.secret = fileSecret
		webhookSecret = fileSecret
	} else {
		if strings.TrimSpace(cfg.Webhook.Secret) == "" {
			logger.Warn("webhook secret not configured; only verification handshakes will be accepted")
		}
		webhookSecret = httpapi.StaticSecret(cfg.Webhook.Secret)
	}

	if strings.TrimSpace(cfg.Chat.SkillSecret) == "" {
		logger.Warn("chat skill secret not configured; the chat skill endpoint accepts unsigned requests")
	}

	handler, err := httpapi.NewServer(service, httpapi.ServerConfig{
		Authenticator:        httpapi.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Audience),
		WebhookSecret:        webhookSecret,
		SkillSecret:          cfg.Chat.SkillSecret,
		Broker:               broker,
		Writebacks:           a.writer,
		StreamOriginPatterns: cfg.HTTP.StreamOrigins,
		Logger:               logger,
		RateLimitMax:         cfg.HTTP.RateLimitMax,
		RateLimitWindow:      cfg.HTTP.RateLimitWindow,
		MaxBodyBytes:         cfg.HTTP.MaxBodyBytes,
		WebhookTimeout:       cfg.Webhook.Timeout,
		DeliveryWindow:       cfg.Webhook.DeliveryWindow,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.handler = handler
	a.writer.Start()
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.writer != nil {
		errs = append(errs, a.writer.Close())
	}
	if a.secret != nil {
		errs = append(errs, a.secret.Close())
	}
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	return errors.Join(errs...)
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("shutdown cleanup failed", "error", err)
		}
	}()

	// Hijacked websocket connections outlive Shutdown, so their request
	// contexts derive from one we cancel afterwards.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("memosync listening", "addr", cfg.Addr)
		listenErr <- server.ListenAndServe()
	}()

	select {
	case err := <-listenErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	cancelBase()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
