package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/simlink/simlink/internal/accounts"
	"github.com/simlink/simlink/internal/config"
	"github.com/simlink/simlink/internal/metrics"
	"github.com/simlink/simlink/internal/relay"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	store := accounts.Store(accounts.NewStaticStore(nil))
	if cfg.AccountsFile != "" {
		loaded, err := accounts.LoadFile(cfg.AccountsFile)
		if err != nil {
			logger.Error("failed to load accounts file", "path", cfg.AccountsFile, "err", err)
			os.Exit(2)
		}
		store = loaded
	} else {
		logger.Warn("no accounts file configured; every authentication will fail")
	}

	m := metrics.New()
	srv := relay.NewServer(relay.Config{
		Accounts: store,
		Registry: relay.NewRegistry(m),
		Metrics:  m,
		Logger:   logger,

		AuthTimeout:          cfg.SignalingAuthTimeout,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})

	logger.Info("starting simlink-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"accounts_file_set", cfg.AccountsFile != "",
		"signaling_auth_timeout", cfg.SignalingAuthTimeout,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}
