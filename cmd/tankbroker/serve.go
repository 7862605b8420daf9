package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	tankring "go-tankring"
	"go-tankring/monitor"
	"go-tankring/secure"
	"go-tankring/transport"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

type serveConfig struct {
	listen          string
	leaseDuration   time.Duration
	observerTimeout time.Duration
	workers         int
	queueSize       int
	idPrefix        string
	monitorAddr     string
	dbURL           string
	journalName     string
	log             logConfig
}

func newServeCmd() *cobra.Command {
	var cfg serveConfig

	var cmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.listen, "listen", "0.0.0.0:4711", "UDP address to listen on")
	cmd.Flags().DurationVar(&cfg.leaseDuration, "lease", 10*time.Second, "How long a member may stay silent before it is evicted")
	cmd.Flags().IntVar(&cfg.workers, "workers", 10, "Number of message handlers")
	cmd.Flags().IntVar(&cfg.queueSize, "queue", 64, "Received messages that may wait for a handler")
	cmd.Flags().StringVar(&cfg.idPrefix, "id-prefix", tankring.DefaultIDPrefix, "Prefix of assigned member ids")
	cmd.Flags().StringVar(&cfg.monitorAddr, "monitor-addr", "", "HTTP address serving the live ring feed at /ws (disabled if empty)")
	cmd.Flags().StringVar(&cfg.dbURL, "db", "", "PostgreSQL connection URL for the ring event journal (disabled if empty)")
	cmd.Flags().StringVar(&cfg.journalName, "journal", "tankring", "Table prefix of the ring event journal")
	cmd.Flags().DurationVar(&cfg.observerTimeout, "journal-timeout", 5*time.Second, "How long recording one ring event may take")
	addLogFlags(cmd, &cfg.log)

	return cmd
}

func addLogFlags(cmd *cobra.Command, cfg *logConfig) {
	cmd.Flags().StringVar(&cfg.level, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&cfg.file, "log-file", "", "Also write logs to this file, rotated")
	cmd.Flags().IntVar(&cfg.maxSizeMB, "log-max-size", 100, "Size in megabytes before the log file is rotated")
	cmd.Flags().IntVar(&cfg.maxBackups, "log-max-backups", 5, "Rotated log files to keep")
	cmd.Flags().IntVar(&cfg.maxAgeDays, "log-max-age", 28, "Days to keep rotated log files")
}

func runServe(ctx context.Context, cfg serveConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var logger, closeLog, err = newLogger(cfg.log)
	if err != nil {
		return err
	}
	defer closeLog()

	listenAddr, err := netip.ParseAddrPort(cfg.listen)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", cfg.listen, err)
	}

	endpoint, err := transport.ListenUDP(listenAddr)
	if err != nil {
		return err
	}

	channel, err := secure.NewChannel(endpoint, secure.WithLogger(logger))
	if err != nil {
		_ = endpoint.Close()
		return err
	}
	defer channel.Close()

	var opts = []tankring.Option{
		tankring.WithLeaseDuration(cfg.leaseDuration),
		tankring.WithObserverTimeout(cfg.observerTimeout),
		tankring.WithWorkers(cfg.workers),
		tankring.WithQueueSize(cfg.queueSize),
		tankring.WithIDPrefix(cfg.idPrefix),
		tankring.WithLogger(logger),
	}

	if cfg.dbURL != "" {
		var db, err = sql.Open("postgres", cfg.dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}

		journal, err := tankring.NewJournal(db, cfg.journalName)
		if err != nil {
			return err
		}
		opts = append(opts, tankring.WithObserver(journal))
		logger.Info("ring event journal enabled", "journal", cfg.journalName)
	}

	// The hub needs the broker for snapshots and the broker needs the hub
	// as an observer, so the hub reads through this variable.
	var broker *tankring.Broker

	var (
		hub    *monitor.Hub
		server *http.Server
	)
	if cfg.monitorAddr != "" {
		hub = monitor.NewHub(func() []tankring.Member { return broker.Members() }, logger)
		opts = append(opts, tankring.WithObserver(hub))

		var mux = http.NewServeMux()
		mux.Handle("/ws", hub)
		server = &http.Server{
			Addr:              cfg.monitorAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	broker = tankring.NewBroker(channel, opts...)

	if server != nil {
		go func() {
			logger.Info("monitor listening", "addr", cfg.monitorAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("monitor server failed", "error", err)
			}
		}()
		defer func() {
			hub.Close()
			var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	var runCtx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("listening", "addr", channel.LocalAddr())
	if err := broker.Run(runCtx); err != nil {
		return fmt.Errorf("broker failed: %w", err)
	}

	fmt.Fprint(os.Stderr, broker.String())
	return nil
}
