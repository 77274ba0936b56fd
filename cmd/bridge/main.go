package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-webhook-bridge/internal/announce"
	"github.com/brandon/mail-webhook-bridge/internal/cache"
	"github.com/brandon/mail-webhook-bridge/internal/config"
	"github.com/brandon/mail-webhook-bridge/internal/email"
	"github.com/brandon/mail-webhook-bridge/internal/notify"
	"github.com/brandon/mail-webhook-bridge/internal/watch"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
	history     = flag.Int("history", 0, "Print the last N journal deliveries and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mail-webhook-bridge version %s\n", version)
		os.Exit(0)
	}
	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	if err := godotenv.Load(); err != nil {
		logger.WithError(err).Info("No .env file loaded, using process environment")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Set log level
	level, err := cfg.Level()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	logger.SetLevel(level)

	if *history > 0 {
		// stdout is for the table
		logger.SetOutput(os.Stderr)
		if err := printHistory(cfg, *history, logger); err != nil {
			logger.WithError(err).Fatal("Failed to read delivery history")
		}
		return
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Bridge stopped")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	logger.WithField("version", version).Info("Starting mail webhook bridge")

	journal, err := openJournal(cfg, logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	notifier, err := notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Content, cfg.Webhook.MaxRetries, logger)
	if err != nil {
		return err
	}

	sessionConfig := email.SessionConfig{
		Addr:     cfg.IMAP.Addr(),
		Host:     cfg.IMAP.Host,
		TLS:      cfg.IMAP.TLS,
		Username: cfg.IMAP.Username,
		Password: cfg.IMAP.Password,
		Mailbox:  cfg.IMAP.Mailbox,
	}
	dialer := watch.DialFunc(func(ctx context.Context) (watch.Session, error) {
		session, err := email.Dial(ctx, sessionConfig, logger)
		if err != nil {
			return nil, err
		}
		return session, nil
	})

	watcher := watch.New(watch.Config{
		Mailbox:       cfg.IMAP.Mailbox,
		Query:         email.NewFilterQuery(cfg.Filter.Sender, cfg.Filter.ExcludeSubjects),
		IdleTimeout:   cfg.IdleTimeout,
		SkipMalformed: cfg.SkipMalformed,
	}, dialer, announce.NewExtractor(cfg.Location), notifier, journal, logger)

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- watcher.Run(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
		err = <-errChan
	case err = <-errChan:
	}
	if err != nil {
		return err
	}

	logger.Info("Shutting down mail webhook bridge")
	return nil
}

func openJournal(cfg *config.Config, logger *logrus.Logger) (cache.Journal, error) {
	if cfg.JournalPath == "" {
		return cache.NewMemory(), nil
	}
	journal, err := cache.NewSQLite(cfg.JournalPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return journal, nil
}

func printHistory(cfg *config.Config, limit int, logger *logrus.Logger) error {
	if cfg.JournalPath == "" {
		return errors.New("-history requires JOURNAL_PATH")
	}
	journal, err := cache.NewSQLite(cfg.JournalPath, logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	records, err := journal.RecentDeliveries(context.Background(), limit)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Delivered", "Mailbox", "UID", "Author", "Title"})
	for _, r := range records {
		table.Append([]string{
			r.DeliveredAt.In(cfg.Location).Format(time.DateTime),
			r.Mailbox,
			strconv.FormatUint(uint64(r.UID), 10),
			r.Author,
			r.Title,
		})
	}
	table.Render()
	return nil
}
