// Package main implements the r/WhatsTheWord moderation bot: it tracks every post through its
// solved/unsolved lifecycle, keeps flairs in sync, rewards helpful users and notifies
// subscribers when a post is solved.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"wtw-bot/config"
	"wtw-bot/notify"
	"wtw-bot/pkg/wtw"
	"wtw-bot/poll"
	"wtw-bot/reddit"
	"wtw-bot/server"
	"wtw-bot/storage"
)

const defaultConfigPath = "config.yaml"

// store is everything the bot and the admin commands need from a status store backend.
type store interface {
	poll.Store
	notify.Store
	DeletePost(ctx context.Context, postID string) error
	GetPoints(ctx context.Context, name string) (int, error)
	SetPoints(ctx context.Context, name string, points int) error
	Close() error
}

type rootOptions struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "wtw-bot",
		Short: "Moderation bot for r/WhatsTheWord",
		Long: `Tracks every post on the subreddit through its lifecycle (unsolved, contested,
solved, abandoned, unknown), keeps post flairs in sync, awards points to users whose
answers solve a post and messages subscribers when a post they follow is solved.

Running without a subcommand is the same as "wtw-bot run".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.configPath
			if !cmd.Flags().Changed("config") {
				if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
					path = ""
				}
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = newLogger(cfg.Log, cmd.ErrOrStderr())
			slog.SetDefault(opts.logger)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), opts)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to YAML config file")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newPointsCommand(opts))
	cmd.AddCommand(newPostCommand(opts))
	cmd.AddCommand(newSubscribersCommand(opts))
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation loop and HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), opts)
		},
	}
}

func newLogger(cfg config.Log, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, hopts))
	}
	return slog.New(slog.NewJSONHandler(w, hopts))
}

// openStore opens the configured backend. The returned close func releases the store and,
// in gcs mode, the storage client.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store, func(), error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		st, err := storage.OpenSQL(cfg.Storage.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using sqlite store", "path", cfg.Storage.Path)
		return st, func() {
			if err := st.Close(); err != nil {
				logger.Warn("Failed to close store", "error", err)
			}
		}, nil

	case "local":
		if err := os.MkdirAll(cfg.Storage.LocalPath, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Running with local object store", "storage_path", cfg.Storage.LocalPath)
		return storage.NewObject(nil, "", cfg.Storage.LocalPath, logger), func() {}, nil

	case "gcs":
		var copts []option.ClientOption
		if cfg.Storage.CredentialsFile != "" {
			copts = append(copts, option.WithCredentialsFile(cfg.Storage.CredentialsFile))
		}
		client, err := gcs.NewClient(ctx, copts...)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize storage client: %w", err)
		}
		logger.Info("Using GCS object store", "bucket", cfg.Storage.Bucket)
		return storage.NewObject(client, cfg.Storage.Bucket, "", logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// forum is what the loop and the notifier need from the Reddit client.
type forum interface {
	poll.Forum
	notify.Messenger
	notify.Lookup
}

func runBot(ctx context.Context, opts *rootOptions) error {
	cfg, logger := opts.cfg, opts.logger

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	httpClient, err := reddit.NewHTTPClient(ctx, reddit.Credentials{
		ClientID:     cfg.Reddit.ClientID,
		ClientSecret: cfg.Reddit.ClientSecret,
		Username:     cfg.Reddit.Username,
		Password:     cfg.Reddit.Password,
		TokenURL:     cfg.Reddit.TokenURL,
		UserAgent:    cfg.Reddit.UserAgent,
	}, cfg.Reddit.Timeout)
	if err != nil {
		return fmt.Errorf("authenticate with reddit: %w", err)
	}
	client := reddit.New(httpClient, reddit.Options{
		BaseURL:   cfg.Reddit.BaseURL,
		WebURL:    cfg.Reddit.WebURL,
		Subreddit: cfg.Subreddit,
		UserAgent: cfg.Reddit.UserAgent,
		Timeout:   cfg.Reddit.Timeout,
		Attempts:  uint(cfg.Reddit.Attempts),
		Rate:      rate.Limit(cfg.Reddit.Rate),
		Burst:     cfg.Reddit.Burst,
	}, logger)

	var f forum = client
	if cfg.DryRun {
		logger.Info("Dry run mode enabled, flairs and messages are only logged")
		f = reddit.NewDryRun(client, logger)
	}

	policy := cfg.Policy()
	notifier := notify.New(f, f, st, cfg.Subreddit, policy.Flair(wtw.Solved), notify.Templates{
		Subject: cfg.Messages.Subject,
		Body:    cfg.Messages.Body,
		Footer:  cfg.Messages.Footer,
	}, logger)

	var (
		metrics  poll.Metrics = poll.NoopMetrics{}
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = poll.NewMetrics(reg)
		gatherer = reg
	}

	monitor := poll.New(&poll.Config{
		Forum:               f,
		Store:               st,
		Notifier:            notifier,
		Policy:              policy,
		Metrics:             metrics,
		Seen:                poll.NewSeenCache(cfg.Poll.SeenCacheBytes, int(cfg.Poll.SeenTTL/time.Second)),
		Logger:              logger,
		Subreddit:           cfg.Subreddit,
		Moderators:          cfg.Moderators,
		UnsolvedToAbandoned: cfg.Thresholds.UnsolvedToAbandoned,
		ContestedToUnknown:  cfg.Thresholds.ContestedToUnknown,
		SubmissionLimit:     cfg.Poll.SubmissionLimit,
		CommentLimit:        cfg.Poll.CommentLimit,
		MessageLimit:        cfg.Poll.MessageLimit,
		Workers:             cfg.Poll.Workers,
		Interval:            cfg.Poll.Interval,
		TransitionTimeout:   cfg.Poll.TransitionTimeout,
		ModeratorRefresh:    cfg.Poll.ModeratorRefresh,
		PointsPerSolve:      cfg.Points.PerSolve,
	})

	logger.Info("Starting bot", "subreddit", cfg.Subreddit, "interval", cfg.Poll.Interval, "backend", cfg.Storage.Backend)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Run(ctx)
	})
	if cfg.Server.Enabled {
		srv := server.New(&server.Config{
			Poller:       monitor,
			Gatherer:     gatherer,
			Logger:       logger,
			PollInterval: cfg.Server.PollInterval,
			PassTimeout:  cfg.Server.PassTimeout,
		})
		g.Go(func() error {
			return srv.ListenAndServe(ctx, cfg.Server.Addr)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("Shutdown complete")
		return nil
	}
	return err
}
