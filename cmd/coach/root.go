package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"salescoach/api/internal/cache"
	"salescoach/api/internal/config"
	"salescoach/api/internal/logger"
	"salescoach/api/internal/metrics"
)

type clientFlags struct {
	server string
	token  string
	team   string
}

type commandContext struct {
	flags *clientFlags
	cfg   *config.Config
	log   zerolog.Logger
}

func (c *commandContext) config() config.Config {
	if c.cfg == nil {
		cfg := config.Load()
		c.cfg = &cfg
		c.log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Output: os.Stderr, Service: "coach"})
	}
	return *c.cfg
}

func (c *commandContext) newClient(m *metrics.Metrics) *cache.Client {
	cfg := c.config()
	return cache.NewClient(cache.Options{
		BaseURL:        c.flags.server,
		Token:          c.flags.token,
		TeamID:         c.flags.team,
		Backoff:        cache.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Attempts: cfg.BackoffAttempts},
		PageLimit:      cfg.SyncPageLimit,
		MatchThreshold: cfg.MatchThreshold,
		Logger:         logger.Component(c.log, "cache"),
		Metrics:        m,
	})
}

func newRootCommand() *cobra.Command {
	flags := &clientFlags{}
	ctx := &commandContext{flags: flags}

	rootCmd := &cobra.Command{
		Use:           "coach",
		Short:         "Sales coach content cache and live objection detection",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ctx.config()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.server, "server", envOr("COACH_SERVER_URL", "http://localhost:8787"), "Sync server base URL")
	rootCmd.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("COACH_TOKEN"), "Bearer credential")
	rootCmd.PersistentFlags().StringVar(&flags.team, "team", os.Getenv("COACH_TEAM"), "Team id the credential belongs to")

	rootCmd.AddCommand(newSyncCommand(ctx))
	rootCmd.AddCommand(newListenCommand(ctx))

	return rootCmd
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
