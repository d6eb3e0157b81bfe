package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"salescoach/api/internal/alert"
	"salescoach/api/internal/cache"
	"salescoach/api/internal/detect"
	"salescoach/api/internal/logger"
	"salescoach/api/internal/metrics"
	"salescoach/api/internal/util"
)

func newListenCommand(ctx *commandContext) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Read transcript lines from stdin and print coaching alerts as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ctx.flags.token == "" {
				return fmt.Errorf("a credential is required (--token or COACH_TOKEN)")
			}
			cfg := ctx.config()
			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m := metrics.New()
			client := ctx.newClient(m)
			// An unreachable server leaves the corpus empty; detection keeps
			// running and picks up content once the stream connects.
			if err := client.Sync(runCtx); err != nil {
				if errors.Is(err, cache.ErrUnauthorized) {
					return err
				}
				ctx.log.Warn().Err(err).Msg("initial sync failed, starting offline")
			}
			go func() {
				if err := client.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
					ctx.log.Error().Err(err).Msg("sync stream stopped")
				}
			}()

			if sessionID == "" {
				sessionID = util.NewSessionID()
			}
			return runListen(runCtx, listenOptions{
				Source:    client,
				SessionID: sessionID,
				Cooldown:  cfg.AlertCooldown,
				In:        cmd.InOrStdin(),
				Out:       cmd.OutOrStdout(),
				Log:       ctx.log,
				Metrics:   m,
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Call session id (random when empty)")
	return cmd
}

type listenOptions struct {
	Source    detect.CorpusSource
	SessionID string
	Cooldown  time.Duration
	In        io.Reader
	Out       io.Writer
	Log       zerolog.Logger
	Metrics   *metrics.Metrics
}

// runListen feeds each input line to a call session and writes every alert
// as one JSON line. At end of input the session is drained, then ended;
// the end marker releases its cooldown state in the coordinator.
func runListen(ctx context.Context, opts listenOptions) error {
	candidates := make(chan detect.Candidate, 16)
	manager := detect.NewManager(opts.Source, candidates, logger.Component(opts.Log, "detect"), opts.Metrics)
	coordinator := alert.NewCoordinator(opts.Cooldown, logger.Component(opts.Log, "alert"), opts.Metrics)

	go coordinator.Run(ctx, candidates)

	written := make(chan error, 1)
	go func() {
		encoder := json.NewEncoder(opts.Out)
		var writeErr error
		for a := range coordinator.Alerts() {
			if writeErr == nil {
				writeErr = encoder.Encode(a)
			}
		}
		written <- writeErr
	}()

	if err := manager.Start(ctx, opts.SessionID); err != nil {
		close(candidates)
		<-written
		return err
	}

	scanErr := feedLines(ctx, manager, opts.SessionID, opts.In)
	if scanErr == nil {
		scanErr = manager.Wait(ctx, opts.SessionID)
	}
	_ = manager.End(opts.SessionID)
	close(candidates)
	writeErr := <-written

	if scanErr != nil {
		return scanErr
	}
	return writeErr
}

func feedLines(ctx context.Context, manager *detect.Manager, sessionID string, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fragment := detect.Fragment{Text: scanner.Text(), Timestamp: time.Now().UTC()}
		if err := manager.Feed(sessionID, fragment); err != nil {
			return err
		}
	}
	return scanner.Err()
}
