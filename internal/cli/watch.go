package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tOgg1/loopdeck/internal/models"
	"github.com/tOgg1/loopdeck/internal/orchestrator"
	"golang.org/x/sync/errgroup"
)

var (
	watchInterval time.Duration
	watchUntilEnd bool
)

// errWatchDone stops the watch group once the loop is complete.
var errWatchDone = errors.New("watch done")

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "refresh interval")
	watchCmd.Flags().BoolVar(&watchUntilEnd, "exit-on-complete", true, "exit once every cycle is approved")
}

var watchCmd = &cobra.Command{
	Use:   "watch [LOOP_ID]",
	Short: "Follow a loop as it runs",
	Long: `Follow a loop, printing a status line whenever it changes. Execution
events from the backend trigger an immediate refresh; a periodic refresh
covers backends without an event stream.

In --json/--jsonl mode every change is written as one loop report.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLoop(cmd, args, func(ctx context.Context, s *session) error {
			return watchLoop(ctx, s, watchInterval)
		})
	},
}

func watchLoop(ctx context.Context, s *session, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	changed := make(chan struct{}, 1)
	s.orch.Subscribe(func(orchestrator.Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	if sub := s.eventSubscriber(); sub != nil {
		g.Go(func() error {
			sub.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := s.orch.Refresh(gctx); err != nil && gctx.Err() == nil {
				logger.Debug().Err(err).Msg("watch refresh failed")
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	g.Go(func() error {
		last := ""
		for {
			snapshot := s.orch.Snapshot()
			line := summaryLine(snapshot.View, snapshot.State.Progress)
			if line != last {
				last = line
				if err := writeWatchLine(snapshot, line); err != nil {
					return err
				}
			}
			if watchUntilEnd && snapshot.View.Status == models.LoopStatusComplete {
				return errWatchDone
			}
			select {
			case <-gctx.Done():
				return nil
			case <-changed:
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errWatchDone) {
		return err
	}
	return nil
}

func writeWatchLine(snapshot orchestrator.Snapshot, line string) error {
	if IsJSONOutput() || IsJSONLOutput() {
		return WriteOutput(os.Stdout, newLoopReport(snapshot))
	}
	_, err := fmt.Fprintf(os.Stdout, "%s  %s\n", time.Now().Format("15:04:05"), line)
	return err
}
