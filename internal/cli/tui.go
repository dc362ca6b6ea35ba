package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tOgg1/loopdeck/internal/looptui"
	"github.com/tOgg1/loopdeck/internal/orchestrator"
	"github.com/tOgg1/loopdeck/internal/pipeline"
	"golang.org/x/term"
)

var tuiPipeline string

func init() {
	rootCmd.AddCommand(tuiCmd)

	tuiCmd.Flags().StringVar(&tuiPipeline, "pipeline", "", "pipeline file to load into the console")
}

var tuiCmd = &cobra.Command{
	Use:   "tui [LOOP_ID]",
	Short: "Open the loop console",
	Long: `Open the interactive console on a loop. It shows the manifest of the
focused cycle, records decisions with single keys, launches attempts and
drives a loaded pipeline. Press ? for every binding.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loopID := loopFlag
		if len(args) > 0 {
			loopID = args[0]
		}
		return runTUI(cmd.Context(), loopID)
	},
}

func runTUI(ctx context.Context, loopID string) error {
	if IsJSONOutput() || IsJSONLOutput() {
		return errors.New("the console does not support --json; use `loopdeck loop show` or `loopdeck watch`")
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("the console needs an interactive terminal")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.selectLoop(ctx, loopID); err != nil && !errors.Is(err, orchestrator.ErrNoLoop) {
		return err
	}
	if tuiPipeline != "" {
		graph, err := pipeline.Load(tuiPipeline)
		if err != nil {
			return err
		}
		if _, err := s.orch.LoadPipeline(graph); err != nil {
			return err
		}
	}
	s.startEvents(ctx)

	return looptui.Run(ctx, s.orch, looptui.Config{
		RefreshInterval: appConfig.Poll.Interval * 2,
		CommandTimeout:  appConfig.Backend.Timeout * 2,
	})
}
