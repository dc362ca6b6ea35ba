package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tOgg1/loopdeck/internal/db"
	"github.com/tOgg1/loopdeck/internal/decision"
	"github.com/tOgg1/loopdeck/internal/models"
	"github.com/tOgg1/loopdeck/internal/orchestrator"
)

var (
	loopCreateCycles int
	loopConfigCycles int
	loopStepCycle    int
	loopStepRetry    int
	loopStepWorkflow string
	loopStepWait     bool
	loopDecideCycle  int
	loopDecideRetry  int
	loopDecideWait   bool
	loopResetDrop    bool
	loopSyncForce    bool
	loopSeedCycle    int
	loopSeedRetry    int
	loopWaitTimeout  time.Duration
)

func init() {
	rootCmd.AddCommand(loopCmd)
	loopCmd.AddCommand(loopListCmd)
	loopCmd.AddCommand(loopCreateCmd)
	loopCmd.AddCommand(loopShowCmd)
	loopCmd.AddCommand(loopConfigCmd)
	loopCmd.AddCommand(loopStepCmd)
	loopCmd.AddCommand(loopDecideCmd)
	loopCmd.AddCommand(loopResetCmd)
	loopCmd.AddCommand(loopExportCmd)
	loopCmd.AddCommand(loopOverridesCmd)
	loopCmd.AddCommand(loopSyncCmd)
	loopCmd.AddCommand(loopSeedCmd)

	loopCmd.PersistentFlags().DurationVar(&loopWaitTimeout, "timeout", 10*time.Minute, "how long --wait waits for an attempt to return")

	loopCreateCmd.Flags().IntVar(&loopCreateCycles, "cycles", 1, "number of cycles")
	loopConfigCmd.Flags().IntVar(&loopConfigCycles, "cycles", 0, "number of cycles")
	_ = loopConfigCmd.MarkFlagRequired("cycles")

	loopStepCmd.Flags().IntVar(&loopStepCycle, "cycle", -1, "cycle index (default: current cycle)")
	loopStepCmd.Flags().IntVar(&loopStepRetry, "retry", -1, "retry index (default: next retry)")
	loopStepCmd.Flags().StringVar(&loopStepWorkflow, "workflow", "", "workflow file or catalog name to sync before stepping")
	loopStepCmd.Flags().BoolVar(&loopStepWait, "wait", false, "wait for the attempt to return")

	loopDecideCmd.Flags().IntVar(&loopDecideCycle, "cycle", -1, "cycle index of the entry (default: focused cycle)")
	loopDecideCmd.Flags().IntVar(&loopDecideRetry, "retry", -1, "retry index of the entry")
	loopDecideCmd.Flags().BoolVar(&loopDecideWait, "wait", false, "wait for an auto-launched attempt to return")

	loopResetCmd.Flags().BoolVar(&loopResetDrop, "drop-workflow", false, "also clear the loop's workflow and overrides")
	loopSyncCmd.Flags().BoolVar(&loopSyncForce, "force", false, "sync even when the workflow is unchanged")

	loopSeedCmd.Flags().IntVar(&loopSeedCycle, "cycle", 0, "cycle index")
	loopSeedCmd.Flags().IntVar(&loopSeedRetry, "retry", 0, "retry index")
}

var loopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Manage generation loops",
}

var loopListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loops on the backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		loops, err := s.orch.ListLoops(ctx)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, loops)
		}
		if len(loops) == 0 {
			fmt.Fprintln(os.Stdout, "No loops found")
			return nil
		}

		selected, _ := s.settings.Get(ctx, db.SettingSelectedLoop)
		rows := make([][]string, 0, len(loops))
		for _, loop := range loops {
			marker := " "
			if loop.LoopID == selected {
				marker = "*"
			}
			updated := "-"
			if ts := models.UnixSeconds(loop.UpdatedAt); !ts.IsZero() {
				updated = ts.UTC().Format(time.RFC3339)
			}
			rows = append(rows, []string{
				marker + loop.LoopID,
				colorize(string(loop.Status), statusColor(loop.Status)),
				fmt.Sprintf("%d/%d", min(loop.CurrentCycle+1, loop.TotalCycles), loop.TotalCycles),
				fmt.Sprintf("%d", loop.CurrentRetry),
				updated,
			})
		}
		return writeTable(os.Stdout, []string{" LOOP", "STATUS", "CYCLE", "RETRY", "UPDATED"}, rows)
	},
}

var loopCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a loop and select it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		loopID, err := s.orch.CreateLoop(ctx, loopCreateCycles)
		if err != nil {
			return err
		}
		s.remember(ctx, loopID)

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, map[string]any{"loop_id": loopID, "total_cycles": loopCreateCycles})
		}
		fmt.Fprintf(os.Stdout, "Created loop %s with %d cycles\n", loopID, loopCreateCycles)
		return nil
	},
}

var loopShowCmd = &cobra.Command{
	Use:   "show [loop-id]",
	Short: "Show the reconciled state of a loop",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLoop(cmd, args, func(ctx context.Context, s *session) error {
			return WriteOutput(os.Stdout, newLoopReport(s.orch.Snapshot()))
		})
	},
}

var loopConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Set the number of cycles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLoop(cmd, nil, func(ctx context.Context, s *session) error {
			if err := s.orch.SetCycles(ctx, loopConfigCycles); err != nil {
				return err
			}
			return writeStatus(s, map[string]any{"loop_id": s.orch.LoopID(), "total_cycles": loopConfigCycles})
		})
	},
}

var loopStepCmd = &cobra.Command{
	Use:   "step",
	Short: "Launch one generation attempt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLoop(cmd, nil, func(ctx context.Context, s *session) error {
			if loopStepWorkflow != "" {
				if err := s.loadWorkflowArg(ctx, loopStepWorkflow); err != nil {
					return err
				}
			}
			resp, err := s.orch.Step(ctx, optionalIndex(loopStepCycle), optionalIndex(loopStepRetry))
			if err != nil {
				return err
			}
			if loopStepWait {
				if err := waitForPrompt(ctx, s.orch, resp.PromptID, loopWaitTimeout); err != nil {
					return err
				}
			}
			return writeStatus(s, resp)
		})
	},
}

var loopDecideCmd = &cobra.Command{
	Use:   "decide <approve|reject|replay|discard>",
	Short: "Record a decision on a returned attempt",
	Long: `Record a decision on a returned attempt.

Without --cycle/--retry the decision applies to the newest attempt of the
focused cycle that still waits for one. Approving moves to the next cycle and
launches it when needed; rejecting the newest attempt launches the next retry.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		choice, err := models.ParseDecision(args[0])
		if err != nil {
			return err
		}
		if !choice.IsChoice() {
			return fmt.Errorf("invalid decision %q: must be approve, reject, replay or discard", args[0])
		}
		var target *models.EntryKey
		if cmd.Flags().Changed("cycle") || cmd.Flags().Changed("retry") {
			if loopDecideCycle < 0 || loopDecideRetry < 0 {
				return fmt.Errorf("--cycle and --retry are both required for an explicit target")
			}
			target = &models.EntryKey{Cycle: loopDecideCycle, Retry: loopDecideRetry}
		}

		return withLoop(cmd, nil, func(ctx context.Context, s *session) error {
			outcome, err := s.orch.Decide(ctx, choice, target)
			if err != nil {
				return err
			}
			if loopDecideWait && outcome.Launch != nil {
				if promptID := pendingPromptID(s.orch); promptID != "" {
					if err := waitForPrompt(ctx, s.orch, promptID, loopWaitTimeout); err != nil {
						return err
					}
				}
			}
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(os.Stdout, outcome)
			}
			fmt.Fprintln(os.Stdout, describeOutcome(outcome))
			return nil
		})
	},
}

var loopResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the loop's manifest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLoop(cmd, nil, func(ctx context.Context, s *session) error {
			if err := s.orch.Reset(ctx, !loopResetDrop); err != nil {
				return err
			}
			return writeStatus(s, map[string]any{"loop_id": s.orch.LoopID(), "keep_workflow": !loopResetDrop})
		})
	},
}

var loopExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Copy approved outputs into an export folder",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLoop(cmd, nil, func(ctx context.Context, s *session) error {
			resp, err := s.orch.Export(ctx)
			if err != nil {
				return err
			}
			return writeStatus(s, resp)
		})
	},
}

var loopOverridesCmd = &cobra.Command{
	Use:   "overrides <file|->",
	Short: "Replace the loop's input overrides",
	Long: `Replace the loop's input overrides with a JSON object read from a file
or stdin. Keys are "<node id>.<input>". An empty object clears them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(args[0])
		if err != nil {
			return err
		}
		// Validate before touching the backend.
		if _, err := orchestrator.ParseOverrides(string(data)); err != nil {
			return err
		}
		return withLoop(cmd, nil, func(ctx context.Context, s *session) error {
			overrides, err := s.orch.ApplyOverrides(ctx, string(data))
			if err != nil {
				return err
			}
			return writeStatus(s, map[string]any{"loop_id": s.orch.LoopID(), "overrides": overrides})
		})
	},
}

var loopSyncCmd = &cobra.Command{
	Use:   "sync <file|catalog-name>",
	Short: "Validate a workflow and sync it to the loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLoop(cmd, nil, func(ctx context.Context, s *session) error {
			if err := s.loadWorkflowArg(ctx, args[0]); err != nil {
				return err
			}
			report := s.orch.ValidateWorkflow()
			synced, err := s.orch.SyncWorkflow(ctx, loopSyncForce)
			if err != nil {
				return err
			}
			result := map[string]any{
				"loop_id":  s.orch.LoopID(),
				"synced":   synced,
				"warnings": report.Warnings,
			}
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(os.Stdout, result)
			}
			for _, warning := range report.Warnings {
				fmt.Fprintln(os.Stdout, colorize("warning: "+warning, colorYellow))
			}
			if synced {
				fmt.Fprintf(os.Stdout, "Synced %s to loop %s\n", args[0], s.orch.LoopID())
			} else {
				fmt.Fprintln(os.Stdout, "Workflow unchanged; nothing to sync")
			}
			return nil
		})
	},
}

var loopSeedCmd = &cobra.Command{
	Use:   "seed <file|catalog-name>",
	Short: "Preview the seed an attempt would use",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLoop(cmd, nil, func(ctx context.Context, s *session) error {
			if err := s.loadWorkflowArg(ctx, args[0]); err != nil {
				return err
			}
			seed, mode, ok := s.orch.SeedPreview(loopSeedCycle, loopSeedRetry)
			if !ok {
				return fmt.Errorf("workflow %s has no Loop Context seed settings", args[0])
			}
			result := map[string]any{
				"loop_id":     s.orch.LoopID(),
				"cycle_index": loopSeedCycle,
				"retry_index": loopSeedRetry,
				"seed_mode":   mode,
				"seed":        seed,
			}
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(os.Stdout, result)
			}
			fmt.Fprintf(os.Stdout, "cycle %d retry %d (%s): %d\n", loopSeedCycle, loopSeedRetry, mode, seed)
			return nil
		})
	},
}

// withLoop opens a session, selects the loop named by args or flags, and
// runs fn.
func withLoop(cmd *cobra.Command, args []string, fn func(context.Context, *session) error) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	requested := ""
	if len(args) > 0 {
		requested = args[0]
	}
	if _, err := s.selectLoop(ctx, requested); err != nil {
		return err
	}
	return fn(ctx, s)
}

// writeStatus prints value in JSON modes and the orchestrator's status line
// otherwise.
func writeStatus(s *session, value any) error {
	if IsJSONOutput() || IsJSONLOutput() {
		return WriteOutput(os.Stdout, value)
	}
	fmt.Fprintln(os.Stdout, s.orch.Status())
	return nil
}

func optionalIndex(v int) *int {
	if v < 0 {
		return nil
	}
	return &v
}

func pendingPromptID(o *orchestrator.Orchestrator) string {
	if launch := o.Snapshot().State.PendingLaunch; launch != nil {
		return launch.PromptID
	}
	return o.Snapshot().State.Progress.PromptID
}

// waitForPrompt refreshes until the entry launched as promptID has settled.
func waitForPrompt(ctx context.Context, o *orchestrator.Orchestrator, promptID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		view, err := o.Refresh(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Debug().Err(err).Msg("refresh while waiting failed")
		}
		for _, entry := range view.Manifest {
			if entry.PromptID == promptID && !entry.Status.IsPending() {
				if entry.Status == models.EntryStatusFailed {
					return fmt.Errorf("attempt %s failed: %s", entry.Key(), entry.Info)
				}
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for prompt %s: %w", promptID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func describeOutcome(outcome decision.Outcome) string {
	target := fmt.Sprintf("cycle %d retry %d", outcome.Target.Cycle+1, outcome.Target.Retry)
	switch outcome.Action {
	case decision.ActionAdvance:
		return fmt.Sprintf("Recorded %s; launched cycle %d", target, outcome.Launch.Cycle+1)
	case decision.ActionLaunchRetry:
		return fmt.Sprintf("Recorded %s; launched retry %d", target, outcome.Launch.Retry)
	case decision.ActionArmRetry:
		return fmt.Sprintf("Recorded %s; retry %d armed", target, outcome.Arm.RetryIndex)
	}
	switch outcome.Reason {
	case decision.ReasonLoopComplete:
		return fmt.Sprintf("Recorded %s; all cycles approved", target)
	case decision.ReasonAlreadyDecided, decision.ReasonNotAwaiting:
		return fmt.Sprintf("Skipped %s: %s", target, strings.ReplaceAll(outcome.Reason, "_", " "))
	default:
		return fmt.Sprintf("Recorded %s", target)
	}
}
