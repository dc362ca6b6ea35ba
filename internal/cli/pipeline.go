package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tOgg1/loopdeck/internal/models"
	"github.com/tOgg1/loopdeck/internal/orchestrator"
	"github.com/tOgg1/loopdeck/internal/pipeline"
	"golang.org/x/term"
)

var (
	pipelineRunDetach   bool
	pipelineRunManual   bool
	pipelineRunInterval time.Duration
	pipelineRunRestart  bool
)

func init() {
	rootCmd.AddCommand(pipelineCmd)
	pipelineCmd.AddCommand(pipelineResolveCmd)
	pipelineCmd.AddCommand(pipelineRunCmd)

	pipelineRunCmd.Flags().BoolVar(&pipelineRunDetach, "detach", false, "start the run and return without following it")
	pipelineRunCmd.Flags().BoolVar(&pipelineRunManual, "complete-manual", false, "complete composition steps as soon as they wait")
	pipelineRunCmd.Flags().BoolVar(&pipelineRunRestart, "restart", false, "abort a run left active by an earlier session")
	pipelineRunCmd.Flags().DurationVar(&pipelineRunInterval, "interval", time.Second, "refresh interval while following the run")
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Resolve and run multi-workflow pipelines",
	Long: `A pipeline chains sub-workflows around a loop. Sources are a host graph
(.json) or a definition file (.toml, .yaml).

Step roles:
  generate     queue the sub-workflow once and wait for it to finish
  execute      run the sub-workflow as the loop and wait until every cycle is approved
  composition  wait for the operator to mark the step done`,
}

var pipelineResolveCmd = &cobra.Command{
	Use:   "resolve FILE",
	Short: "Print the execution order of a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		graph, err := pipeline.Load(args[0])
		if err != nil {
			return err
		}
		steps := pipeline.Resolve(graph)
		if err := pipeline.ValidateSteps(steps); err != nil {
			logger.Warn().Err(err).Msg("pipeline has invalid steps")
		}

		if IsJSONOutput() || IsJSONLOutput() {
			if steps == nil {
				steps = []models.PipelineStep{}
			}
			return WriteOutput(os.Stdout, steps)
		}
		if len(steps) == 0 {
			fmt.Fprintln(os.Stdout, "No pipeline steps found")
			return nil
		}
		return renderSteps(os.Stdout, steps, nil)
	},
}

var pipelineRunCmd = &cobra.Command{
	Use:   "run FILE [LOOP_ID]",
	Short: "Run a pipeline on the selected loop",
	Long: `Load a pipeline, start it on the selected loop, and follow it until every
step is done or one fails. Execute steps finish when the loop's cycles are
approved, from another terminal or the console.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		graph, err := pipeline.Load(args[0])
		if err != nil {
			return err
		}
		return withLoop(cmd, args[1:], func(ctx context.Context, s *session) error {
			if pipelineRunRestart && s.orch.Snapshot().State.Run.Active() {
				if err := s.orch.AbortPipeline(ctx); err != nil {
					return err
				}
			}
			if _, err := s.orch.LoadPipeline(graph); err != nil {
				return err
			}
			s.startEvents(ctx)
			if err := s.orch.StartPipeline(ctx); err != nil {
				return err
			}
			if pipelineRunDetach {
				return writeStatus(s, newLoopReport(s.orch.Snapshot()))
			}
			return followPipeline(ctx, s.orch, pipelineRunInterval)
		})
	},
}

// followPipeline refreshes until the run ends, reporting every step
// transition.
func followPipeline(ctx context.Context, o *orchestrator.Orchestrator, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seen := make(map[string]models.StepRunStatus)
	for {
		snapshot := o.Snapshot()
		run := snapshot.State.Run
		if run == nil {
			return fmt.Errorf("pipeline run was cleared: %w", orchestrator.ErrNoPipeline)
		}
		for _, step := range snapshot.State.Steps {
			stepRun := run.Steps[step.ID]
			if seen[step.ID] == stepRun.Status {
				continue
			}
			seen[step.ID] = stepRun.Status
			if err := reportStep(step, stepRun); err != nil {
				return err
			}
			if stepRun.Status == models.StepRunWaiting && step.Role == models.StepRoleComposition {
				if err := completeManualStep(ctx, o, step); err != nil {
					return err
				}
			}
		}
		if !run.Active() {
			if run.HasError() {
				return fmt.Errorf("pipeline failed: %s", snapshot.State.Status)
			}
			if !IsJSONOutput() && !IsJSONLOutput() {
				fmt.Fprintln(os.Stdout, snapshot.State.Status)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := o.Refresh(ctx); err != nil && ctx.Err() == nil {
			logger.Debug().Err(err).Msg("refresh while following pipeline failed")
		}
	}
}

// completeManualStep marks a composition step done, after the operator
// confirms on an interactive terminal unless --complete-manual is set.
// Without either the step keeps waiting for the console.
func completeManualStep(ctx context.Context, o *orchestrator.Orchestrator, step models.PipelineStep) error {
	if !pipelineRunManual {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return nil
		}
		fmt.Fprintf(os.Stderr, "Press Enter when %s is complete... ", step.ID)
		confirmed := make(chan error, 1)
		go func() {
			_, err := bufio.NewReader(os.Stdin).ReadString('\n')
			confirmed <- err
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-confirmed:
			if err != nil {
				return fmt.Errorf("read confirmation: %w", err)
			}
		}
	}
	return o.CompleteStep(ctx, step.ID)
}

type stepEvent struct {
	ID       string               `json:"id"`
	Role     models.StepRole      `json:"role"`
	Workflow string               `json:"workflow,omitempty"`
	Status   models.StepRunStatus `json:"status"`
	Error    string               `json:"error,omitempty"`
}

func reportStep(step models.PipelineStep, run models.StepRun) error {
	if IsJSONOutput() || IsJSONLOutput() {
		return WriteOutput(os.Stdout, stepEvent{
			ID:       step.ID,
			Role:     step.Role,
			Workflow: step.Workflow,
			Status:   run.Status,
			Error:    run.Error,
		})
	}
	line := fmt.Sprintf("[%d] %s (%s) %s", step.Ordinal, step.ID, step.Role, run.Status)
	switch run.Status {
	case models.StepRunError:
		line = colorize(line+": "+run.Error, colorRed)
	case models.StepRunDone:
		line = colorize(line, colorGreen)
	case models.StepRunWaiting:
		line = colorize(line, colorYellow)
	}
	fmt.Fprintln(os.Stdout, line)
	return nil
}
