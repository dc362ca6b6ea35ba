package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/tOgg1/loopdeck/internal/loopserver"
	"golang.org/x/sync/errgroup"
)

var (
	serveListen      string
	serveDelay       time.Duration
	serveStatsPeriod time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides server.listen)")
	serveCmd.Flags().DurationVar(&serveDelay, "delay", 0, "simulated generation time (overrides server.simulate_delay)")
	serveCmd.Flags().DurationVar(&serveStatsPeriod, "stats-interval", time.Minute, "how often to log backend stats (0 disables)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference loop backend",
	Long: `Run a local loop backend implementing the loop, workflow, prompt and
event endpoints. Generations are simulated: each attempt renders a
placeholder image derived from its seed after the configured delay.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appConfig.Server
		if serveListen != "" {
			cfg.Listen = serveListen
		}
		if cmd.Flags().Changed("delay") {
			cfg.SimulateDelay = serveDelay
		}

		server := loopserver.New(loopserver.Config{
			Listen:        cfg.Listen,
			SimulateDelay: cfg.SimulateDelay,
			WorkflowsDir:  appConfig.WorkflowsDir(),
			OutputDir:     appConfig.OutputDir(),
		})

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return server.ListenAndServe(gctx)
		})
		if serveStatsPeriod > 0 {
			g.Go(func() error {
				ticker := time.NewTicker(serveStatsPeriod)
				defer ticker.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-ticker.C:
						logger.Debug().
							Int("loops", len(server.Registry().List())).
							Int("event_clients", server.Hub().Clients()).
							Msg("backend stats")
					}
				}
			})
		}
		logger.Info().
			Str("listen", cfg.Listen).
			Str("workflows", appConfig.WorkflowsDir()).
			Str("output", appConfig.OutputDir()).
			Msg("serving loop backend")
		return g.Wait()
	},
}
