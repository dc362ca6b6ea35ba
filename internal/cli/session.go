package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/tOgg1/loopdeck/internal/client"
	"github.com/tOgg1/loopdeck/internal/config"
	"github.com/tOgg1/loopdeck/internal/db"
	"github.com/tOgg1/loopdeck/internal/events"
	"github.com/tOgg1/loopdeck/internal/orchestrator"
	"github.com/tOgg1/loopdeck/internal/workflows"
)

// session bundles what a loop command needs: the runtime cache, the backend
// client, and an orchestrator bound to the selected loop.
type session struct {
	config   *config.Config
	database *db.DB
	settings *db.SettingsRepository
	client   *client.Client
	orch     *orchestrator.Orchestrator
	events   *events.Subscriber
}

func openSession() (*session, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	database, err := openDatabase()
	if err != nil {
		return nil, err
	}

	c, err := client.New(client.Options{
		BaseURL: appConfig.Backend.BaseURL,
		Timeout: appConfig.Backend.Timeout,
	})
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	runtime := db.NewRuntimeRepository(database, appConfig.Cache.MaxEntries)
	return &session{
		config:   appConfig,
		database: database,
		settings: db.NewSettingsRepository(database),
		client:   c,
		orch:     orchestrator.New(orchestratorConfig(appConfig), c, runtime),
	}, nil
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	out := orchestrator.DefaultConfig()
	out.PollInterval = cfg.Poll.Interval
	out.InspectInterval = cfg.Poll.InspectInterval
	out.MaxAttempts = cfg.Poll.MaxAttempts
	out.BusyWindow = cfg.Guards.BusyWindow
	out.PendingLaunchTTL = cfg.Guards.PendingLaunchTTL
	return out
}

func (s *session) Close() {
	if s.events != nil {
		s.events.Stop()
	}
	s.orch.Close()
	_ = s.database.Close()
}

// selectLoop binds the orchestrator to requested, falling back to the loop
// remembered from the previous command, then to the first listed loop.
func (s *session) selectLoop(ctx context.Context, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		requested = strings.TrimSpace(loopFlag)
	}
	if requested == "" {
		stored, err := s.settings.Get(ctx, db.SettingSelectedLoop)
		if err != nil && !errors.Is(err, db.ErrSettingNotFound) {
			logger.Warn().Err(err).Msg("failed to read selected loop")
		}
		requested = stored
	}

	loopID, err := s.orch.SelectLoop(ctx, requested)
	if err != nil {
		return "", err
	}
	s.remember(ctx, loopID)
	return loopID, nil
}

func (s *session) remember(ctx context.Context, loopID string) {
	if err := s.settings.Set(ctx, db.SettingSelectedLoop, loopID); err != nil {
		logger.Warn().Err(err).Str("loop_id", loopID).Msg("failed to remember selected loop")
	}
}

// startEvents subscribes to backend execution events in the background. A
// missing websocket endpoint only costs the immediate refresh; polling still
// works.
func (s *session) startEvents(ctx context.Context) {
	sub := s.eventSubscriber()
	if sub == nil {
		return
	}
	s.events = sub
	sub.Start(ctx)
}

// eventSubscriber returns a subscriber feeding the orchestrator, or nil when
// events are not configured.
func (s *session) eventSubscriber() *events.Subscriber {
	url := s.config.EventsURL()
	if url == "" {
		return nil
	}
	sub, err := events.NewSubscriber(events.SubscriberConfig{
		URL:      url,
		ClientID: uuid.NewString(),
	}, s.orch.HandleEvent)
	if err != nil {
		logger.Warn().Err(err).Msg("event subscription disabled")
		return nil
	}
	return sub
}

// loadWorkflowArg loads a workflow into the orchestrator. ref is a local file
// path, "-" for stdin, or a catalog name on the backend.
func (s *session) loadWorkflowArg(ctx context.Context, ref string) error {
	data, err := readInput(ref)
	if errors.Is(err, os.ErrNotExist) && workflows.IsFeatureScoped(ref) {
		return s.orch.LoadNamedWorkflow(ctx, ref)
	}
	if err != nil {
		return err
	}
	workflow, prompt, err := workflows.Split(data)
	if err != nil {
		return fmt.Errorf("invalid workflow file %s: %w", ref, err)
	}
	if len(prompt) == 0 {
		return fmt.Errorf("workflow file %s has no executable prompt: %w", ref, orchestrator.ErrNoWorkflow)
	}
	return s.orch.LoadWorkflow(ref, workflow, prompt)
}

func readInput(ref string) ([]byte, error) {
	if ref == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(ref)
}

// openDatabase opens the runtime cache using the current configuration.
func openDatabase() (*db.DB, error) {
	return openDatabaseWithMigration(true)
}

func openDatabaseNoMigrate() (*db.DB, error) {
	return openDatabaseWithMigration(false)
}

func openDatabaseWithMigration(autoMigrate bool) (*db.DB, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	database, err := db.Open(db.Config{
		Path:          appConfig.DatabasePath(),
		MaxOpenConns:  appConfig.Database.MaxConnections,
		BusyTimeoutMs: appConfig.Database.BusyTimeoutMs,
	})
	if err != nil {
		return nil, err
	}

	if autoMigrate {
		if err := database.Migrate(context.Background()); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return database, nil
}
