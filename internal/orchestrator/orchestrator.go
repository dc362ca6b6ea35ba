// Package orchestrator drives one loop on the backend: it issues commands,
// keeps the cached loop detail fresh, reconciles it with local launch intent,
// and runs multi-step pipelines around the loop.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/loopdeck/internal/client"
	"github.com/tOgg1/loopdeck/internal/events"
	"github.com/tOgg1/loopdeck/internal/logging"
	"github.com/tOgg1/loopdeck/internal/manifest"
	"github.com/tOgg1/loopdeck/internal/models"
	"github.com/tOgg1/loopdeck/internal/poller"
)

// Orchestrator errors.
var (
	ErrNoLoop           = errors.New("no loop selected")
	ErrNoWorkflow       = errors.New("no workflow loaded")
	ErrLaunchInFlight   = errors.New("a launch is already in flight")
	ErrStaleResponse    = errors.New("stale response discarded")
	ErrInvalidOverrides = errors.New("overrides must be a JSON object")
	ErrNoPipeline       = errors.New("no pipeline loaded")
	ErrPipelineActive   = errors.New("pipeline run already active")
	ErrStepNotWaiting   = errors.New("pipeline step is not waiting for the operator")
)

// Backend is the loop backend contract. *client.Client implements it.
type Backend interface {
	ListLoops(ctx context.Context) ([]models.LoopSummary, error)
	GetLoop(ctx context.Context, loopID string) (*models.LoopDetail, error)
	CreateLoop(ctx context.Context) (string, error)
	SetTotalCycles(ctx context.Context, loopID string, total int) error
	SetWorkflow(ctx context.Context, req client.SetWorkflowRequest) error
	Step(ctx context.Context, req client.StepRequest) (*client.StepResponse, error)
	Decide(ctx context.Context, req client.DecisionRequest) (*client.DecisionResult, error)
	SetOverrides(ctx context.Context, loopID string, overrides map[string]any) error
	ExportApproved(ctx context.Context, loopID string) (*client.ExportResponse, error)
	Reset(ctx context.Context, req client.ResetRequest) error
	LoadWorkflow(ctx context.Context, name string) (*client.LoadedWorkflow, error)
	QueuePrompt(ctx context.Context, prompt json.RawMessage) (string, error)
	PromptStatus(ctx context.Context, promptID string) (*client.PromptStatus, error)
}

// RuntimeStore persists local intent per loop. *db.RuntimeRepository
// implements it.
type RuntimeStore interface {
	Get(ctx context.Context, loopID string) (*models.RuntimeRecord, error)
	Save(ctx context.Context, record *models.RuntimeRecord) error
}

// Config contains orchestrator tuning.
type Config struct {
	// PollInterval is the auto-refresh cadence after a launch.
	// Default: 900ms
	PollInterval time.Duration

	// InspectInterval is the prompt inspection cadence for pipeline
	// generate steps.
	// Default: 400ms
	InspectInterval time.Duration

	// MaxAttempts bounds one auto-refresh run.
	// Default: 180
	MaxAttempts int

	// BusyWindow suppresses the replay affordance after a launch.
	// Default: 900ms
	BusyWindow time.Duration

	// PendingLaunchTTL is how long a launch waits to appear in the manifest.
	// Default: 15s
	PendingLaunchTTL time.Duration

	// AutoSync syncs a changed workflow before each step.
	// Default: true
	AutoSync bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     900 * time.Millisecond,
		InspectInterval:  400 * time.Millisecond,
		MaxAttempts:      180,
		BusyWindow:       manifest.DefaultBusyWindow,
		PendingLaunchTTL: models.PendingLaunchTTL,
		AutoSync:         true,
	}
}

// State is everything the orchestrator owns for the selected loop. The
// backend's detail is kept apart from the local intent so the reconciler can
// merge them on every read.
type State struct {
	LoopID string             `json:"loop_id,omitempty"`
	Detail *models.LoopDetail `json:"detail,omitempty"`

	SelectedCycle  *int                   `json:"selected_cycle,omitempty"`
	RetryCandidate *models.RetryCandidate `json:"retry_candidate,omitempty"`
	PendingLaunch  *models.PendingLaunch  `json:"pending_launch,omitempty"`
	LastLaunch     *manifest.Launch       `json:"-"`

	WorkflowName      string          `json:"workflow_name,omitempty"`
	Prompt            json.RawMessage `json:"-"`
	Workflow          json.RawMessage `json:"-"`
	WorkflowSignature string          `json:"workflow_signature,omitempty"`
	WorkflowDirty     bool            `json:"workflow_dirty,omitempty"`

	Steps          []models.PipelineStep    `json:"steps,omitempty"`
	Run            *models.PipelineRunState `json:"run,omitempty"`
	ActiveStepID   string                   `json:"active_step_id,omitempty"`
	SelectedStepID string                   `json:"selected_step_id,omitempty"`

	Progress events.Progress `json:"progress"`
	Status   string          `json:"status,omitempty"`
}

func (s State) clone() State {
	out := s
	out.Detail = s.Detail.Clone()
	if s.SelectedCycle != nil {
		cycle := *s.SelectedCycle
		out.SelectedCycle = &cycle
	}
	if s.RetryCandidate != nil {
		candidate := *s.RetryCandidate
		out.RetryCandidate = &candidate
	}
	if s.PendingLaunch != nil {
		launch := *s.PendingLaunch
		out.PendingLaunch = &launch
	}
	if s.LastLaunch != nil {
		launch := *s.LastLaunch
		out.LastLaunch = &launch
	}
	out.Steps = append([]models.PipelineStep(nil), s.Steps...)
	out.Run = s.Run.Clone()
	return out
}

// Snapshot is a consistent copy of the state and its reconciled view.
type Snapshot struct {
	State State         `json:"state"`
	View  manifest.View `json:"view"`
}

// Subscriber is notified after every state change.
type Subscriber func(Snapshot)

// Orchestrator is safe for concurrent use. Commands are serialized; reads
// never wait for a command's network round-trip.
type Orchestrator struct {
	config  Config
	backend Backend
	store   RuntimeStore
	logger  zerolog.Logger
	now     func() time.Time

	// cmdMu serializes commands. mu guards state and is never held across
	// a backend call.
	cmdMu sync.Mutex
	mu    sync.Mutex
	state State

	// generation advances whenever the selected loop changes or is reset, so
	// responses issued before that are dropped.
	generation uint64

	awaitPromptID string
	refresh       *poller.Poller
	inspect       *poller.Poller
	inspectPrompt string
	eventRefresh  poller.InFlight

	subMu       sync.Mutex
	subscribers []Subscriber

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. store may be nil to disable the runtime cache.
func New(config Config, backend Backend, store RuntimeStore) *Orchestrator {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.InspectInterval <= 0 {
		config.InspectInterval = defaults.InspectInterval
	}
	if config.MaxAttempts < 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BusyWindow <= 0 {
		config.BusyWindow = defaults.BusyWindow
	}
	if config.PendingLaunchTTL <= 0 {
		config.PendingLaunchTTL = defaults.PendingLaunchTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		config:  config,
		backend: backend,
		store:   store,
		logger:  logging.Component("orchestrator"),
		now:     time.Now,
		state:   State{Progress: events.Progress{Status: events.ProgressIdle}},
		ctx:     ctx,
		cancel:  cancel,
	}
	o.refresh = poller.New(poller.Config{
		Name:        "auto-refresh",
		Interval:    config.PollInterval,
		MaxAttempts: config.MaxAttempts,
	}, o.refreshTick)
	o.refresh.OnFinish = o.refreshFinished
	o.inspect = poller.New(poller.Config{
		Name:        "inspect",
		Interval:    config.InspectInterval,
		MaxAttempts: config.MaxAttempts,
	}, o.inspectTick)
	o.inspect.OnFinish = o.inspectFinished
	return o
}

// Close stops every poll and background pipeline work.
func (o *Orchestrator) Close() {
	o.cancel()
	_ = o.refresh.Stop()
	_ = o.inspect.Stop()
	o.wg.Wait()
}

// Subscribe registers fn for state change notifications.
func (o *Orchestrator) Subscribe(fn Subscriber) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	o.subscribers = append(o.subscribers, fn)
}

// LoopID returns the selected loop id.
func (o *Orchestrator) LoopID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.LoopID
}

// Status returns the last operator-facing status line.
func (o *Orchestrator) Status() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Status
}

// Snapshot returns a copy of the state with its reconciled view.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{State: o.state.clone(), View: o.viewLocked()}
}

// View returns the reconciled view of the selected loop.
func (o *Orchestrator) View() manifest.View {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewLocked()
}

// AutoRefreshing reports whether the auto-refresh poll is active.
func (o *Orchestrator) AutoRefreshing() bool {
	return o.refresh.IsRunning()
}

func (o *Orchestrator) intentLocked() manifest.Intent {
	return manifest.Intent{
		SelectedCycle:  o.state.SelectedCycle,
		RetryCandidate: o.state.RetryCandidate,
		PendingLaunch:  o.state.PendingLaunch,
		LastLaunch:     o.state.LastLaunch,
		BusyWindow:     o.config.BusyWindow,
	}
}

func (o *Orchestrator) viewLocked() manifest.View {
	return manifest.Reconcile(o.state.Detail, o.intentLocked(), o.now())
}

func (o *Orchestrator) setStatus(msg string) {
	o.mu.Lock()
	o.state.Status = msg
	o.mu.Unlock()
}

// fail records err as the status line and returns it.
func (o *Orchestrator) fail(err error) error {
	if err != nil {
		o.setStatus(err.Error())
	}
	return err
}

func (o *Orchestrator) notify() {
	snapshot := o.Snapshot()
	o.subMu.Lock()
	subscribers := append([]Subscriber(nil), o.subscribers...)
	o.subMu.Unlock()
	for _, fn := range subscribers {
		fn(snapshot)
	}
}

// loopContext returns the selected loop and the generation it belongs to.
func (o *Orchestrator) loopContext() (string, uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.LoopID == "" {
		return "", 0, ErrNoLoop
	}
	return o.state.LoopID, o.generation, nil
}
