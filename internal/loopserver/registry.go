// Package loopserver is an in-memory reference implementation of the loop
// backend HTTP contract, with a generation simulator and a websocket event
// feed.
package loopserver

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/tOgg1/loopdeck/internal/models"
)

// Registry errors. Their text is the error code returned to clients.
var (
	ErrLoopNotFound     = errors.New("not_found")
	ErrEntryNotFound    = errors.New("entry_not_found")
	ErrEntryExists      = errors.New("entry_exists")
	ErrMissingWorkflow  = errors.New("missing_workflow")
	ErrLoopComplete     = errors.New("complete")
	ErrInvalidDecision  = errors.New("invalid_decision")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidCycles    = errors.New("invalid_total_cycles")
	ErrNegativeIndex    = errors.New("invalid_index")
	ErrPromptNotPending = errors.New("prompt_not_pending")
)

type loop struct {
	id             string
	status         models.LoopStatus
	mode           string
	totalCycles    int
	currentCycle   int
	currentRetry   int
	overrides      map[string]any
	prompt         json.RawMessage
	workflowMeta   json.RawMessage
	workflowSource string
	manifest       []models.ManifestEntry
	lastError      string
	createdAt      time.Time
	updatedAt      time.Time
}

// Launch describes an accepted step.
type Launch struct {
	LoopID     string
	PromptID   string
	CycleIndex int
	RetryIndex int
	// Prompt is the loop's prompt with overrides applied.
	Prompt json.RawMessage
}

// Progression is the decision response: where the loop goes next.
type Progression struct {
	NextCycleIndex  int  `json:"next_cycle_index"`
	NextRetryIndex  int  `json:"next_retry_index"`
	NeedsGeneration bool `json:"needs_generation"`
}

// Registry holds every loop. All methods are safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	loops map[string]*loop
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{loops: make(map[string]*loop), now: time.Now}
}

// Create returns the loop with id, creating it if needed. An empty id
// allocates a new one.
func (r *Registry) Create(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id = strings.TrimSpace(id)
	if id != "" {
		if _, ok := r.loops[id]; ok {
			return id
		}
	} else {
		id = uuid.NewString()
	}

	now := r.now()
	r.loops[id] = &loop{
		id:             id,
		status:         models.LoopStatusIdle,
		mode:           "interactive",
		totalCycles:    1,
		overrides:      map[string]any{},
		workflowSource: "path",
		createdAt:      now,
		updatedAt:      now,
	}
	return id
}

// Get returns a snapshot of the loop.
func (r *Registry) Get(id string) (*models.LoopDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.loops[id]
	if !ok {
		return nil, ErrLoopNotFound
	}
	return l.detail(), nil
}

// List returns summaries of every loop, oldest first.
func (r *Registry) List() []models.LoopSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	loops := make([]*loop, 0, len(r.loops))
	for _, l := range r.loops {
		loops = append(loops, l)
	}
	sort.Slice(loops, func(i, j int) bool {
		if !loops[i].createdAt.Equal(loops[j].createdAt) {
			return loops[i].createdAt.Before(loops[j].createdAt)
		}
		return loops[i].id < loops[j].id
	})

	out := make([]models.LoopSummary, 0, len(loops))
	for _, l := range loops {
		out = append(out, models.LoopSummary{
			LoopID:       l.id,
			Status:       l.status,
			Mode:         l.mode,
			TotalCycles:  l.totalCycles,
			CurrentCycle: l.currentCycle,
			CurrentRetry: l.currentRetry,
			UpdatedAt:    models.ToUnixSeconds(l.updatedAt),
		})
	}
	return out
}

// SetTotalCycles changes the cycle count. Values below one are raised to one.
func (r *Registry) SetTotalCycles(id string, total int) (int, error) {
	return withLoop(r, id, func(l *loop) (int, error) {
		if total < 1 {
			total = 1
		}
		l.totalCycles = total
		l.refreshStatus()
		return l.totalCycles, nil
	})
}

// SetWorkflow stores the executable prompt and optional editor graph.
func (r *Registry) SetWorkflow(id string, prompt, meta json.RawMessage) error {
	if !isJSONObject(prompt) {
		return ErrInvalidPayload
	}
	_, err := withLoop(r, id, func(l *loop) (struct{}, error) {
		l.prompt = append(json.RawMessage(nil), prompt...)
		if isJSONObject(meta) {
			l.workflowMeta = append(json.RawMessage(nil), meta...)
		} else {
			l.workflowMeta = nil
		}
		l.workflowSource = "ui"
		return struct{}{}, nil
	})
	return err
}

// SetOverrides replaces the loop's overrides ("<node id>.<input>" keys).
func (r *Registry) SetOverrides(id string, overrides map[string]any) error {
	if overrides == nil {
		return ErrInvalidPayload
	}
	_, err := withLoop(r, id, func(l *loop) (struct{}, error) {
		l.overrides = make(map[string]any, len(overrides))
		for k, v := range overrides {
			l.overrides[k] = v
		}
		return struct{}{}, nil
	})
	return err
}

// Step queues one generation attempt. A nil cycle uses the loop's current
// cycle; a nil retry uses the next unused retry index of that cycle.
func (r *Registry) Step(id string, cycle, retry *int) (*Launch, error) {
	return withLoop(r, id, func(l *loop) (*Launch, error) {
		if len(l.prompt) == 0 {
			return nil, ErrMissingWorkflow
		}

		c := l.currentCycle
		if cycle != nil {
			c = *cycle
		}
		if c < 0 {
			return nil, ErrNegativeIndex
		}
		if c >= l.totalCycles {
			l.status = models.LoopStatusComplete
			return nil, ErrLoopComplete
		}

		rt := l.nextRetry(c)
		if retry != nil {
			rt = *retry
		}
		if rt < 0 {
			return nil, ErrNegativeIndex
		}
		if l.find(c, rt) >= 0 {
			return nil, ErrEntryExists
		}

		now := models.ToUnixSeconds(r.now())
		launch := &Launch{
			LoopID:     l.id,
			PromptID:   ulid.Make().String(),
			CycleIndex: c,
			RetryIndex: rt,
			Prompt:     applyOverrides(l.prompt, l.overrides),
		}
		l.manifest = append(l.manifest, models.ManifestEntry{
			CycleIndex: c,
			RetryIndex: rt,
			Status:     models.EntryStatusQueued,
			Decision:   models.DecisionPending,
			PromptID:   launch.PromptID,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		l.currentCycle = c
		l.currentRetry = rt
		l.lastError = ""
		l.refreshStatus()
		return launch, nil
	})
}

// Decide records a verdict and reports how the loop progresses.
//
// Only one entry per cycle stays approved: approving an entry discards the
// cycle's other approved or awaiting entries. The next cycle is the first one
// lacking an approval. Its candidate is a queued, running or awaiting entry;
// generation is needed only when there is none.
func (r *Registry) Decide(id string, cycle, retry int, decision models.Decision) (*Progression, error) {
	if !decision.IsChoice() {
		return nil, ErrInvalidDecision
	}
	if cycle < 0 || retry < 0 {
		return nil, ErrInvalidPayload
	}

	return withLoop(r, id, func(l *loop) (*Progression, error) {
		idx := l.find(cycle, retry)
		if idx < 0 {
			return nil, ErrEntryNotFound
		}

		now := models.ToUnixSeconds(r.now())
		entry := &l.manifest[idx]
		entry.Decision = decision
		entry.UpdatedAt = now

		if decision == models.DecisionApprove {
			for i := range l.manifest {
				other := &l.manifest[i]
				if i == idx || other.CycleIndex != cycle {
					continue
				}
				if other.Decision == models.DecisionApprove || other.Awaiting() {
					other.Decision = models.DecisionDiscard
					other.UpdatedAt = now
				}
			}
		}

		next := l.firstUnapproved()
		progression := &Progression{NextCycleIndex: next}
		if next < l.totalCycles {
			if candidate := l.candidate(next); candidate != nil {
				progression.NextRetryIndex = candidate.RetryIndex
			} else {
				progression.NextRetryIndex = l.nextRetry(next)
				progression.NeedsGeneration = true
			}
			l.currentCycle = next
			l.currentRetry = progression.NextRetryIndex
		} else {
			l.currentCycle = l.totalCycles
			l.currentRetry = 0
		}
		l.refreshStatus()
		return progression, nil
	})
}

// Reset clears the manifest. Unless keepWorkflow, the prompt and overrides
// are dropped too.
func (r *Registry) Reset(id string, keepWorkflow bool) error {
	_, err := withLoop(r, id, func(l *loop) (struct{}, error) {
		l.status = models.LoopStatusIdle
		l.currentCycle = 0
		l.currentRetry = 0
		l.lastError = ""
		l.manifest = nil
		if !keepWorkflow {
			l.prompt = nil
			l.workflowMeta = nil
			l.workflowSource = "path"
			l.overrides = map[string]any{}
		}
		return struct{}{}, nil
	})
	return err
}

// MarkRunning moves a queued entry to running.
func (r *Registry) MarkRunning(id, promptID string) error {
	return r.updateByPrompt(id, promptID, func(l *loop, e *models.ManifestEntry) {
		e.Status = models.EntryStatusRunning
	})
}

// Complete records a returned generation.
func (r *Registry) Complete(id, promptID string, outputs models.Outputs, info string) error {
	return r.updateByPrompt(id, promptID, func(l *loop, e *models.ManifestEntry) {
		e.Status = models.EntryStatusReturned
		e.Outputs = outputs
		e.Info = info
	})
}

// Fail records a failed generation.
func (r *Registry) Fail(id, promptID, message string) error {
	return r.updateByPrompt(id, promptID, func(l *loop, e *models.ManifestEntry) {
		e.Status = models.EntryStatusFailed
		e.Info = message
		l.lastError = message
	})
}

// Approved returns the approved entries of a loop in manifest order.
func (r *Registry) Approved(id string) ([]models.ManifestEntry, error) {
	return withLoop(r, id, func(l *loop) ([]models.ManifestEntry, error) {
		var out []models.ManifestEntry
		for _, e := range l.manifest {
			if e.Decision == models.DecisionApprove {
				out = append(out, e)
			}
		}
		return out, nil
	})
}

func (r *Registry) updateByPrompt(id, promptID string, fn func(*loop, *models.ManifestEntry)) error {
	_, err := withLoop(r, id, func(l *loop) (struct{}, error) {
		for i := range l.manifest {
			e := &l.manifest[i]
			if e.PromptID != promptID {
				continue
			}
			if !e.Status.IsPending() {
				return struct{}{}, ErrPromptNotPending
			}
			fn(l, e)
			e.UpdatedAt = models.ToUnixSeconds(r.now())
			l.refreshStatus()
			return struct{}{}, nil
		}
		return struct{}{}, ErrEntryNotFound
	})
	return err
}

func withLoop[T any](r *Registry, id string, fn func(*loop) (T, error)) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	l, ok := r.loops[id]
	if !ok {
		return zero, ErrLoopNotFound
	}
	out, err := fn(l)
	l.updatedAt = r.now()
	return out, err
}

func (l *loop) detail() *models.LoopDetail {
	current := l.currentCycle
	overrides := make(map[string]any, len(l.overrides))
	for k, v := range l.overrides {
		overrides[k] = v
	}
	return &models.LoopDetail{
		LoopID:         l.id,
		Status:         l.status,
		Mode:           l.mode,
		TotalCycles:    l.totalCycles,
		CurrentCycle:   &current,
		CurrentRetry:   l.currentRetry,
		Overrides:      overrides,
		WorkflowSource: l.workflowSource,
		Manifest:       append([]models.ManifestEntry{}, l.manifest...),
		LastError:      l.lastError,
		UpdatedAt:      models.ToUnixSeconds(l.updatedAt),
	}
}

func (l *loop) find(cycle, retry int) int {
	for i, e := range l.manifest {
		if e.CycleIndex == cycle && e.RetryIndex == retry {
			return i
		}
	}
	return -1
}

func (l *loop) nextRetry(cycle int) int {
	next := 0
	for _, e := range l.manifest {
		if e.CycleIndex == cycle && e.RetryIndex >= next {
			next = e.RetryIndex + 1
		}
	}
	return next
}

func (l *loop) approved(cycle int) bool {
	for _, e := range l.manifest {
		if e.CycleIndex == cycle && e.Decision == models.DecisionApprove {
			return true
		}
	}
	return false
}

func (l *loop) firstUnapproved() int {
	for c := 0; c < l.totalCycles; c++ {
		if !l.approved(c) {
			return c
		}
	}
	return l.totalCycles
}

// candidate returns the newest pending or awaiting entry of cycle.
func (l *loop) candidate(cycle int) *models.ManifestEntry {
	var best *models.ManifestEntry
	for i := range l.manifest {
		e := &l.manifest[i]
		if e.CycleIndex != cycle || !(e.Status.IsPending() || e.Awaiting()) {
			continue
		}
		if best == nil || e.RetryIndex > best.RetryIndex {
			best = e
		}
	}
	return best
}

func (l *loop) refreshStatus() {
	pending := false
	for _, e := range l.manifest {
		if e.Status.IsPending() {
			pending = true
			break
		}
	}
	switch {
	case l.firstUnapproved() >= l.totalCycles:
		l.status = models.LoopStatusComplete
	case pending:
		l.status = models.LoopStatusRunning
	case l.lastError != "":
		l.status = models.LoopStatusError
	default:
		l.status = models.LoopStatusIdle
	}
}

// applyOverrides sets prompt inputs from "<node id>.<input>" keys.
func applyOverrides(prompt json.RawMessage, overrides map[string]any) json.RawMessage {
	if len(overrides) == 0 {
		return prompt
	}
	var nodes map[string]map[string]any
	if err := json.Unmarshal(prompt, &nodes); err != nil {
		return prompt
	}
	for key, value := range overrides {
		nodeID, input, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		node, ok := nodes[nodeID]
		if !ok {
			continue
		}
		inputs, ok := node["inputs"].(map[string]any)
		if !ok {
			continue
		}
		inputs[input] = value
	}
	out, err := json.Marshal(nodes)
	if err != nil {
		return prompt
	}
	return out
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return len(raw) > 0 && json.Unmarshal(raw, &obj) == nil && obj != nil
}
