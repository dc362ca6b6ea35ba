package loopserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/loopdeck/internal/events"
	"github.com/tOgg1/loopdeck/internal/logging"
	"github.com/tOgg1/loopdeck/internal/models"
	"github.com/tOgg1/loopdeck/internal/workflows"
)

const simulatedProgressSteps = 4

// Simulator stands in for the execution engine: every launch runs for a
// fixed delay, reports progress, and returns one image derived from the
// loop context seed.
type Simulator struct {
	registry  *Registry
	hub       *Hub
	history   *History
	delay     time.Duration
	outputDir string
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSimulator creates a simulator. An empty outputDir returns text outputs
// instead of image files.
func NewSimulator(registry *Registry, hub *Hub, history *History, delay time.Duration, outputDir string) *Simulator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Simulator{
		registry:  registry,
		hub:       hub,
		history:   history,
		delay:     delay,
		outputDir: outputDir,
		logger:    logging.Component("loopserver").With().Str("part", "simulator").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Launch runs a loop generation in the background.
func (s *Simulator) Launch(launch Launch) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(launch)
	}()
}

// Queue runs a standalone prompt in the background.
func (s *Simulator) Queue(promptID string) {
	s.history.Queued(promptID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.execute(promptID, "") {
			return
		}
		s.history.Done(promptID, json.RawMessage(`{}`))
		s.publish(events.Event{Type: events.TypeExecutionSuccess, PromptID: promptID})
		s.publish(events.Event{Type: events.TypeExecuting, PromptID: promptID})
	}()
}

// Stop cancels pending generations and waits for them.
func (s *Simulator) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Simulator) runLoop(launch Launch) {
	if !s.execute(launch.PromptID, launch.LoopID) {
		return
	}

	seed := seedFromPrompt(launch)
	outputs, err := s.render(launch, seed)
	if err != nil {
		s.logger.Warn().Err(err).Str("loop_id", launch.LoopID).Msg("simulated generation failed")
		_ = s.registry.Fail(launch.LoopID, launch.PromptID, err.Error())
		s.publish(events.Event{Type: events.TypeExecutionError, PromptID: launch.PromptID, Message: err.Error()})
		s.publish(events.Event{Type: events.TypeLoopUpdated, LoopID: launch.LoopID})
		return
	}

	info := fmt.Sprintf("cycle %d retry %d seed %d", launch.CycleIndex, launch.RetryIndex, seed)
	if err := s.registry.Complete(launch.LoopID, launch.PromptID, outputs, info); err != nil {
		// The loop was reset while generating.
		s.logger.Debug().Err(err).Str("loop_id", launch.LoopID).Msg("dropping stale generation")
		return
	}
	s.publish(events.Event{Type: events.TypeExecutionSuccess, PromptID: launch.PromptID})
	s.publish(events.Event{Type: events.TypeExecuting, PromptID: launch.PromptID})
	s.publish(events.Event{Type: events.TypeLoopUpdated, LoopID: launch.LoopID})
}

// execute plays the start and progress events. It returns false when the
// simulator stopped first.
func (s *Simulator) execute(promptID, loopID string) bool {
	s.publish(events.Event{Type: events.TypeExecutionStart, PromptID: promptID})
	if loopID != "" {
		_ = s.registry.MarkRunning(loopID, promptID)
		s.publish(events.Event{Type: events.TypeLoopUpdated, LoopID: loopID})
	}

	step := s.delay / simulatedProgressSteps
	for i := 1; i <= simulatedProgressSteps; i++ {
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(step):
		}
		s.publish(events.Event{
			Type:     events.TypeProgress,
			PromptID: promptID,
			Node:     "sampler",
			Value:    i,
			Max:      simulatedProgressSteps,
		})
	}
	return true
}

func (s *Simulator) render(launch Launch, seed uint64) (models.Outputs, error) {
	if s.outputDir == "" {
		return models.Outputs{Text: fmt.Sprintf("seed %d", seed)}, nil
	}

	subfolder := filepath.ToSlash(filepath.Join("loopdeck", launch.LoopID))
	name := fmt.Sprintf("cycle_%04d_r%02d_00001_.png", launch.CycleIndex, launch.RetryIndex)
	dir := filepath.Join(s.outputDir, filepath.FromSlash(subfolder))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.Outputs{}, fmt.Errorf("create output dir: %w", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	fill := color.RGBA{R: uint8(seed), G: uint8(seed >> 8), B: uint8(seed >> 16), A: 255}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return models.Outputs{}, fmt.Errorf("encode image: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o644); err != nil {
		return models.Outputs{}, fmt.Errorf("write image: %w", err)
	}

	return models.Outputs{Images: []models.MediaRef{{Filename: name, Subfolder: subfolder, Type: "output"}}}, nil
}

func (s *Simulator) publish(event events.Event) {
	if s.hub != nil {
		s.hub.Publish(event)
	}
}

// seedFromPrompt derives the attempt's seed from the prompt's loop context.
func seedFromPrompt(launch Launch) uint64 {
	base, mode, _ := workflows.SeedSettings(launch.Prompt)
	return workflows.Seed(launch.LoopID, launch.CycleIndex, launch.RetryIndex, base, mode)
}
