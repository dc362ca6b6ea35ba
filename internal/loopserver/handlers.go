package loopserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/tOgg1/loopdeck/internal/events"
	"github.com/tOgg1/loopdeck/internal/models"
	"github.com/tOgg1/loopdeck/internal/workflows"
)

const maxBodyBytes = 32 << 20

type loopRequest struct {
	LoopID string `json:"loop_id"`
}

type configRequest struct {
	LoopID      string `json:"loop_id"`
	TotalCycles *int   `json:"total_cycles"`
}

type setWorkflowRequest struct {
	LoopID   string          `json:"loop_id"`
	Prompt   json.RawMessage `json:"prompt"`
	Workflow json.RawMessage `json:"workflow"`
}

type stepRequest struct {
	LoopID     string `json:"loop_id"`
	CycleIndex *int   `json:"cycle_index"`
	RetryIndex *int   `json:"retry_index"`
}

type decisionRequest struct {
	LoopID     string `json:"loop_id"`
	CycleIndex *int   `json:"cycle_index"`
	RetryIndex *int   `json:"retry_index"`
	Decision   string `json:"decision"`
}

type overridesRequest struct {
	LoopID    string         `json:"loop_id"`
	Overrides map[string]any `json:"overrides"`
}

type resetRequest struct {
	LoopID       string `json:"loop_id"`
	KeepWorkflow bool   `json:"keep_workflow"`
}

type workflowInfo struct {
	Name              string `json:"name"`
	Feature           string `json:"feature,omitempty"`
	ProfileID         string `json:"profile_id,omitempty"`
	ProfileVersion    string `json:"profile_version,omitempty"`
	UIContractVersion string `json:"ui_contract_version,omitempty"`
	WorkflowKind      string `json:"workflow_kind,omitempty"`
}

func newWorkflowInfo(name, feature string, profile workflows.Profile) workflowInfo {
	return workflowInfo{
		Name:              name,
		Feature:           feature,
		ProfileID:         profile.ID,
		ProfileVersion:    profile.Version,
		UIContractVersion: profile.UIContractVersion,
		WorkflowKind:      profile.Kind,
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"loops": s.registry.List()})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	detail, err := s.registry.Get(r.PathValue("loop_id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req loopRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	id := s.registry.Create(strings.TrimSpace(req.LoopID))
	s.logger.Info().Str("loop_id", id).Msg("loop created")
	writeJSON(w, http.StatusOK, map[string]any{"loop_id": id})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.TotalCycles == nil {
		writeError(w, http.StatusBadRequest, ErrInvalidCycles.Error())
		return
	}
	total, err := s.registry.SetTotalCycles(req.LoopID, *req.TotalCycles)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	s.notify(req.LoopID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "total_cycles": total})
}

func (s *Server) handleSetWorkflow(w http.ResponseWriter, r *http.Request) {
	var req setWorkflowRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if err := s.registry.SetWorkflow(req.LoopID, req.Prompt, req.Workflow); err != nil {
		writeRegistryError(w, err)
		return
	}
	s.notify(req.LoopID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	launch, err := s.registry.Step(req.LoopID, req.CycleIndex, req.RetryIndex)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	s.logger.Info().
		Str("loop_id", launch.LoopID).
		Str("prompt_id", launch.PromptID).
		Int("cycle", launch.CycleIndex).
		Int("retry", launch.RetryIndex).
		Msg("step queued")
	s.sim.Launch(*launch)
	s.notify(req.LoopID)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"prompt_id":   launch.PromptID,
		"cycle_index": launch.CycleIndex,
		"retry_index": launch.RetryIndex,
	})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.CycleIndex == nil || req.RetryIndex == nil {
		writeError(w, http.StatusBadRequest, ErrInvalidPayload.Error())
		return
	}
	decision, err := models.ParseDecision(req.Decision)
	if err != nil || !decision.IsChoice() {
		writeError(w, http.StatusBadRequest, ErrInvalidDecision.Error())
		return
	}
	progression, err := s.registry.Decide(req.LoopID, *req.CycleIndex, *req.RetryIndex, decision)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	s.notify(req.LoopID)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"next_cycle_index": progression.NextCycleIndex,
		"next_retry_index": progression.NextRetryIndex,
		"needs_generation": progression.NeedsGeneration,
	})
}

func (s *Server) handleOverrides(w http.ResponseWriter, r *http.Request) {
	var req overridesRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if err := s.registry.SetOverrides(req.LoopID, req.Overrides); err != nil {
		writeRegistryError(w, err)
		return
	}
	s.notify(req.LoopID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req loopRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	count, folder, err := s.exportApproved(req.LoopID)
	if err != nil {
		if errors.Is(err, ErrLoopNotFound) {
			writeRegistryError(w, err)
			return
		}
		s.logger.Warn().Err(err).Str("loop_id", req.LoopID).Msg("export failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": count, "folder": folder})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if err := s.registry.Reset(req.LoopID, req.KeepWorkflow); err != nil {
		writeRegistryError(w, err)
		return
	}
	s.notify(req.LoopID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.catalog.List()
	if err != nil {
		s.logger.Warn().Err(err).Msg("list workflows failed")
		writeError(w, http.StatusInternalServerError, "list_failed")
		return
	}
	infos := make([]workflowInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, newWorkflowInfo(entry.Name, entry.Feature, entry.Profile))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": infos, "root": s.catalog.Root()})
}

func (s *Server) handleWorkflowLoad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req, false) {
		return
	}
	doc, err := s.catalog.Load(req.Name)
	switch {
	case errors.Is(err, workflows.ErrInvalidName):
		writeError(w, http.StatusBadRequest, workflows.ErrInvalidName.Error())
		return
	case errors.Is(err, workflows.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, workflows.ErrWorkflowNotFound.Error())
		return
	case err != nil:
		s.logger.Warn().Err(err).Str("name", req.Name).Msg("load workflow failed")
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	out := struct {
		workflowInfo
		Workflow json.RawMessage `json:"workflow"`
		Prompt   json.RawMessage `json:"prompt,omitempty"`
	}{
		workflowInfo: newWorkflowInfo(doc.Name, doc.Feature, doc.Profile),
		Workflow:     doc.Workflow,
		Prompt:       doc.Prompt,
	}
	if len(out.Workflow) == 0 {
		out.Workflow = json.RawMessage(`null`)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt json.RawMessage `json:"prompt"`
	}
	if !decodeBody(w, r, &req, false) {
		return
	}
	if !isJSONObject(req.Prompt) {
		writeError(w, http.StatusBadRequest, ErrInvalidPayload.Error())
		return
	}
	promptID := ulid.Make().String()
	s.sim.Queue(promptID)
	writeJSON(w, http.StatusOK, map[string]any{"prompt_id": promptID, "number": 0})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.history.Lookup(r.PathValue("prompt_id")))
}

func (s *Server) notify(loopID string) {
	if loopID == "" {
		return
	}
	s.hub.Publish(events.Event{Type: events.TypeLoopUpdated, LoopID: loopID})
}

// decodeBody reads a JSON request body. allowEmpty accepts a missing body.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrLoopNotFound), errors.Is(err, ErrEntryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrEntryExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
