package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EntryStatus is the generation status of a manifest entry.
type EntryStatus string

const (
	EntryStatusQueued   EntryStatus = "queued"
	EntryStatusRunning  EntryStatus = "running"
	EntryStatusReturned EntryStatus = "returned"
	EntryStatusFailed   EntryStatus = "failed"
)

// ParseEntryStatus normalizes a raw entry status. The backend reports
// execution errors as "error"; those fold into failed.
func ParseEntryStatus(raw string) EntryStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running":
		return EntryStatusRunning
	case "returned":
		return EntryStatusReturned
	case "failed", "error":
		return EntryStatusFailed
	default:
		return EntryStatusQueued
	}
}

// IsPending reports whether the entry is still being generated.
func (s EntryStatus) IsPending() bool {
	return s == EntryStatusQueued || s == EntryStatusRunning
}

// Decision is the operator verdict on a manifest entry.
type Decision string

const (
	DecisionPending Decision = "pending"
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionReplay  Decision = "replay"
	DecisionDiscard Decision = "discard"
)

// ParseDecision maps a raw decision string to a Decision. Absent or empty
// values are pending.
func ParseDecision(raw string) (Decision, error) {
	switch Decision(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DecisionPending:
		return DecisionPending, nil
	case DecisionApprove:
		return DecisionApprove, nil
	case DecisionReject:
		return DecisionReject, nil
	case DecisionReplay:
		return DecisionReplay, nil
	case DecisionDiscard:
		return DecisionDiscard, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, raw)
	}
}

// IsTerminal reports whether the decision closes the entry for further verdicts.
func (d Decision) IsTerminal() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionDiscard:
		return true
	default:
		return false
	}
}

// IsChoice reports whether the decision can be issued by an operator.
func (d Decision) IsChoice() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionReplay, DecisionDiscard:
		return true
	default:
		return false
	}
}

// EntryKey identifies a manifest entry within a loop.
type EntryKey struct {
	Cycle int
	Retry int
}

func (k EntryKey) String() string {
	return fmt.Sprintf("(%d,%d)", k.Cycle, k.Retry)
}

// MediaRef points at a file produced by a generation.
type MediaRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder,omitempty"`
	Type      string `json:"type,omitempty"`
}

// Outputs holds whatever a generation returned. Any subset may be present.
type Outputs struct {
	Images []MediaRef      `json:"images,omitempty"`
	Text   string          `json:"text,omitempty"`
	JSON   json.RawMessage `json:"json,omitempty"`
	Audio  []MediaRef      `json:"audio,omitempty"`
	Video  []MediaRef      `json:"video,omitempty"`
	Binary []MediaRef      `json:"binary,omitempty"`
}

// Empty reports whether no output of any kind is present.
func (o Outputs) Empty() bool {
	return len(o.Images) == 0 && o.Text == "" && len(o.JSON) == 0 &&
		len(o.Audio) == 0 && len(o.Video) == 0 && len(o.Binary) == 0
}

// ManifestEntry is one generation attempt.
type ManifestEntry struct {
	CycleIndex int         `json:"cycle_index"`
	RetryIndex int         `json:"retry_index"`
	Status     EntryStatus `json:"status"`
	Decision   Decision    `json:"decision,omitempty"`
	PromptID   string      `json:"prompt_id,omitempty"`
	Info       string      `json:"info,omitempty"`
	Outputs    Outputs     `json:"outputs"`
	CreatedAt  float64     `json:"created_at,omitempty"`
	UpdatedAt  float64     `json:"updated_at,omitempty"`
}

// Key returns the entry's (cycle, retry) identity.
func (e ManifestEntry) Key() EntryKey {
	return EntryKey{Cycle: e.CycleIndex, Retry: e.RetryIndex}
}

// Timestamp returns the value used for "latest" ordering.
func (e ManifestEntry) Timestamp() float64 {
	if e.UpdatedAt > 0 {
		return e.UpdatedAt
	}
	return e.CreatedAt
}

// Normalize folds raw status and decision strings into known values.
func (e *ManifestEntry) Normalize() {
	e.Status = ParseEntryStatus(string(e.Status))
	decision, err := ParseDecision(string(e.Decision))
	if err != nil {
		decision = DecisionPending
	}
	e.Decision = decision
}

// Awaiting reports whether the entry has returned and still waits for a verdict.
func (e ManifestEntry) Awaiting() bool {
	return e.Status == EntryStatusReturned && !e.Decision.IsTerminal()
}
