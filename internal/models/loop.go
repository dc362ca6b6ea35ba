package models

import (
	"strings"
	"time"
)

// LoopStatus is the server-reported status of a loop.
type LoopStatus string

const (
	LoopStatusIdle     LoopStatus = "idle"
	LoopStatusQueued   LoopStatus = "queued"
	LoopStatusRunning  LoopStatus = "running"
	LoopStatusError    LoopStatus = "error"
	LoopStatusFailed   LoopStatus = "failed"
	LoopStatusComplete LoopStatus = "complete"
)

// ParseLoopStatus normalizes a raw status string. Unknown or empty values map to idle.
func ParseLoopStatus(raw string) LoopStatus {
	switch LoopStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case LoopStatusQueued:
		return LoopStatusQueued
	case LoopStatusRunning:
		return LoopStatusRunning
	case LoopStatusError:
		return LoopStatusError
	case LoopStatusFailed:
		return LoopStatusFailed
	case LoopStatusComplete:
		return LoopStatusComplete
	default:
		return LoopStatusIdle
	}
}

// IsFailure reports whether the status is one of the error states.
func (s LoopStatus) IsFailure() bool {
	return s == LoopStatusError || s == LoopStatusFailed
}

// IsActive reports whether the server claims work is in progress.
func (s LoopStatus) IsActive() bool {
	return s == LoopStatusQueued || s == LoopStatusRunning
}

// LoopDetail is the client-side cached copy of a loop, as returned by GET /loop/{id}.
type LoopDetail struct {
	LoopID         string          `json:"loop_id"`
	Status         LoopStatus      `json:"status"`
	Mode           string          `json:"mode,omitempty"`
	TotalCycles    int             `json:"total_cycles"`
	CurrentCycle   *int            `json:"current_cycle,omitempty"`
	CurrentRetry   int             `json:"current_retry"`
	Overrides      map[string]any  `json:"overrides,omitempty"`
	WorkflowSource string          `json:"workflow_source,omitempty"`
	Manifest       []ManifestEntry `json:"manifest"`
	LastError      string          `json:"last_error,omitempty"`
	UpdatedAt      float64         `json:"updated_at,omitempty"`
}

// Normalize fixes up status strings and decision defaults after decoding.
func (d *LoopDetail) Normalize() {
	if d == nil {
		return
	}
	d.Status = ParseLoopStatus(string(d.Status))
	if d.TotalCycles < 0 {
		d.TotalCycles = 0
	}
	for i := range d.Manifest {
		d.Manifest[i].Normalize()
	}
}

// Clone returns a deep-enough copy for safe sharing across goroutines.
func (d *LoopDetail) Clone() *LoopDetail {
	if d == nil {
		return nil
	}
	out := *d
	if d.CurrentCycle != nil {
		cycle := *d.CurrentCycle
		out.CurrentCycle = &cycle
	}
	if d.Overrides != nil {
		out.Overrides = make(map[string]any, len(d.Overrides))
		for k, v := range d.Overrides {
			out.Overrides[k] = v
		}
	}
	out.Manifest = append([]ManifestEntry(nil), d.Manifest...)
	return &out
}

// Validate checks invariants of a decoded loop detail.
func (d *LoopDetail) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(d.LoopID) == "" {
		validation.Add("loop_id", ErrInvalidLoopID)
	}
	if d.TotalCycles < 1 {
		validation.Add("total_cycles", ErrInvalidTotalCycles)
	}
	for _, entry := range d.Manifest {
		if entry.CycleIndex < 0 || entry.RetryIndex < 0 {
			validation.AddMessage("manifest", "cycle_index and retry_index must be >= 0")
			break
		}
	}
	return validation.Err()
}

// LoopSummary is one row of GET /loop/list.
type LoopSummary struct {
	LoopID       string     `json:"loop_id"`
	Status       LoopStatus `json:"status"`
	Mode         string     `json:"mode,omitempty"`
	TotalCycles  int        `json:"total_cycles"`
	CurrentCycle int        `json:"current_cycle"`
	CurrentRetry int        `json:"current_retry"`
	UpdatedAt    float64    `json:"updated_at,omitempty"`
}

// UnixSeconds converts a server float timestamp into a time.Time.
func UnixSeconds(ts float64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// ToUnixSeconds converts a time into the server float timestamp representation.
func ToUnixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
