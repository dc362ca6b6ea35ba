package models

import "time"

// RetryCandidate is an armed replay that has not been launched yet.
type RetryCandidate struct {
	CycleIndex int `json:"cycleIndex"`
	RetryIndex int `json:"retryIndex"`
}

// Key returns the (cycle, retry) pair the candidate would create.
func (c RetryCandidate) Key() EntryKey {
	return EntryKey{Cycle: c.CycleIndex, Retry: c.RetryIndex}
}

// PendingLaunchTTL bounds how long a launch waits to appear in the manifest.
const PendingLaunchTTL = 15 * time.Second

// PendingLaunch guards an in-flight step or replay call until the server
// reports the matching manifest entry.
type PendingLaunch struct {
	CycleIndex int       `json:"cycleIndex"`
	RetryIndex int       `json:"retryIndex"`
	PromptID   string    `json:"promptId,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// NewPendingLaunch arms a launch guard starting at now.
func NewPendingLaunch(cycle, retry int, now time.Time, ttl time.Duration) *PendingLaunch {
	if ttl <= 0 {
		ttl = PendingLaunchTTL
	}
	return &PendingLaunch{
		CycleIndex: cycle,
		RetryIndex: retry,
		StartedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

// Key returns the (cycle, retry) pair being launched.
func (p PendingLaunch) Key() EntryKey {
	return EntryKey{Cycle: p.CycleIndex, Retry: p.RetryIndex}
}

// Expired reports whether the guard has timed out at now.
func (p PendingLaunch) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
