package workflows

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SeedMode selects how a loop context derives the sampler seed.
type SeedMode string

const (
	SeedModeCycleRetry SeedMode = "cycle+retry"
	SeedModeCycle      SeedMode = "cycle"
	SeedModeHash       SeedMode = "hash"
)

// ParseSeedMode maps a raw mode, defaulting to cycle+retry.
func ParseSeedMode(raw string) SeedMode {
	switch SeedMode(strings.ToLower(strings.TrimSpace(raw))) {
	case SeedModeCycle:
		return SeedModeCycle
	case SeedModeHash:
		return SeedModeHash
	default:
		return SeedModeCycleRetry
	}
}

// Seed computes the seed the loop context feeds the sampler for one attempt.
// Arithmetic wraps at 64 bits.
func Seed(loopID string, cycle, retry int, base uint64, mode SeedMode) uint64 {
	switch mode {
	case SeedModeHash:
		payload := fmt.Sprintf("%s|%d|%d|%d", loopID, cycle, retry, base)
		digest := sha256.Sum256([]byte(payload))
		return binary.BigEndian.Uint64(digest[:8])
	case SeedModeCycle:
		return base + uint64(cycle)
	default:
		return base + uint64(cycle)*100000 + uint64(retry)
	}
}

// SeedSettings reads base_seed and seed_mode from the first loop context node
// of prompt. ok is false when the prompt has no loop context.
func SeedSettings(prompt json.RawMessage) (base uint64, mode SeedMode, ok bool) {
	mode = SeedModeCycleRetry
	nodes := decodePromptNodes(prompt)
	for _, id := range sortedKeys(nodes) {
		node := nodes[id]
		if node.ClassType != LoopContextType {
			continue
		}
		if raw, found := node.Inputs["base_seed"]; found {
			var number json.Number
			if err := json.Unmarshal(raw, &number); err == nil {
				if v, err := strconv.ParseUint(number.String(), 10, 64); err == nil {
					base = v
				} else if f, err := number.Float64(); err == nil && f >= 0 {
					base = uint64(f)
				}
			} else {
				var text string
				if json.Unmarshal(raw, &text) == nil {
					base, _ = strconv.ParseUint(strings.TrimSpace(text), 10, 64)
				}
			}
		}
		if raw, found := node.Inputs["seed_mode"]; found {
			var text string
			if json.Unmarshal(raw, &text) == nil {
				mode = ParseSeedMode(text)
			}
		}
		return base, mode, true
	}
	return 0, mode, false
}
