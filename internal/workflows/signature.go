package workflows

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Signature hashes a prompt in canonical form (object keys sorted, no
// insignificant whitespace), so re-serialising the same graph yields the same
// value. An empty prompt has an empty signature.
func Signature(prompt json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(prompt)) == 0 {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(prompt, &v); err != nil {
		return "", fmt.Errorf("signature: %w", err)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("signature: %w", err)
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
