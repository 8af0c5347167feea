package toolcall

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// DecodeArguments decodes a native tool-call argument string. Truncated or
// slightly malformed JSON is repaired before giving up. The second return
// value reports whether a repair was needed.
func DecodeArguments(raw string) (map[string]any, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, false, nil
	}

	args := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, false, nil
	}

	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, false, fmt.Errorf("failed to repair arguments: %w", err)
	}
	args = make(map[string]any)
	if err := json.Unmarshal([]byte(fixed), &args); err != nil {
		return nil, true, fmt.Errorf("failed to decode repaired arguments: %w", err)
	}
	return args, true, nil
}
