// ABOUTME: Parses the model's structured JSON answer into message text and a raw feature tag
// ABOUTME: Tolerates code fences and prose around a single JSON object

package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrModelResponseMalformed is returned when the model answer is not the expected JSON object.
var ErrModelResponseMalformed = errors.New("model response malformed")

type modelReply struct {
	Message *string         `json:"message"`
	Feature json.RawMessage `json:"feature"`
}

// parseReply extracts message and feature from raw model output.
func parseReply(raw string) (message, feature string, err error) {
	body := extractObject(raw)
	if body == "" {
		return "", "", fmt.Errorf("%w: no JSON object in %q", ErrModelResponseMalformed, truncate(raw, 80))
	}

	var r modelReply
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrModelResponseMalformed, err)
	}
	if r.Message == nil {
		return "", "", fmt.Errorf("%w: missing message field", ErrModelResponseMalformed)
	}
	if strings.TrimSpace(*r.Message) == "" {
		return "", "", fmt.Errorf("%w: empty message", ErrModelResponseMalformed)
	}
	return *r.Message, rawFeature(r.Feature), nil
}

// rawFeature renders the feature field as text; null, absent and non-scalar values become "".
func rawFeature(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}

func extractObject(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
