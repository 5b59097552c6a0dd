// Package jsonx decodes structured data out of LLM replies, which routinely
// wrap JSON in prose or code fences and take liberties with quoting.
package jsonx

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Decode extracts the first JSON value from text and unmarshals it into v.
// Strict parsing is tried first; on failure the candidate is run through
// jsonrepair before one more strict attempt.
func Decode(text string, v any) error {
	candidate := extract(text)
	if candidate == "" {
		return fmt.Errorf("no JSON value found in response")
	}
	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return fmt.Errorf("response is not valid JSON and could not be repaired: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("repaired response still failed to parse: %w", err)
	}
	return nil
}

// extract cuts the most plausible JSON value out of the text: fenced block if
// present, otherwise the span from the first bracket to the matching last one.
func extract(text string) string {
	text = strings.TrimSpace(text)

	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			fenced := strings.TrimSpace(rest[:end])
			if fenced != "" {
				return fenced
			}
		}
	}

	objStart := strings.IndexByte(text, '{')
	arrStart := strings.IndexByte(text, '[')
	start := objStart
	closer := byte('}')
	if start < 0 || (arrStart >= 0 && arrStart < start) {
		start = arrStart
		closer = ']'
	}
	if start < 0 {
		return ""
	}
	end := strings.LastIndexByte(text, closer)
	if end <= start {
		return ""
	}
	return text[start : end+1]
}
