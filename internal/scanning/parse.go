package scanning

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// decodePayload decodes model output into a loosely typed value. Markdown
// fences and chatter around the JSON are tolerated. When nothing decodes,
// the trimmed text itself is returned so the caller can reject it.
func decodePayload(text string) any {
	text = stripFences(text)

	if v, ok := decodeJSON(text); ok {
		return v
	}

	// Fall back to the outermost object or array in the text
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(text, pair[0])
		end := strings.LastIndex(text, pair[1])
		if start == -1 || end <= start {
			continue
		}
		if v, ok := decodeJSON(text[start : end+1]); ok {
			return v
		}
	}

	return text
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```JSON")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// decodeJSON keeps numbers as json.Number so amounts are not rounded
// through float64.
func decodeJSON(text string) (any, bool) {
	if text == "" {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	return v, true
}

// NewExtraction wraps verbatim model output, decoding it into a payload.
func NewExtraction(text, processedBy string) *Extraction {
	return &Extraction{
		Payload:     decodePayload(text),
		Text:        text,
		ProcessedBy: processedBy,
	}
}
