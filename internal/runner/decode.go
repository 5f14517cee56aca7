package runner

import (
	"bytes"
	"encoding/json"
	"strings"
)

// RecordKind classifies a decoded stream record.
type RecordKind string

const (
	// KindAssistant carries agent text that accumulates into the run result.
	KindAssistant RecordKind = "assistant"
	// KindResult is the lifecycle record carrying final duration and
	// turn-count metadata.
	KindResult RecordKind = "result"
	// KindOther is any structured record the runner forwards but does not
	// accumulate (system events, tool traffic).
	KindOther RecordKind = "other"
)

// Record is one decoded line of the agent's stream output.
type Record struct {
	Kind       RecordKind      `json:"kind"`
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype,omitempty"`
	Text       string          `json:"text,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMs int             `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	Raw        json.RawMessage `json:"raw"`
}

// streamMessage mirrors the agent's stream-json line shape. Only the fields
// the runner classifies on are decoded; the rest stays opaque in Raw.
type streamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"message"`
	Result     string `json:"result,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMs int    `json:"duration_ms,omitempty"`
	NumTurns   int    `json:"num_turns,omitempty"`
}

// Decode appends newBytes to buf, splits complete lines, and decodes each as
// a structured record. The remaining buffer (an incomplete trailing line,
// plus any line that failed to decode) is returned for the next call.
//
// A line that fails to decode is not a fault: it is usually a payload whose
// embedded newline was split across read boundaries. Such a line is rejoined
// with the bytes that follow it and retried on subsequent scans.
func Decode(buf, newBytes []byte) ([]Record, []byte) {
	data := make([]byte, 0, len(buf)+len(newBytes))
	data = append(data, buf...)
	data = append(data, newBytes...)

	var records []Record
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return records, data
		}

		line := bytes.TrimSpace(data[:idx])
		rest := data[idx+1:]

		if len(line) == 0 {
			data = rest
			continue
		}

		rec, err := decodeLine(line)
		if err != nil {
			joined := make([]byte, 0, len(data)-1)
			joined = append(joined, data[:idx]...)
			joined = append(joined, rest...)
			data = joined
			continue
		}

		records = append(records, rec)
		data = rest
	}
}

func decodeLine(line []byte) (Record, error) {
	var msg streamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return Record{}, err
	}

	rec := Record{
		Type:       msg.Type,
		Subtype:    msg.Subtype,
		IsError:    msg.IsError,
		DurationMs: msg.DurationMs,
		NumTurns:   msg.NumTurns,
		Raw:        json.RawMessage(bytes.Clone(line)),
	}

	switch msg.Type {
	case "assistant":
		rec.Kind = KindAssistant
		var parts []string
		for _, block := range msg.Message.Content {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		rec.Text = strings.Join(parts, "\n")
	case "result":
		rec.Kind = KindResult
		rec.Text = msg.Result
	default:
		rec.Kind = KindOther
	}

	return rec, nil
}
