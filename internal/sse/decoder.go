// Package sse decodes a chat-completion server's Server-Sent-Events byte
// stream into textual deltas, tool-call fragments, and usage snapshots.
package sse

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jmeyers35/twiddle/internal/convo"
)

// maxEventBytes bounds a single SSE event's joined data payload.
const maxEventBytes = 16 * 1024

// ErrStreamFormat signals a malformed SSE stream: an oversize event, or an
// inconsistent tool-call fragment surfaced by the accumulator.
var ErrStreamFormat = errors.New("sse: stream format error")

// Sink receives the decoder's three kinds of output as they occur, in
// order. Implementations must not retain byte slices passed to them.
type Sink interface {
	// EmitText is called for every emitted textual delta (already
	// resolved through the content walker). It is also responsible for
	// display: writers are expected to flush eagerly on newline.
	EmitText(s string)
	// ToolCallFragment is called once per streamed tool-call delta
	// object, forwarded verbatim for the accumulator to merge.
	ToolCallFragment(f RawToolCallFragment)
	// UsageUpdate is called whenever the event carries a usage object.
	UsageUpdate(u convo.Usage)
}

// RawToolCallFragment mirrors one element of a streamed delta.tool_calls
// array before accumulation.
type RawToolCallFragment struct {
	HasIndex bool
	Index    int
	ID       string
	HasID    bool
	Name     string
	HasName  bool
	Arguments string
	HasArguments bool
}

// Decode reads r as an SSE byte stream and dispatches parsed events to
// sink until [DONE] is observed or r reaches EOF. It returns ErrStreamFormat
// on a malformed stream (wrapping the underlying cause where applicable).
func Decode(r io.Reader, sink Sink) error {
	reader := bufio.NewReaderSize(r, 4096)
	var eventBuf strings.Builder

	flushEvent := func() error {
		payload := eventBuf.String()
		eventBuf.Reset()
		if payload == "" {
			return nil
		}
		if payload == "[DONE]" {
			return io.EOF
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(payload), &obj); err != nil {
			return fmt.Errorf("%w: invalid event json: %v", ErrStreamFormat, err)
		}
		dispatch(obj, sink)
		return nil
	}

	for {
		line, err := readLine(reader)
		if err != nil {
			if err == io.EOF {
				if line == "" {
					return nil
				}
				// Fall through: handle the final, unterminated line
				// like any other, then treat stream end as done.
			} else {
				return err
			}
		}
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if ferr := flushEvent(); ferr != nil {
				if ferr == io.EOF {
					return nil
				}
				return ferr
			}
			if err == io.EOF {
				return nil
			}
			continue
		}

		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			payload = strings.TrimPrefix(payload, " ")
			if eventBuf.Len() > 0 {
				eventBuf.WriteByte('\n')
			}
			eventBuf.WriteString(payload)
			if eventBuf.Len() > maxEventBytes {
				return fmt.Errorf("%w: event exceeds %d bytes", ErrStreamFormat, maxEventBytes)
			}
		}

		if err == io.EOF {
			if ferr := flushEvent(); ferr != nil && ferr != io.EOF {
				return ferr
			}
			return nil
		}
	}
}

// readLine reads up to and including the next '\n', or to EOF. The
// returned error is io.EOF when the reader is exhausted; the returned
// string always holds whatever was read before the error (possibly empty).
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	line = strings.TrimSuffix(line, "\n")
	return line, err
}

func dispatch(obj map[string]any, sink Sink) {
	if choicesRaw, ok := obj["choices"]; ok {
		if choices, ok := choicesRaw.([]any); ok {
			for _, c := range choices {
				choice, ok := c.(map[string]any)
				if !ok {
					continue
				}
				dispatchChoice(choice, sink)
			}
		}
	}
	if usageRaw, ok := obj["usage"]; ok {
		if usage, ok := usageRaw.(map[string]any); ok {
			sink.UsageUpdate(convo.Usage{
				PromptTokens:     coerceInt(usage["prompt_tokens"]),
				CompletionTokens: coerceInt(usage["completion_tokens"]),
				TotalTokens:      coerceInt(usage["total_tokens"]),
				Valid:            true,
			})
		}
	}
}

func dispatchChoice(choice map[string]any, sink Sink) {
	delta, ok := choice["delta"]
	if !ok {
		return
	}
	switch d := delta.(type) {
	case string:
		sink.EmitText(d)
	case map[string]any:
		if tc, ok := d["tool_calls"]; ok {
			if arr, ok := tc.([]any); ok {
				for _, item := range arr {
					if frag, ok := item.(map[string]any); ok {
						sink.ToolCallFragment(parseFragment(frag))
					}
				}
			}
			return
		}
		if content, ok := d["content"]; ok {
			walkContent(content, sink)
			return
		}
		if outputText, ok := d["output_text"].(string); ok {
			sink.EmitText(outputText)
		}
	}
}

// walkContent recursively handles the content field's three shapes: plain
// string, array of strings/objects, or an object carrying text/content.
func walkContent(content any, sink Sink) {
	switch v := content.(type) {
	case string:
		sink.EmitText(v)
	case []any:
		for _, item := range v {
			switch iv := item.(type) {
			case string:
				sink.EmitText(iv)
			case map[string]any:
				if text, ok := iv["text"].(string); ok {
					sink.EmitText(text)
				} else if nested, ok := iv["content"]; ok {
					walkContent(nested, sink)
				}
			}
		}
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			sink.EmitText(text)
		}
	}
}

func parseFragment(obj map[string]any) RawToolCallFragment {
	f := RawToolCallFragment{}
	if idx, ok := obj["index"]; ok {
		f.HasIndex = true
		f.Index = coerceInt(idx)
	}
	if id, ok := obj["id"].(string); ok {
		f.HasID = true
		f.ID = id
	}
	if fn, ok := obj["function"].(map[string]any); ok {
		if name, ok := fn["name"].(string); ok {
			f.HasName = true
			f.Name = name
		}
		if args, ok := fn["arguments"].(string); ok {
			f.HasArguments = true
			f.Arguments = args
		}
	}
	return f
}

// coerceInt accepts integer-typed, float-typed (JSON numbers decode as
// float64), or numeric-string representations of a field.
func coerceInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	case int:
		return n
	default:
		return 0
	}
}
