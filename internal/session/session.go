// Package session drives one user prompt to completion: it alternates
// between streaming the model, scanning for pending tool calls, executing
// them under the sandbox, and feeding results back for a follow-up model
// turn until the model stops emitting tool calls.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jmeyers35/twiddle/internal/chat"
	"github.com/jmeyers35/twiddle/internal/config"
	"github.com/jmeyers35/twiddle/internal/convo"
	"github.com/jmeyers35/twiddle/internal/executor"
	"github.com/jmeyers35/twiddle/internal/observability"
	"github.com/jmeyers35/twiddle/internal/sandbox"
	"github.com/jmeyers35/twiddle/internal/tracer"
	"github.com/jmeyers35/twiddle/internal/transcript"
)

// Runner owns one long-lived conversation and the components a turn needs:
// the chat transport, the tool executor, and the sandbox the executor
// reports escalation requests against.
type Runner struct {
	client *chat.Client
	exec   *executor.Executor
	sb     *sandbox.Sandbox
	conv   *convo.Conversation

	approvalPolicy config.ApprovalPolicy
	systemPrompt   string

	display io.Writer
	input   *bufio.Reader

	transcript    *transcript.Store
	transcriptPos int

	bus        *tracer.Bus
	otelTracer *observability.Tracer
}

// Option configures optional Runner behavior at construction.
type Option func(*Runner)

// WithTranscript records every message committed during this Runner's
// prompts to store, so a later process can resume the conversation. Pass
// nil (or omit the option) to run with no transcript, the default.
func WithTranscript(store *transcript.Store) Option {
	return func(r *Runner) { r.transcript = store }
}

// WithEventBus publishes turn/tool/approval lifecycle events to bus for an
// observer goroutine (the Tracer timeline, the metrics consumer) to pick
// up. Publishing never blocks the turn: a full bus drops the event.
func WithEventBus(bus *tracer.Bus) Option {
	return func(r *Runner) { r.bus = bus }
}

// WithTracer opens an OpenTelemetry span around each tool dispatch.
// Passive: never changes dispatch behavior or outcome.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Runner) { r.otelTracer = t }
}

// publish is a no-op unless an event bus is configured.
func (r *Runner) publish(ev tracer.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

// New constructs a Runner. input supplies the operator's yes/no responses
// to workspace-write escalation prompts.
func New(client *chat.Client, exec *executor.Executor, sb *sandbox.Sandbox, conv *convo.Conversation, policy config.ApprovalPolicy, systemPrompt string, display io.Writer, input io.Reader, opts ...Option) *Runner {
	r := &Runner{
		client:         client,
		exec:           exec,
		sb:             sb,
		conv:           conv,
		approvalPolicy: policy,
		systemPrompt:   systemPrompt,
		display:        display,
		input:          bufio.NewReader(input),
		transcriptPos:  conv.Len(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// flushTranscript appends every message committed since the last flush to
// the configured transcript store, if any. A store write failure is
// logged to display rather than aborting the turn: losing resumability is
// not worth failing an otherwise-successful prompt.
func (r *Runner) flushTranscript(ctx context.Context) {
	if r.transcript == nil {
		return
	}
	messages := r.conv.Messages()
	for ; r.transcriptPos < len(messages); r.transcriptPos++ {
		if err := r.transcript.Append(ctx, messages[r.transcriptPos]); err != nil {
			fmt.Fprintf(r.display, "transcript: %v\n", err)
		}
	}
}

// toolContextPreamble describes the sandbox root and mode to the model, so
// it can reason about what paths and permissions are available.
func (r *Runner) toolContextPreamble() string {
	return fmt.Sprintf("Sandbox root: %s. Mode: %s. Workspace-write enabled: %t.",
		r.sb.Root(), r.sb.Mode(), r.sb.WorkspaceWriteEnabled())
}

// RunPrompt drives userText to completion: one model turn, then zero or
// more tool-dispatch/follow-up-turn rounds until the model's latest
// assistant message carries no pending tool calls.
func (r *Runner) RunPrompt(ctx context.Context, userText string) error {
	turnID := uuid.NewString()
	start := time.Now()
	r.publish(tracer.Event{Type: tracer.EventTurnStart, TurnID: turnID})

	err := r.runPrompt(ctx, turnID, userText)

	ev := tracer.Event{Type: tracer.EventTurnEnd, TurnID: turnID, Duration: time.Since(start)}
	if err != nil {
		ev.Error = err.Error()
	}
	r.publish(ev)
	return err
}

func (r *Runner) runPrompt(ctx context.Context, turnID, userText string) error {
	if _, err := r.client.Respond(ctx, r.conv, userText, r.systemPrompt, r.toolContextPreamble(), r.display); err != nil {
		return err
	}
	r.flushTranscript(ctx)

	for {
		idx := r.conv.LastPendingToolCallMessage()
		if idx == -1 {
			return nil
		}
		if err := r.drainPendingToolCalls(ctx, turnID, idx); err != nil {
			r.flushTranscript(ctx)
			return err
		}
		r.flushTranscript(ctx)
		if _, err := r.client.Continue(ctx, r.conv, r.systemPrompt, r.toolContextPreamble(), r.display); err != nil {
			return err
		}
		r.flushTranscript(ctx)
	}
}

// drainPendingToolCalls executes every not-yet-processed tool call on the
// assistant message at idx, in index order, appending one tool-result
// message per call.
func (r *Runner) drainPendingToolCalls(ctx context.Context, turnID string, idx int) error {
	msg := r.conv.At(idx)
	for msg.ProcessedToolCalls < len(msg.ToolCalls) {
		call := msg.ToolCalls[msg.ProcessedToolCalls]

		if call.ID == "" || call.Name == "" || call.ArgumentsJSON == "" {
			fmt.Fprintf(r.display, "tool call malformed, abandoning prompt\n")
			msg.ProcessedToolCalls++
			return fmt.Errorf("session: tool envelope invalid for call %q", call.ID)
		}

		start := time.Now()
		r.publish(tracer.Event{Type: tracer.EventToolStart, TurnID: turnID, ToolCallID: call.ID, Name: call.Name})

		result, escalate := r.dispatchOne(ctx, turnID, call)
		if escalate {
			granted := r.runApprovalHandshake(turnID, call.Name)
			if granted {
				result, _ = r.dispatchOne(ctx, turnID, call)
			} else {
				result = failureResult(call.ID, "workspace write denied by operator")
			}
		}

		r.conv.Append(convo.NewToolMessage(call.ID, call.Name, result.json))
		msg.ProcessedToolCalls++
		r.printSummary(call, result)

		ev := tracer.Event{Type: tracer.EventToolEnd, TurnID: turnID, ToolCallID: call.ID, Name: call.Name, Duration: time.Since(start)}
		if !result.success {
			ev.Type = tracer.EventToolError
			ev.Error = result.message
		}
		r.publish(ev)
	}
	return nil
}

// toolResult is the rendered {status, tool_id, ...} JSON document appended
// to the conversation as a tool message, plus the bits the summary printer
// needs.
type toolResult struct {
	json    string
	success bool
	message string
	payload json.RawMessage
}

func (r *Runner) dispatchOne(ctx context.Context, turnID string, call convo.ToolCall) (toolResult, bool) {
	var span trace.Span
	if r.otelTracer != nil {
		ctx, span = r.otelTracer.StartToolExecution(ctx, call.Name)
		defer span.End()
	}

	outcome, err := r.exec.Execute(ctx, executor.Invocation{ID: call.ID, Name: call.Name, ArgumentsJSON: call.ArgumentsJSON})
	if r.otelTracer != nil {
		r.otelTracer.RecordError(span, err)
	}
	if err != nil {
		if execErr, ok := err.(*executor.Error); ok {
			if execErr.Kind == executor.KindPermissionRequired {
				return toolResult{}, true
			}
			return failureResult(call.ID, execErr.Msg), false
		}
		return failureResult(call.ID, err.Error()), false
	}
	if !outcome.Success {
		return failureResult(call.ID, outcome.Message), false
	}
	return successResult(call.ID, outcome.Payload), false
}

func successResult(toolID string, payload json.RawMessage) toolResult {
	doc := struct {
		Status string          `json:"status"`
		ToolID string          `json:"tool_id"`
		Result json.RawMessage `json:"result"`
	}{Status: "success", ToolID: toolID, Result: payload}
	b, _ := json.Marshal(doc)
	return toolResult{json: string(b), success: true, payload: payload}
}

func failureResult(toolID, message string) toolResult {
	doc := struct {
		Status string `json:"status"`
		ToolID string `json:"tool_id"`
		Error  string `json:"error"`
	}{Status: "failure", ToolID: toolID, Error: message}
	b, _ := json.Marshal(doc)
	return toolResult{json: string(b), success: false, message: message}
}

// runApprovalHandshake prompts for, and applies, an operator's decision on
// one workspace-write escalation. Policy=never and a prior denial in this
// session both short-circuit to a denial without prompting.
func (r *Runner) runApprovalHandshake(turnID, toolID string) bool {
	r.publish(tracer.Event{Type: tracer.EventApprovalAsk, TurnID: turnID, Name: toolID})

	granted := r.decideApproval(toolID)

	r.publish(tracer.Event{Type: tracer.EventApprovalDone, TurnID: turnID, Name: toolID, Data: map[string]interface{}{"granted": granted}})
	return granted
}

func (r *Runner) decideApproval(toolID string) bool {
	if r.approvalPolicy == config.Never {
		return false
	}
	if r.sb.WorkspaceWriteDeniedThisSession() {
		return false
	}

	fmt.Fprintf(r.display, "%s requests workspace write access. Allow? [y/N] ", toolID)
	line, _ := r.input.ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	if answer == "y" || answer == "yes" {
		r.sb.EnableWorkspaceWrite()
		return true
	}
	r.sb.DenyWorkspaceWrite()
	return false
}

func (r *Runner) printSummary(call convo.ToolCall, result toolResult) {
	if result.success {
		summary := summarize(call.Name, result.payload)
		if summary != "" {
			fmt.Fprintf(r.display, "tool:%s success (%s)\n", call.ID, summary)
		} else {
			fmt.Fprintf(r.display, "tool:%s success\n", call.ID)
		}
		return
	}
	fmt.Fprintf(r.display, "tool:%s failure: %s\n", call.ID, result.message)
}

// summarize renders a schema-specific one-line description of a tool's
// result payload, or "" if the payload doesn't decode as expected.
func summarize(toolName string, payload json.RawMessage) string {
	switch toolName {
	case "list_directory":
		var v struct {
			Entries []any `json:"entries"`
		}
		if json.Unmarshal(payload, &v) == nil {
			return fmt.Sprintf("%d entries", len(v.Entries))
		}
	case "read_file":
		var v struct {
			Lines     []string `json:"lines"`
			Truncated bool     `json:"truncated"`
		}
		if json.Unmarshal(payload, &v) == nil {
			if v.Truncated {
				return fmt.Sprintf("%d lines, truncated", len(v.Lines))
			}
			return fmt.Sprintf("%d lines", len(v.Lines))
		}
	case "search":
		var v struct {
			Results   []any `json:"results"`
			Truncated bool  `json:"truncated"`
		}
		if json.Unmarshal(payload, &v) == nil {
			if v.Truncated {
				return fmt.Sprintf("%d matches, truncated", len(v.Results))
			}
			return fmt.Sprintf("%d matches", len(v.Results))
		}
	case "apply_patch":
		var v struct {
			Changes []any `json:"changes"`
		}
		if json.Unmarshal(payload, &v) == nil {
			return fmt.Sprintf("%d files changed", len(v.Changes))
		}
	}
	return ""
}
