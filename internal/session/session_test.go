package session

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jmeyers35/twiddle/internal/chat"
	"github.com/jmeyers35/twiddle/internal/config"
	"github.com/jmeyers35/twiddle/internal/convo"
	"github.com/jmeyers35/twiddle/internal/credential"
	"github.com/jmeyers35/twiddle/internal/executor"
	"github.com/jmeyers35/twiddle/internal/sandbox"
	"github.com/jmeyers35/twiddle/internal/tracer"
	"github.com/jmeyers35/twiddle/internal/transcript"
)

func sseBody(events ...string) string {
	var b bytes.Buffer
	for _, e := range events {
		b.WriteString("data: ")
		b.WriteString(e)
		b.WriteString("\n\n")
	}
	return b.String()
}

func newTestRunner(t *testing.T, handler http.HandlerFunc, mode sandbox.Mode, approval config.ApprovalPolicy, input string) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greeting.txt"), []byte("hello sandbox\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sb, err := sandbox.New(dir, mode)
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := chat.New(server.URL, "test-model", credential.New("sk-test"))
	exec := executor.New(sb)
	conv := convo.New()
	var display bytes.Buffer
	runner := New(client, exec, sb, conv, approval, "system prompt", &display, strings.NewReader(input))
	return runner, dir
}

func TestRunPromptNoToolCallsFinishesInOneTurn(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(sseBody(`{"choices":[{"delta":{"content":"just text"}}]}`, "[DONE]")))
	}
	runner, _ := newTestRunner(t, handler, sandbox.ReadOnly, config.OnRequest, "")

	if err := runner.RunPrompt(t.Context(), "hi"); err != nil {
		t.Fatalf("RunPrompt: %v", err)
	}
	if runner.conv.Len() != 2 {
		t.Fatalf("conv.Len() = %d, want 2", runner.conv.Len())
	}
}

func TestRunPromptDispatchesReadOnlyToolCall(t *testing.T) {
	var calls int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if n == 1 {
			w.Write([]byte(sseBody(
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","function":{"name":"list_directory","arguments":"{\"path\":\".\"}"}}]}}]}`,
				"[DONE]",
			)))
			return
		}
		w.Write([]byte(sseBody(`{"choices":[{"delta":{"content":"done"}}]}`, "[DONE]")))
	}
	runner, _ := newTestRunner(t, handler, sandbox.ReadOnly, config.OnRequest, "")

	if err := runner.RunPrompt(t.Context(), "list files"); err != nil {
		t.Fatalf("RunPrompt: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2 (initial + follow-up)", calls)
	}
	messages := runner.conv.Messages()
	if len(messages) != 4 {
		t.Fatalf("len(messages) = %d, want 4 (user, assistant, tool, assistant)", len(messages))
	}
	if messages[2].Role != convo.RoleTool {
		t.Fatalf("messages[2].Role = %v, want tool", messages[2].Role)
	}
	if !strings.Contains(messages[2].Content, `"status":"success"`) {
		t.Fatalf("tool message content = %q", messages[2].Content)
	}
}

func TestRunPromptEscalationGrantedRetriesTool(t *testing.T) {
	var calls int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if n == 1 {
			w.Write([]byte(sseBody(
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","function":{"name":"apply_patch","arguments":"{\"input\":\"*** Begin Patch\\n*** Add File: new.txt\\n+hi\\n*** End Patch\"}"}}]}}]}`,
				"[DONE]",
			)))
			return
		}
		w.Write([]byte(sseBody(`{"choices":[{"delta":{"content":"done"}}]}`, "[DONE]")))
	}
	runner, dir := newTestRunner(t, handler, sandbox.ReadOnly, config.OnRequest, "y\n")

	if err := runner.RunPrompt(t.Context(), "add a file"); err != nil {
		t.Fatalf("RunPrompt: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "new.txt")); err != nil {
		t.Fatalf("expected new.txt to exist after granted escalation: %v", err)
	}
	if !runner.sb.WorkspaceWriteEnabled() {
		t.Fatal("expected workspace write enabled after grant")
	}
}

func TestRunPromptEscalationDeniedFailsToolOnce(t *testing.T) {
	var calls int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if n == 1 {
			w.Write([]byte(sseBody(
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","function":{"name":"apply_patch","arguments":"{\"input\":\"*** Begin Patch\\n*** Add File: new.txt\\n+hi\\n*** End Patch\"}"}}]}}]}`,
				"[DONE]",
			)))
			return
		}
		w.Write([]byte(sseBody(`{"choices":[{"delta":{"content":"done"}}]}`, "[DONE]")))
	}
	runner, dir := newTestRunner(t, handler, sandbox.ReadOnly, config.OnRequest, "n\n")

	if err := runner.RunPrompt(t.Context(), "add a file"); err != nil {
		t.Fatalf("RunPrompt: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "new.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected new.txt to not exist after denied escalation, stat err = %v", err)
	}
	if !runner.sb.WorkspaceWriteDeniedThisSession() {
		t.Fatal("expected denial recorded")
	}
	messages := runner.conv.Messages()
	toolMsg := messages[2]
	if !strings.Contains(toolMsg.Content, `"status":"failure"`) {
		t.Fatalf("tool message = %q, want failure", toolMsg.Content)
	}
}

func TestRunPromptApprovalPolicyNeverShortCircuits(t *testing.T) {
	var calls int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if n == 1 {
			w.Write([]byte(sseBody(
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","function":{"name":"apply_patch","arguments":"{\"input\":\"*** Begin Patch\\n*** Add File: new.txt\\n+hi\\n*** End Patch\"}"}}]}}]}`,
				"[DONE]",
			)))
			return
		}
		w.Write([]byte(sseBody(`{"choices":[{"delta":{"content":"done"}}]}`, "[DONE]")))
	}
	runner, _ := newTestRunner(t, handler, sandbox.ReadOnly, config.Never, "")

	if err := runner.RunPrompt(t.Context(), "add a file"); err != nil {
		t.Fatalf("RunPrompt: %v", err)
	}
	messages := runner.conv.Messages()
	if !strings.Contains(messages[2].Content, `"status":"failure"`) {
		t.Fatalf("tool message = %q, want failure under never policy", messages[2].Content)
	}
}

func TestRunPromptRecordsTranscriptWhenConfigured(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(sseBody(`{"choices":[{"delta":{"content":"just text"}}]}`, "[DONE]")))
	}

	dir := t.TempDir()
	sb, err := sandbox.New(dir, sandbox.ReadOnly)
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(server.Close)
	client := chat.New(server.URL, "test-model", credential.New("sk-test"))
	exec := executor.New(sb)
	conv := convo.New()
	var display bytes.Buffer

	store, err := transcript.Open(filepath.Join(dir, "twiddle.sqlite"))
	if err != nil {
		t.Fatalf("transcript.Open: %v", err)
	}
	defer store.Close()

	runner := New(client, exec, sb, conv, config.OnRequest, "system prompt", &display, strings.NewReader(""), WithTranscript(store))
	if err := runner.RunPrompt(t.Context(), "hi"); err != nil {
		t.Fatalf("RunPrompt: %v", err)
	}

	loaded, err := transcript.Load(t.Context(), filepath.Join(dir, "twiddle.sqlite"), store.SessionID())
	if err != nil {
		t.Fatalf("transcript.Load: %v", err)
	}
	if loaded.Len() != 2 {
		t.Fatalf("loaded.Len() = %d, want 2", loaded.Len())
	}
}

func TestRunPromptPublishesLifecycleEvents(t *testing.T) {
	var calls int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if n == 1 {
			w.Write([]byte(sseBody(
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","function":{"name":"list_directory","arguments":"{\"path\":\".\"}"}}]}}]}`,
				"[DONE]",
			)))
			return
		}
		w.Write([]byte(sseBody(`{"choices":[{"delta":{"content":"done"}}]}`, "[DONE]")))
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greeting.txt"), []byte("hi\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sb, err := sandbox.New(dir, sandbox.ReadOnly)
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(server.Close)
	client := chat.New(server.URL, "test-model", credential.New("sk-test"))
	exec := executor.New(sb)
	conv := convo.New()
	var display bytes.Buffer

	bus := tracer.NewBus(16, nil)
	runner := New(client, exec, sb, conv, config.OnRequest, "system prompt", &display, strings.NewReader(""), WithEventBus(bus))

	if err := runner.RunPrompt(t.Context(), "list files"); err != nil {
		t.Fatalf("RunPrompt: %v", err)
	}

	var types []tracer.EventType
	draining := true
	for draining {
		select {
		case ev := <-bus.Events():
			types = append(types, ev.Type)
		default:
			draining = false
		}
	}

	want := []tracer.EventType{tracer.EventTurnStart, tracer.EventToolStart, tracer.EventToolEnd, tracer.EventTurnEnd}
	if len(types) != len(want) {
		t.Fatalf("types = %v, want %v", types, want)
	}
	for i, typ := range want {
		if types[i] != typ {
			t.Fatalf("types[%d] = %v, want %v (full: %v)", i, types[i], typ, types)
		}
	}
}

func TestRunPromptMalformedToolCallAbandonsPrompt(t *testing.T) {
	// The accumulator itself rejects fragments that never supply a
	// non-empty id or name (sse.ErrStreamFormat), so the only malformed
	// shape that can reach the Session Runner's own check is a tool call
	// whose arguments were never streamed at all.
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(sseBody(
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","function":{"name":"list_directory"}}]}}]}`,
			"[DONE]",
		)))
	}
	runner, _ := newTestRunner(t, handler, sandbox.ReadOnly, config.OnRequest, "")

	if err := runner.RunPrompt(t.Context(), "list files"); err == nil {
		t.Fatal("expected error for malformed tool call")
	}
}
