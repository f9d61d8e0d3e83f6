// Package chat drives one streamed chat-completion turn: payload assembly,
// the HTTP request, SSE decoding into the conversation, and the retry and
// adaptive-timeout policies around the transport.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jmeyers35/twiddle/internal/backoff"
	"github.com/jmeyers35/twiddle/internal/convo"
	"github.com/jmeyers35/twiddle/internal/credential"
	"github.com/jmeyers35/twiddle/internal/observability"
	"github.com/jmeyers35/twiddle/internal/sse"
)

const (
	defaultPath        = "/v1/chat/completions"
	minAdaptiveTimeout = 750 * time.Millisecond
	maxAdaptiveTimeout = 20 * time.Second
	errorBodyCap       = 2 * 1024
)

// Client drives chat-completion turns against one configured upstream.
type Client struct {
	baseURL string
	path    string
	model   string

	temperature         *float64
	maxCompletionTokens *int

	cred *credential.Credential

	httpClient *http.Client
	transport  *http.Transport

	lastRTT time.Duration

	tracer  *observability.Tracer
	metrics *observability.Metrics
}

// Option configures a Client at construction.
type Option func(*Client)

// WithPath overrides the default "/v1/chat/completions" request path.
func WithPath(path string) Option {
	return func(c *Client) { c.path = path }
}

// WithTemperature sets the request's sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = &t }
}

// WithMaxCompletionTokens bounds the model's response length.
func WithMaxCompletionTokens(n int) Option {
	return func(c *Client) { c.maxCompletionTokens = &n }
}

// WithTracer opens an OpenTelemetry client span around every streamed
// request. Passive: never changes request behavior or outcome.
func WithTracer(t *observability.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithMetrics records request duration, outcome, and token-usage counters
// against metrics. Passive: never changes request behavior or outcome.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New constructs a Client against baseURL using model and cred for
// authentication.
func New(baseURL, model string, cred *credential.Credential, opts ...Option) *Client {
	transport := &http.Transport{ResponseHeaderTimeout: minAdaptiveTimeout}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		path:       defaultPath,
		model:      model,
		cred:       cred,
		transport:  transport,
		httpClient: &http.Client{Transport: transport},
		lastRTT:    minAdaptiveTimeout / 4,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// turnSink accumulates a turn's visible transcript and tool-call fragments
// while forwarding text deltas to display as they arrive.
type turnSink struct {
	transcript  strings.Builder
	accumulator *sse.Accumulator
	display     io.Writer
	usage       convo.Usage
}

func (s *turnSink) EmitText(text string) {
	s.transcript.WriteString(text)
	if s.display != nil {
		io.WriteString(s.display, text)
	}
}

func (s *turnSink) ToolCallFragment(f sse.RawToolCallFragment) {
	_ = s.accumulator.Apply(f)
}

func (s *turnSink) UsageUpdate(u convo.Usage) {
	s.usage = u
}

// Respond runs one turn: it appends userText as a user message, streams the
// model's reply, and on success appends the finalized assistant message.
// On any unrecoverable failure the conversation is rolled back to its state
// at entry, including the just-appended user message. The returned Usage is
// zero-valued (Valid=false) if the server never sent a usage object.
func (c *Client) Respond(ctx context.Context, conv *convo.Conversation, userText, systemPrompt, toolContext string, display io.Writer) (convo.Usage, error) {
	return c.respond(ctx, conv, &userText, systemPrompt, toolContext, display)
}

// Continue streams a follow-up turn with no new user input, appended after
// the Session Runner has dispatched a batch of tool calls and recorded
// their results. It shares Respond's retry, adaptive-timeout, and rollback
// semantics, but never appends a user message.
func (c *Client) Continue(ctx context.Context, conv *convo.Conversation, systemPrompt, toolContext string, display io.Writer) (convo.Usage, error) {
	return c.respond(ctx, conv, nil, systemPrompt, toolContext, display)
}

func (c *Client) respond(ctx context.Context, conv *convo.Conversation, userText *string, systemPrompt, toolContext string, display io.Writer) (convo.Usage, error) {
	snapshot := convo.NewSnapshot(conv)
	defer snapshot.Rollback()

	if userText != nil {
		conv.Append(convo.NewUserMessage(*userText))
	}

	key, err := c.cred.Bytes()
	if err != nil {
		return convo.Usage{}, fmt.Errorf("chat: %w", err)
	}

	payload := buildPayload(c.model, c.temperature, c.maxCompletionTokens, systemPrompt, toolContext, conv)
	body, err := json.Marshal(payload)
	if err != nil {
		return convo.Usage{}, fmt.Errorf("chat: marshal request: %w", err)
	}

	usage, retryable, err := c.attempt(ctx, body, string(key), conv, display)
	if err != nil && retryable {
		io.WriteString(display, "…retrying…\n")
		if sleepErr := backoff.SleepWithBackoff(ctx, backoff.ChatRetryPolicy(), 1); sleepErr != nil {
			return convo.Usage{}, sleepErr
		}
		usage, _, err = c.attempt(ctx, body, string(key), conv, display)
	}
	if err != nil {
		return convo.Usage{}, err
	}

	snapshot.Commit()
	return usage, nil
}

// attempt performs one HTTP round trip and SSE stream. On success it
// appends the finalized assistant message to conv. The retryable return
// value reports whether the caller may retry this failure.
func (c *Client) attempt(ctx context.Context, body []byte, apiKey string, conv *convo.Conversation, display io.Writer) (convo.Usage, bool, error) {
	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.StartModelRequest(ctx, c.model)
		defer span.End()
	}
	start := time.Now()

	usage, retryable, err := c.doAttempt(ctx, body, apiKey, conv, display)

	if c.tracer != nil {
		c.tracer.RecordError(span, err)
	}
	if c.metrics != nil {
		outcome := "success"
		switch {
		case err != nil && retryable:
			outcome = "retry"
		case err != nil:
			outcome = "failure"
		}
		c.metrics.ModelRequestCounter.WithLabelValues(c.model, outcome).Inc()
		c.metrics.ModelRequestDuration.WithLabelValues(c.model, outcome).Observe(time.Since(start).Seconds())
		if usage.Valid {
			c.metrics.TokensUsed.WithLabelValues(c.model, "prompt").Add(float64(usage.PromptTokens))
			c.metrics.TokensUsed.WithLabelValues(c.model, "completion").Add(float64(usage.CompletionTokens))
			ctxUsage := convo.ComputeContextUsage(convo.ContextWindowForModel(c.model), usage.TotalTokens)
			c.metrics.ContextRemainingHundredths.Set(float64(ctxUsage.RemainingHundredths))
		}
	}
	return usage, retryable, err
}

// doAttempt performs one HTTP round trip and SSE stream. On success it
// appends the finalized assistant message to conv. The retryable return
// value reports whether the caller may retry this failure.
func (c *Client) doAttempt(ctx context.Context, body []byte, apiKey string, conv *convo.Conversation, display io.Writer) (convo.Usage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return convo.Usage{}, false, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "twiddle/0.1")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Connection", "keep-alive")

	c.transport.ResponseHeaderTimeout = clamp(4*c.lastRTT, minAdaptiveTimeout, maxAdaptiveTimeout)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return convo.Usage{}, backoff.RetryableTransportError(err), err
	}
	defer resp.Body.Close()
	c.lastRTT = time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyCap))
		statusName := http.StatusText(resp.StatusCode)
		if statusName == "" {
			statusName = fmt.Sprintf("status %d", resp.StatusCode)
		}
		line := "error " + statusName
		if len(errBody) > 0 {
			line += ": " + strings.TrimSpace(string(errBody))
		}
		io.WriteString(display, line+"\n")
		err := fmt.Errorf("chat: upstream rejected request: %s", statusName)
		return convo.Usage{}, backoff.RetryableStatus(resp.StatusCode), err
	}

	sink := &turnSink{accumulator: sse.NewAccumulator(), display: display}
	if err := sse.Decode(resp.Body, sink); err != nil {
		return convo.Usage{}, false, fmt.Errorf("chat: %w", err)
	}

	calls, err := sink.accumulator.Take()
	if err != nil {
		return convo.Usage{}, false, fmt.Errorf("chat: %w", err)
	}

	conv.Append(convo.NewAssistantMessage(sink.transcript.String(), calls))
	return sink.usage, false, nil
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
