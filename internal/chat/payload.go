package chat

import (
	"encoding/json"

	"github.com/jmeyers35/twiddle/internal/convo"
	"github.com/jmeyers35/twiddle/internal/toolschema"
)

type toolDescriptor struct {
	Type     string             `json:"type"`
	Function functionDescriptor `json:"function"`
}

type functionDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

func buildToolDescriptors() []toolDescriptor {
	schemas := toolschema.All()
	out := make([]toolDescriptor, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, toolDescriptor{
			Type: "function",
			Function: functionDescriptor{
				Name:        s.ID,
				Description: s.Description,
				Parameters:  parametersSchema(s.Parameters),
			},
		})
	}
	return out
}

// parametersSchema renders a tool's Parameter list as a JSON Schema object,
// matching the type:"object" / properties / required shape chat-completion
// APIs expect for function tool descriptors.
func parametersSchema(params []toolschema.Parameter) json.RawMessage {
	properties := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		properties[p.Name] = propertySchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	obj := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		obj["required"] = required
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		// properties/required are built from static string data; this
		// path is unreachable in practice.
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}

func propertySchema(p toolschema.Parameter) map[string]any {
	prop := map[string]any{"type": p.Type}
	if p.Description != "" {
		prop["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		prop["enum"] = p.Enum
	}
	if p.Type == "array" && p.Items != "" {
		prop["items"] = map[string]any{"type": p.Items}
	}
	return prop
}

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Function wireFunctionCall `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

func messageToWire(m convo.Message) wireMessage {
	w := wireMessage{Role: m.Role.String()}
	if m.Role == convo.RoleTool {
		w.ToolCallID = m.ToolCallID
		w.Name = m.ToolName
		content := m.Content
		w.Content = &content
		return w
	}
	if !m.ContentIsNull {
		content := m.Content
		w.Content = &content
	}
	if len(m.ToolCalls) > 0 {
		w.ToolCalls = make([]wireToolCall, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			w.ToolCalls = append(w.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunctionCall{
					Name:      tc.Name,
					Arguments: tc.ArgumentsJSON,
				},
			})
		}
	}
	return w
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type requestPayload struct {
	Model                string          `json:"model"`
	Stream               bool            `json:"stream"`
	StreamOptions        streamOptions   `json:"stream_options"`
	Temperature          *float64        `json:"temperature,omitempty"`
	MaxCompletionTokens  *int            `json:"max_completion_tokens,omitempty"`
	ParallelToolCalls    bool            `json:"parallel_tool_calls"`
	Tools                []toolDescriptor `json:"tools"`
	Messages             []wireMessage   `json:"messages"`
}

// buildPayload assembles one request body from the system prompt, an
// optional tool-context preamble describing the sandbox, and the
// conversation's messages in order.
func buildPayload(model string, temperature *float64, maxCompletionTokens *int, systemPrompt, toolContext string, conv *convo.Conversation) requestPayload {
	messages := make([]wireMessage, 0, conv.Len()+2)
	sys := systemPrompt
	messages = append(messages, wireMessage{Role: "system", Content: &sys})
	if toolContext != "" {
		tc := toolContext
		messages = append(messages, wireMessage{Role: "system", Content: &tc})
	}
	for _, m := range conv.Messages() {
		messages = append(messages, messageToWire(m))
	}

	return requestPayload{
		Model:               model,
		Stream:              true,
		StreamOptions:       streamOptions{IncludeUsage: true},
		Temperature:         temperature,
		MaxCompletionTokens: maxCompletionTokens,
		ParallelToolCalls:   false,
		Tools:               buildToolDescriptors(),
		Messages:            messages,
	}
}
