// Package apischema carries the OpenAI-compatible chat-completions wire
// types the request state machine decodes and re-encodes. They are plain
// structs; only the request's Tools field uses openai-go's tool type.
// Message carries one field the OpenAI wire format lacks: the bare model
// passthrough used by the assistant-continuity heuristic.
package apischema

import "github.com/openai/openai-go"

// StreamOptions controls whether usage accounting is included on the final
// streamed chunk.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message is a single chat turn. Model is not part of the OpenAI wire
// format; it is a Curve-specific passthrough field stamped onto assistant
// turns that represent an in-progress tool dialogue, read back by the
// assistant-continuity override.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// ChatCompletionsRequest is the inbound request body this filter
// intercepts.
type ChatCompletionsRequest struct {
	Model         string                          `json:"model"`
	Messages      []Message                       `json:"messages"`
	Stream        bool                            `json:"stream,omitempty"`
	StreamOptions *StreamOptions                  `json:"stream_options,omitempty"`
	Tools         []openai.ChatCompletionToolParam `json:"tools,omitempty"`
}

// LastUserMessage returns the content of the final message, matching the
// spec's "user message is messages.last().content" rule. It does not
// restrict to role=user: the last turn is used regardless of its role.
func (r *ChatCompletionsRequest) LastUserMessage() (string, bool) {
	if len(r.Messages) == 0 {
		return "", false
	}
	return r.Messages[len(r.Messages)-1].Content, true
}

// SecondToLastMessage returns the most recent non-final turn, used by the
// assistant-continuity override to inspect its Model field.
func (r *ChatCompletionsRequest) SecondToLastMessage() (Message, bool) {
	if len(r.Messages) < 2 {
		return Message{}, false
	}
	return r.Messages[len(r.Messages)-2], true
}

// Choice is one completion choice in a non-streaming response.
type Choice struct {
	Index   int     `json:"index"`
	Message Message `json:"message"`
}

// Usage carries token accounting for a non-streaming response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionsResponse is the non-streaming response body.
type ChatCompletionsResponse struct {
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Delta is the incremental content of one streamed chunk choice.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one choice in a streamed response chunk.
type ChunkChoice struct {
	Index int   `json:"index"`
	Delta Delta `json:"delta"`
}

// ChatCompletionChunkResponse is a single Server-Sent-Events `data:` frame
// in a streaming response.
type ChatCompletionChunkResponse struct {
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ToolCallFunction is the function-call payload inside a ToolCall.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one entry of an assistant message's tool_calls array.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// FunctionResolverChoice carries the assistant message and any tool calls
// the function-resolver backend returned.
type FunctionResolverChoice struct {
	Index   int `json:"index"`
	Message struct {
		Role      string     `json:"role"`
		Content   string     `json:"content"`
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	} `json:"message"`
}

// FunctionResolverResponse is the function-resolver backend's reply shape:
// an OpenAI chat-completions response whose message may carry tool_calls.
type FunctionResolverResponse struct {
	Choices []FunctionResolverChoice `json:"choices"`
}

// FirstToolCall returns the first tool call in the first choice, or false
// if none is present. Only the first call is acted on; multi-call
// resolution is out of scope for this version.
func (r *FunctionResolverResponse) FirstToolCall() (ToolCall, bool) {
	if len(r.Choices) == 0 || len(r.Choices[0].Message.ToolCalls) == 0 {
		return ToolCall{}, false
	}
	return r.Choices[0].Message.ToolCalls[0], true
}
