package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingModel is returned when the request body carries no model
// field.
var ErrMissingModel = errors.New("missing model field")

// CompletionRequest is the subset of an OpenAI-compatible request body the
// proxy inspects. The body itself is forwarded verbatim; only routing and
// telemetry fields are decoded.
type CompletionRequest struct {
	// Model selects the backend pool.
	Model string `json:"model"`

	// Stream requests a Server-Sent Events response.
	Stream bool `json:"stream"`

	// Messages is the chat transcript; only the trailing user message is
	// inspected, for the turn record's request summary.
	Messages []Message `json:"messages"`
}

// Message is one chat message. Content is either a plain string or an
// array of typed parts for multimodal requests.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentPart is one element of a multimodal content array.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ParseCompletionRequest decodes the routed fields from a request body.
// Returns ErrMissingModel, together with the decoded fields, when the
// model field is absent or empty.
func ParseCompletionRequest(body []byte) (*CompletionRequest, error) {
	var req CompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("malformed request body: %w", err)
	}
	if req.Model == "" {
		return &req, ErrMissingModel
	}
	return &req, nil
}

// LastUserMessage returns the text of the trailing user message, handling
// both plain-string and multimodal content. Empty when there is none.
func (r *CompletionRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role != "user" {
			continue
		}
		return messageText(r.Messages[i].Content)
	}
	return ""
}

// messageText extracts text from a message content value.
func messageText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text
	}

	var parts []ContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return ""
	}
	out := ""
	for _, part := range parts {
		if part.Type != "text" || part.Text == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += part.Text
	}
	return out
}

// CompletionResponse is the subset of a non-streaming upstream response
// the proxy inspects for the turn record's response summary.
type CompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
}

// FirstChoiceText returns the content of the first choice, preferring the
// chat message content over the legacy completions text field.
func (r *CompletionResponse) FirstChoiceText() string {
	if len(r.Choices) == 0 {
		return ""
	}
	if r.Choices[0].Message.Content != "" {
		return r.Choices[0].Message.Content
	}
	return r.Choices[0].Text
}
