package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest is a validated, clamped chat request. Values of this type are
// only produced by the validator and are not mutated afterwards.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Stream      bool
	MaxTokens   int
	Temperature float64

	// Timestamp is the client clock in Unix milliseconds, nil when absent.
	Timestamp *int64
	Nonce     string
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UpstreamRequest is the body forwarded to the provider.
type UpstreamRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`

	// Raw is the upstream body as it goes back to the client, fields the
	// struct does not model included. Empty for locally built responses.
	Raw json.RawMessage `json:"-"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProxySession is the per-request state produced by admission. It is owned
// by the goroutine handling the request and never shared.
type ProxySession struct {
	RequestID      string
	ClientKey      string
	Request        *ChatRequest
	RequestedModel string
	ResolvedModel  string
	Substituted    bool
	StartTime      time.Time

	release func()
}

// NewProxySession builds a session. release may be nil for non-streaming
// requests that hold no concurrency slot.
func NewProxySession(requestID, clientKey string, req *ChatRequest, release func()) *ProxySession {
	return &ProxySession{
		RequestID:      requestID,
		ClientKey:      clientKey,
		Request:        req,
		RequestedModel: req.Model,
		StartTime:      time.Now(),
		release:        release,
	}
}

// Release gives back any concurrency slot held by the session. Safe to call
// more than once and on a nil session.
func (s *ProxySession) Release() {
	if s == nil || s.release == nil {
		return
	}
	s.release()
}

// UpstreamBody converts the session into the provider request body.
func (s *ProxySession) UpstreamBody() UpstreamRequest {
	return UpstreamRequest{
		Model:       s.ResolvedModel,
		Messages:    s.Request.Messages,
		Stream:      s.Request.Stream,
		MaxTokens:   s.Request.MaxTokens,
		Temperature: s.Request.Temperature,
	}
}

// UpstreamError describes a non-2xx answer from the provider.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: status=%d body=%s", e.StatusCode, e.Body)
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Default bool   `json:"default,omitempty"`
}

// ModelsResponse is the public list of models a client may request.
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
