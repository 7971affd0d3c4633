// Package validator parses inbound chat bodies and enforces the structural
// and size limits before any quota is spent.
//
// Out-of-range numeric knobs (temperature, max_tokens) are clamped rather
// than rejected. Everything else that does not fit is rejected.
package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

const (
	MaxBodyBytes      = 100 * 1024
	MaxMessages       = 50
	MaxContentBytes   = 10000
	MaxNonceBytes     = 128
	MinMaxTokens      = 1
	MaxMaxTokens      = 1200
	MinTemperature    = 0.0
	MaxTemperature    = 2.0
	DefaultTemp       = 0.7
	DefaultMaxTokens  = MaxMaxTokens
	maxModelNameBytes = 200
)

var allowedRoles = map[string]struct{}{
	domain.RoleSystem:    {},
	domain.RoleUser:      {},
	domain.RoleAssistant: {},
}

// rawRequest mirrors the wire format. Pointers distinguish absent fields
// from zero values; numeric fields are float64 so that 1.5 or 1e4 decode
// instead of failing the whole request.
type rawRequest struct {
	Messages    *[]rawMessage `json:"messages"`
	Model       string        `json:"model"`
	Stream      bool          `json:"stream"`
	MaxTokens   *float64      `json:"max_tokens"`
	Temperature *float64      `json:"temperature"`
	Timestamp   *float64      `json:"timestamp"`
	Nonce       string        `json:"nonce"`
}

type rawMessage struct {
	Role    *string `json:"role"`
	Content *string `json:"content"`
}

// Validate reads at most MaxBodyBytes from body and returns the sanitized
// request. contentLength is the declared length (-1 when unknown); a
// declared length over the limit is rejected without reading.
func Validate(body io.Reader, contentLength int64) (*domain.ChatRequest, error) {
	if contentLength > MaxBodyBytes {
		return nil, fmt.Errorf("%w: declared %d bytes", domain.ErrPayloadTooLarge, contentLength)
	}

	data, err := io.ReadAll(io.LimitReader(body, MaxBodyBytes+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("%w: %v", domain.ErrPayloadTooLarge, err)
		}
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrInvalidRequest, err)
	}
	if len(data) > MaxBodyBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", domain.ErrPayloadTooLarge, MaxBodyBytes)
	}

	return Parse(data)
}

// Parse validates an already size-checked body.
func Parse(data []byte) (*domain.ChatRequest, error) {
	var raw rawRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", domain.ErrInvalidRequest, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON object", domain.ErrInvalidRequest)
	}

	if raw.Messages == nil {
		return nil, fmt.Errorf("%w: messages is required", domain.ErrInvalidRequest)
	}
	msgs := *raw.Messages
	if len(msgs) < 1 || len(msgs) > MaxMessages {
		return nil, fmt.Errorf("%w: expected 1..%d messages, got %d", domain.ErrInvalidRequest, MaxMessages, len(msgs))
	}
	if len(raw.Model) > maxModelNameBytes {
		return nil, fmt.Errorf("%w: model name too long", domain.ErrInvalidRequest)
	}
	if len(raw.Nonce) > MaxNonceBytes {
		return nil, fmt.Errorf("%w: nonce too long", domain.ErrInvalidRequest)
	}

	req := &domain.ChatRequest{
		Model:       raw.Model,
		Messages:    make([]domain.Message, 0, len(msgs)),
		Stream:      raw.Stream,
		MaxTokens:   ClampMaxTokens(raw.MaxTokens),
		Temperature: ClampTemperature(raw.Temperature),
		Nonce:       raw.Nonce,
	}

	for i, m := range msgs {
		if m.Role == nil || m.Content == nil {
			return nil, fmt.Errorf("%w: message %d needs role and content", domain.ErrInvalidRequest, i)
		}
		if _, ok := allowedRoles[*m.Role]; !ok {
			return nil, fmt.Errorf("%w: message %d has role %q", domain.ErrInvalidRequest, i, *m.Role)
		}
		if len(*m.Content) > MaxContentBytes {
			return nil, fmt.Errorf("%w: message %d content exceeds %d bytes", domain.ErrInvalidRequest, i, MaxContentBytes)
		}
		req.Messages = append(req.Messages, domain.Message{Role: *m.Role, Content: *m.Content})
	}

	if raw.Timestamp != nil {
		ts := int64(*raw.Timestamp)
		req.Timestamp = &ts
	}

	return req, nil
}

// ClampTemperature maps any client value into [0, 2]; nil means default.
func ClampTemperature(v *float64) float64 {
	if v == nil {
		return DefaultTemp
	}
	return math.Min(math.Max(*v, MinTemperature), MaxTemperature)
}

// ClampMaxTokens truncates toward zero and maps into [1, 1200]; nil means
// the service cap.
func ClampMaxTokens(v *float64) int {
	if v == nil {
		return DefaultMaxTokens
	}
	f := math.Trunc(*v)
	if f < MinMaxTokens {
		return MinMaxTokens
	}
	if f > MaxMaxTokens {
		return MaxMaxTokens
	}
	return int(f)
}
