package cost

import (
	"fmt"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// Unit selects what the global daily budget counts.
type Unit string

const (
	UnitRequests Unit = "requests"
	UnitTokens   Unit = "tokens"
)

func ParseUnit(s string) (Unit, error) {
	switch Unit(s) {
	case UnitRequests, UnitTokens:
		return Unit(s), nil
	default:
		return "", fmt.Errorf("unknown budget unit %q", s)
	}
}

const (
	bytesPerToken      = 4
	perMessageOverhead = 4
	replyPriming       = 3
)

// EstimatePromptTokens approximates the prompt size without a tokenizer:
// one token per four bytes of content plus the chat framing per message.
// It deliberately rounds up.
func EstimatePromptTokens(messages []domain.Message) int64 {
	var total int64
	for _, m := range messages {
		total += perMessageOverhead
		total += int64((len(m.Role) + bytesPerToken - 1) / bytesPerToken)
		total += int64((len(m.Content) + bytesPerToken - 1) / bytesPerToken)
	}
	return total + replyPriming
}

type Estimator struct {
	unit Unit
}

func NewEstimator(unit Unit) *Estimator {
	return &Estimator{unit: unit}
}

func (e *Estimator) Unit() Unit {
	return e.unit
}

// Amount is what one admitted request charges against the daily budget. In
// token mode the completion is charged at its clamped ceiling, since the
// real size is only known after the upstream answers.
func (e *Estimator) Amount(req *domain.ChatRequest) int64 {
	if e.unit != UnitTokens {
		return 1
	}
	return EstimatePromptTokens(req.Messages) + int64(req.MaxTokens)
}
