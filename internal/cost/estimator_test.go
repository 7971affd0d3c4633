package cost

import (
	"strings"
	"testing"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

func TestParseUnit(t *testing.T) {
	tests := []struct {
		in      string
		want    Unit
		wantErr bool
	}{
		{"requests", UnitRequests, false},
		{"tokens", UnitTokens, false},
		{"dollars", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUnit(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEstimatePromptTokens(t *testing.T) {
	msgs := []domain.Message{
		{Role: "user", Content: strings.Repeat("a", 8)},
		{Role: "assistant", Content: "abc"},
	}

	// user: 4 + 1 + 2, assistant: 4 + 3 + 1, priming 3
	if got := EstimatePromptTokens(msgs); got != 18 {
		t.Errorf("EstimatePromptTokens = %d, want 18", got)
	}
}

func TestEstimator_Amount(t *testing.T) {
	req := &domain.ChatRequest{
		Messages:  []domain.Message{{Role: "user", Content: "abcd"}},
		MaxTokens: 100,
	}

	if got := NewEstimator(UnitRequests).Amount(req); got != 1 {
		t.Errorf("requests amount = %d, want 1", got)
	}

	// 4 + 1 + 1 + 3 prompt, plus max tokens
	if got := NewEstimator(UnitTokens).Amount(req); got != 109 {
		t.Errorf("tokens amount = %d, want 109", got)
	}
}

func BenchmarkEstimatePromptTokens(b *testing.B) {
	msgs := make([]domain.Message, 50)
	for i := range msgs {
		msgs[i] = domain.Message{Role: "user", Content: strings.Repeat("x", 2000)}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		EstimatePromptTokens(msgs)
	}
}
