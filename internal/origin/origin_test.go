package origin

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

func TestGuard_Check(t *testing.T) {
	g := NewGuard([]string{"https://disaai.de", "https://www.disaai.de/"})

	tests := []struct {
		name    string
		origin  string
		referer string
		wantErr bool
	}{
		{"allowed origin", "https://disaai.de", "", false},
		{"allowed origin with matching referer", "https://disaai.de", "https://disaai.de/chat?x=1", false},
		{"configured with trailing slash", "https://www.disaai.de", "", false},
		{"referer only", "", "https://disaai.de/chat", false},
		{"evil origin", "https://evil.com", "", true},
		{"evil origin with valid referer", "https://evil.com", "https://disaai.de/", true},
		{"valid origin with mismatched referer", "https://disaai.de", "https://evil.com/page", true},
		{"subdomain not matched", "https://api.disaai.de", "", true},
		{"scheme must match", "http://disaai.de", "", true},
		{"port must match", "https://disaai.de:8443", "", true},
		{"suffix trick", "https://disaai.de.evil.com", "", true},
		{"host case must match", "https://DisaAI.de", "", true},
		{"referer host case must match", "https://disaai.de", "https://DISAAI.DE/chat", true},
		{"both missing", "", "", true},
		{"malformed referer", "https://disaai.de", "::not a url", true},
		{"referer only untrusted", "", "https://evil.com/", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Check(tt.origin, tt.referer)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrUntrustedOrigin) {
					t.Errorf("Check(%q, %q) = %v, want ErrUntrustedOrigin", tt.origin, tt.referer, err)
				}
				return
			}
			if err != nil {
				t.Errorf("Check(%q, %q) unexpected error: %v", tt.origin, tt.referer, err)
			}
		})
	}
}

func TestGuard_Preflight(t *testing.T) {
	g := NewGuard([]string{"https://disaai.de"})
	called := false
	h := g.Preflight(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("allowed preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
		req.Header.Set("Origin", "https://disaai.de")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://disaai.de" {
			t.Errorf("Allow-Origin = %q", got)
		}
	})

	t.Run("rejected preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
		req.Header.Set("Origin", "https://evil.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Allow-Origin should be empty, got %q", got)
		}
	})

	t.Run("actual request passes through", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
		req.Header.Set("Origin", "https://disaai.de")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if !called {
			t.Error("next handler not called")
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://disaai.de" {
			t.Errorf("Allow-Origin = %q", got)
		}
	})
}
