// Package origin verifies that chat requests come from one of the trusted
// front-end hosts.
package origin

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// Guard checks Origin and Referer headers against a fixed allowlist.
// Matching is byte-exact on scheme and host (including port); there is no
// case folding, wildcard or subdomain matching.
type Guard struct {
	allowed map[string]struct{}
}

func NewGuard(origins []string) *Guard {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		allowed[o] = struct{}{}
	}
	return &Guard{allowed: allowed}
}

// Check returns nil when the request may proceed and an error wrapping
// domain.ErrUntrustedOrigin otherwise.
func (g *Guard) Check(origin, referer string) error {
	if origin == "" && referer == "" {
		return fmt.Errorf("%w: no origin or referer", domain.ErrUntrustedOrigin)
	}

	if referer != "" {
		refOrigin, ok := originOf(referer)
		if !ok {
			return fmt.Errorf("%w: malformed referer", domain.ErrUntrustedOrigin)
		}
		if origin != "" && refOrigin != origin {
			return fmt.Errorf("%w: referer %q does not match origin %q", domain.ErrUntrustedOrigin, refOrigin, origin)
		}
		if origin == "" {
			origin = refOrigin
		}
	}

	if !g.Allowed(origin) {
		return fmt.Errorf("%w: %q", domain.ErrUntrustedOrigin, origin)
	}
	return nil
}

// Allowed reports whether origin is exactly one of the configured entries.
func (g *Guard) Allowed(origin string) bool {
	_, ok := g.allowed[origin]
	return ok
}

// originOf reduces a URL to scheme://host[:port].
func originOf(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}

// Preflight answers CORS preflight requests for allowlisted origins and
// adds the CORS response headers to actual requests from them. Requests
// from other origins get no CORS headers, so browsers block the response.
func (g *Guard) Preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && g.Allowed(origin)

		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
