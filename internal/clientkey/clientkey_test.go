package clientkey

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew_EmptySecret(t *testing.T) {
	if _, err := New(""); err != ErrEmptySecret {
		t.Errorf("expected ErrEmptySecret, got %v", err)
	}
}

func TestDerive_Deterministic(t *testing.T) {
	d, err := New("secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a := d.Derive("203.0.113.7")
	b := d.Derive("203.0.113.7")
	if a != b {
		t.Errorf("same inputs produced %q and %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if strings.Contains(a, "203.0.113.7") {
		t.Error("key must not contain the raw address")
	}
}

func TestDerive_Distinguishes(t *testing.T) {
	d, _ := New("secret")
	other, _ := New("other-secret")

	base := d.Derive("203.0.113.7")
	cases := map[string]string{
		"ip":          d.Derive("203.0.113.8"),
		"ipv6 subnet": d.Derive("2001:db8:0:2::1"),
		"secret":      other.Derive("203.0.113.7"),
	}
	for name, key := range cases {
		if key == base {
			t.Errorf("%s: expected a different key", name)
		}
	}
}

func TestDerive_Partition(t *testing.T) {
	d, _ := New("secret")

	tests := []struct {
		name string
		a, b string
	}{
		{"same ipv6 /64", "2001:db8:0:1::1", "2001:db8:0:1:ffff:ffff:ffff:fffe"},
		{"ipv6 zone ignored", "fe80::1%eth0", "fe80::2"},
		{"mapped ipv4", "::ffff:203.0.113.7", "203.0.113.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if d.Derive(tt.a) != d.Derive(tt.b) {
				t.Errorf("%s and %s should share a key", tt.a, tt.b)
			}
		})
	}

	if d.Derive("2001:db8:0:1::1") == d.Derive("2001:db8:0:2::1") {
		t.Error("different /64 networks should not share a key")
	}
}

func TestNew_LongSecret(t *testing.T) {
	d, err := New(strings.Repeat("x", 200))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Derive("a") == "" {
		t.Error("expected a key")
	}
}

func TestFromRequest_IgnoresPortAndHeaders(t *testing.T) {
	d, _ := New("secret")

	r1 := httptest.NewRequest("POST", "/api/chat", nil)
	r1.RemoteAddr = "203.0.113.7:51234"
	r1.Header.Set("User-Agent", "ua")
	r1.Header.Set("Accept-Language", "de")
	r2 := httptest.NewRequest("POST", "/api/chat", nil)
	r2.RemoteAddr = "203.0.113.7:40000"
	r2.Header.Set("User-Agent", "another-ua")
	r2.Header.Set("Accept-Language", "en")

	if d.FromRequest(r1) != d.FromRequest(r2) {
		t.Error("source port and client headers must not change the key")
	}
	if d.FromRequest(r1) != d.Derive("203.0.113.7") {
		t.Error("key should be derived from the address alone")
	}
}

func TestNewRandom(t *testing.T) {
	a, err := NewRandom()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := NewRandom()
	if a.Derive("ip") == b.Derive("ip") {
		t.Error("random derivers should not agree")
	}
}
