// Package clientkey derives the opaque per-client identifier used to
// partition quota state. The raw address never leaves this package.
//
// Only the network address is hashed. Headers such as User-Agent are chosen
// by the client and would let one address mint any number of keys.
package clientkey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ipv6PrefixBits is the prefix an IPv6 client is identified by. A single
// subscriber is usually handed a whole /64.
const ipv6PrefixBits = 64

var ErrEmptySecret = errors.New("client key secret must not be empty")

type Deriver struct {
	key []byte
}

// New returns a Deriver keyed by secret. Secrets longer than the BLAKE2b key
// limit are condensed first.
func New(secret string) (*Deriver, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &Deriver{key: key}, nil
}

// NewRandom returns a Deriver with a process-local secret. Keys derived by
// different processes will not agree, so it only suits single-instance use.
func NewRandom() (*Deriver, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return &Deriver{key: key}, nil
}

// Derive hashes the client address into a hex key. IPv6 addresses are
// reduced to their /64 first; anything unparsable is hashed verbatim.
func (d *Deriver) Derive(ip string) string {
	h, err := blake2b.New256(d.key)
	if err != nil {
		// key length is checked at construction
		panic(err)
	}
	h.Write([]byte(partition(ip)))
	return hex.EncodeToString(h.Sum(nil))
}

// FromRequest derives the key for r. RemoteAddr is used as is, so proxy
// headers only count when a trusted RealIP middleware ran first.
func (d *Deriver) FromRequest(r *http.Request) string {
	return d.Derive(hostOnly(r.RemoteAddr))
}

func partition(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	addr = addr.Unmap()
	if addr.Is4() {
		return addr.String()
	}
	prefix, err := addr.WithZone("").Prefix(ipv6PrefixBits)
	if err != nil {
		return addr.String()
	}
	return prefix.String()
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.TrimSpace(addr)
	}
	return host
}
