// Package cookie implements DNS Cookies (RFC 7873, RFC 9018): an 8-byte
// client cookie plus an 8-byte server cookie carried in an EDNS0 option,
// letting a resolver and server recognize each other across queries without
// a stateful handshake. The payoff is resistance to off-path
// source-address spoofing: an attacker who can't see the server cookie in a
// prior reply can't mint one. With RequireValid set, ValidateQueryCookie
// reports BADCOOKIE for a server cookie that does not validate; a query
// carrying no server cookie is always accepted.
//
// Server cookies are computed with SipHash-2-4 over a per-process secret,
// the same construction BIND 9 uses (https://kb.isc.org/docs/aa-01387),
// which is why this package pulls in github.com/dchest/siphash rather than
// a generic MAC.
package cookie

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/dchest/siphash"
)

var (
	ErrInvalidCookie       = errors.New("invalid cookie format")
	ErrInvalidClientCookie = errors.New("invalid client cookie")
	ErrInvalidServerCookie = errors.New("invalid server cookie")
	ErrExpiredCookie       = errors.New("server cookie expired")
	ErrBadCookie           = errors.New("bad cookie")
)

const (
	clientCookieSize = 8 // RFC 7873 fixes the client cookie at 64 bits
	serverCookieSize = 8 // we always mint the minimum-size 64-bit server cookie

	cookieVersion = 1

	// secretLifetime bounds how long RotateSecretPeriodically leaves a
	// secret in place before minting a replacement.
	secretLifetime = 24 * time.Hour
)

// Manager mints and checks server cookies for one server process. It keeps
// the active secret plus the one it replaced, so a cookie minted just
// before a rotation still validates during the overlap window.
type Manager struct {
	mu sync.RWMutex

	active [16]byte
	prior  [16]byte
	rolled time.Time

	requireValid bool
	enabled      bool

	shared bool // active came from Config.ClusterSecret rather than rand
}

// Config configures a Manager.
type Config struct {
	Enabled bool // gate cookie processing on or off

	// RequireValid asks ValidateQueryCookie to report BADCOOKIE for an
	// invalid server cookie instead of silently accepting it. A query with
	// no server cookie is accepted either way.
	RequireValid bool

	// ClusterSecret, when at least 16 bytes, seeds the initial secret
	// instead of a random one, so every server behind a load balancer
	// mints and accepts the same cookies.
	ClusterSecret []byte
}

// NewManager builds a Manager from cfg, generating a random secret unless
// cfg.ClusterSecret supplies one.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		enabled:      cfg.Enabled,
		requireValid: cfg.RequireValid,
	}

	if len(cfg.ClusterSecret) >= 16 {
		copy(m.active[:], cfg.ClusterSecret)
		m.shared = true
		return m, nil
	}

	if err := m.Rotate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Rotate replaces the active secret with a fresh random one, demoting the
// old one into the overlap slot checked by ValidateServerCookie. A no-op on
// a Manager sharing a cluster secret, since every peer must keep minting
// cookies the others accept.
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shared {
		return nil
	}

	m.prior = m.active
	if _, err := rand.Read(m.active[:]); err != nil {
		return err
	}
	m.rolled = time.Now()
	return nil
}

// RotateSecretPeriodically calls Rotate on a secretLifetime ticker until
// stop fires. Meant to run as its own goroutine for the server's lifetime.
func (m *Manager) RotateSecretPeriodically(stop <-chan struct{}) {
	ticker := time.NewTicker(secretLifetime)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Rotate()
		case <-stop:
			return
		}
	}
}

// GenerateClientCookie builds an 8-byte client cookie. Real clients mint
// their own; this exists so tests and loopback tooling can speak the
// protocol without a full resolver in front of them.
func GenerateClientCookie(clientIP, serverIP []byte) [8]byte {
	var out [8]byte

	var nonce [8]byte
	rand.Read(nonce[:])

	var key [16]byte
	rand.Read(key[:])

	h := siphash.New(key[:])
	h.Write(clientIP)
	h.Write(serverIP)
	h.Write(nonce[:])

	binary.LittleEndian.PutUint64(out[:], h.Sum64())
	return out
}

// mac runs the RFC 9018 server-cookie construction — SipHash-2-4 keyed by
// secret over client-cookie || client-IP || version || reserved ||
// timestamp — and returns the low 8 bytes as the server cookie.
func mac(secret [16]byte, clientCookie [8]byte, clientIP []byte, at time.Time) [8]byte {
	var out [8]byte

	h := siphash.New(secret[:])
	h.Write(clientCookie[:])
	h.Write(clientIP)
	h.Write([]byte{cookieVersion, 0, 0, 0})
	binary.Write(h, binary.BigEndian, uint32(at.Unix()))

	binary.LittleEndian.PutUint64(out[:], h.Sum64())
	return out
}

// GenerateServerCookie mints a server cookie for clientCookie/clientIP
// under the Manager's active secret.
func (m *Manager) GenerateServerCookie(clientCookie [8]byte, clientIP []byte) ([8]byte, error) {
	m.mu.RLock()
	secret := m.active
	m.mu.RUnlock()

	return mac(secret, clientCookie, clientIP, time.Now()), nil
}

// ValidateServerCookie reports whether serverCookie is what the Manager
// would mint right now for clientCookie/clientIP, trying the active secret
// and then the one it most recently rotated out of.
func (m *Manager) ValidateServerCookie(clientCookie [8]byte, serverCookie [8]byte, clientIP []byte) error {
	if !m.enabled {
		return nil
	}

	m.mu.RLock()
	active, prior := m.active, m.prior
	m.mu.RUnlock()

	now := time.Now()
	if constantTimeEqual(serverCookie[:], mac(active, clientCookie, clientIP, now)[:]) {
		return nil
	}
	if constantTimeEqual(serverCookie[:], mac(prior, clientCookie, clientIP, now)[:]) {
		return nil
	}
	return ErrInvalidServerCookie
}

// ParseCookie splits an EDNS0 COOKIE option's payload into its client and
// optional server cookie parts.
func ParseCookie(data []byte) (clientCookie [8]byte, serverCookie []byte, err error) {
	if len(data) < clientCookieSize {
		return clientCookie, nil, ErrInvalidClientCookie
	}
	copy(clientCookie[:], data[:clientCookieSize])

	if len(data) == clientCookieSize {
		return clientCookie, nil, nil
	}

	tail := data[clientCookieSize:]
	if len(tail) < 8 || len(tail) > 32 {
		return clientCookie, nil, ErrInvalidServerCookie
	}
	serverCookie = append([]byte(nil), tail...)
	return clientCookie, serverCookie, nil
}

// FormatCookie joins a client cookie and an optional server cookie back
// into EDNS0 COOKIE option payload bytes.
func FormatCookie(clientCookie [8]byte, serverCookie []byte) []byte {
	out := make([]byte, clientCookieSize+len(serverCookie))
	copy(out, clientCookie[:])
	copy(out[clientCookieSize:], serverCookie)
	return out
}

// constantTimeEqual compares two byte slices without branching on the
// position of the first mismatch.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// ValidateQueryCookie checks the cookie carried on an incoming query and
// reports whether the caller should answer BADCOOKIE instead of serving it.
// A query with no server cookie yet is always accepted — that's normal
// first contact, before the client has one to present.
func (m *Manager) ValidateQueryCookie(clientCookie [8]byte, serverCookie []byte, clientIP []byte) (badCookie bool, err error) {
	if !m.enabled {
		return false, nil
	}
	if len(serverCookie) == 0 {
		return false, nil
	}
	if len(serverCookie) != serverCookieSize {
		return m.requireValid, ErrInvalidServerCookie
	}

	var sc [8]byte
	copy(sc[:], serverCookie)

	if err := m.ValidateServerCookie(clientCookie, sc, clientIP); err != nil {
		if m.requireValid {
			return true, err
		}
		return false, nil
	}
	return false, nil
}

// Stats summarizes a Manager's activity for observability.
type Stats struct {
	TotalQueries       uint64
	QueriesWithCookie  uint64
	ValidCookies       uint64
	InvalidCookies     uint64
	BadCookieResponses uint64
	CookiesGenerated   uint64
}

// Stats returns the Manager's counters.
// TODO: wire up atomic counters on the validate/generate paths above;
// right now this always reports zeroes.
func (m *Manager) Stats() Stats {
	return Stats{}
}
