// Package random supplies the cryptographically strong randomness the
// query-serving core needs wherever predictability would help an attacker:
// DNS transaction IDs handed to outbound NOTIFY requests (internal/requestor),
// and the source-port pool a future recursive/forwarding path would draw
// from to keep the (txid, port) pair that authenticates a response hard to
// guess.
//
// None of this may use math/rand. A Kaminsky-style cache-poisoning attempt
// only needs to land a spoofed response whose 16-bit transaction ID and
// 16-bit source port both match an in-flight query; crypto/rand is what
// keeps guessing that pair expensive.
package random

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"
)

var (
	ErrPortPoolExhausted = errors.New("random: no ports available in pool")
	ErrInvalidPortRange  = errors.New("random: invalid port range")
)

// TransactionID draws a 16-bit DNS transaction ID from crypto/rand. A
// read failure here means the system's CSPRNG is broken, which is not a
// condition any caller can recover from sanely, so it panics rather than
// fall back to a weaker source.
func TransactionID() uint16 {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("random: crypto/rand unavailable: %v", err))
	}
	return binary.BigEndian.Uint16(buf[:])
}

// ephemeralLo and ephemeralHi bound the source-port range SourcePort draws
// from: above the well-known/registered ports, below the range some OSes
// reserve for other services.
const (
	ephemeralLo = 32768
	ephemeralHi = 61000
)

// SourcePort draws a random UDP source port from [ephemeralLo, ephemeralHi).
func SourcePort() uint16 {
	const span = ephemeralHi - ephemeralLo

	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("random: crypto/rand unavailable: %v", err))
	}
	return uint16(ephemeralLo + binary.BigEndian.Uint32(buf[:])%span)
}

// PortPoolConfig tunes a PortPool's range and recycling policy.
type PortPoolConfig struct {
	MinPort int // default ephemeralLo
	MaxPort int // default ephemeralHi

	MaxInUse int // default 10000

	// PortLifetime bounds how long an allocated port is held before the
	// pool is willing to recycle it out from under its holder; callers
	// must keep this above the longest timeout any allocation is used for.
	PortLifetime time.Duration // default 2m
}

// PortPool hands out random, non-repeating UDP source ports so a busy
// resolver's outbound queries don't all share one predictable port.
type PortPool struct {
	mu sync.Mutex

	minPort, maxPort int
	maxInUse         int
	lifetime         time.Duration

	free   map[uint16]struct{}
	leased map[uint16]time.Time

	stats PoolStats
}

// NewPortPool builds a PortPool over cfg's range, applying defaults for any
// zero field, and starts its background recycler.
func NewPortPool(cfg PortPoolConfig) (*PortPool, error) {
	if cfg.MinPort == 0 {
		cfg.MinPort = ephemeralLo
	}
	if cfg.MaxPort == 0 {
		cfg.MaxPort = ephemeralHi
	}
	if cfg.MaxInUse == 0 {
		cfg.MaxInUse = 10000
	}
	if cfg.PortLifetime == 0 {
		cfg.PortLifetime = 2 * time.Minute
	}
	if cfg.MinPort >= cfg.MaxPort {
		return nil, ErrInvalidPortRange
	}
	if cfg.MinPort < 1024 {
		return nil, fmt.Errorf("random: min port %d is privileged, must be >= 1024", cfg.MinPort)
	}

	p := &PortPool{
		minPort:  cfg.MinPort,
		maxPort:  cfg.MaxPort,
		maxInUse: cfg.MaxInUse,
		lifetime: cfg.PortLifetime,
		free:     make(map[uint16]struct{}, cfg.MaxPort-cfg.MinPort),
		leased:   make(map[uint16]time.Time, cfg.MaxInUse),
	}
	for port := cfg.MinPort; port < cfg.MaxPort; port++ {
		p.free[uint16(port)] = struct{}{}
	}

	go p.recycleLoop()
	return p, nil
}

// Allocate hands out a random free port, recycling an expired lease if the
// pool has none free, or returns ErrPortPoolExhausted if neither works.
func (p *PortPool) Allocate() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) > 0 {
		port := p.pickRandomFree()
		delete(p.free, port)
		p.leased[port] = time.Now()
		p.stats.Allocated++
		return port, nil
	}

	if port, ok := p.reclaimOneExpired(time.Now()); ok {
		p.stats.Recycled++
		return port, nil
	}

	p.stats.Exhaustions++
	return 0, ErrPortPoolExhausted
}

// pickRandomFree returns a uniformly random member of p.free. The caller
// holds p.mu.
func (p *PortPool) pickRandomFree() uint16 {
	ports := make([]uint16, 0, len(p.free))
	for port := range p.free {
		ports = append(ports, port)
	}
	var buf [4]byte
	rand.Read(buf[:])
	return ports[int(binary.BigEndian.Uint32(buf[:]))%len(ports)]
}

// reclaimOneExpired steals the lease on the first in-use port whose
// lifetime has elapsed, re-leasing it to the new caller immediately rather
// than returning it to p.free first. The caller holds p.mu.
func (p *PortPool) reclaimOneExpired(now time.Time) (uint16, bool) {
	for port, takenAt := range p.leased {
		if now.Sub(takenAt) > p.lifetime {
			p.leased[port] = now
			return port, true
		}
	}
	return 0, false
}

// Release returns port to the free pool.
func (p *PortPool) Release(port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leased, port)
	if int(port) >= p.minPort && int(port) < p.maxPort {
		p.free[port] = struct{}{}
	}
}

// recycleLoop periodically sweeps leased ports whose lifetime has elapsed
// back into the free pool, for leases Allocate's own lazy reclaim hasn't
// already caught.
func (p *PortPool) recycleLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		p.sweepExpired()
	}
}

func (p *PortPool) sweepExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for port, takenAt := range p.leased {
		if now.Sub(takenAt) > p.lifetime {
			delete(p.leased, port)
			p.free[port] = struct{}{}
			p.stats.Recycled++
		}
	}
}

// PoolStats snapshots a PortPool's lifetime counters plus its current
// occupancy.
type PoolStats struct {
	Available   int
	InUse       int
	Allocated   uint64
	Recycled    uint64
	Exhaustions uint64
}

// GetStats returns a point-in-time snapshot of the pool's counters.
func (p *PortPool) GetStats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.Available = len(p.free)
	st.InUse = len(p.leased)
	return st
}

// QueryID is the (transaction ID, source port) pair that authenticates an
// outbound query's response: 32 bits of combined entropy an off-path
// spoofer has to guess before a forged reply is accepted.
type QueryID struct {
	TxID uint16
	Port uint16
}

// NewQueryID draws a fresh, independently randomized QueryID.
func NewQueryID() QueryID {
	return QueryID{TxID: TransactionID(), Port: SourcePort()}
}

func (q QueryID) String() string {
	return fmt.Sprintf("txid=%d port=%d", q.TxID, q.Port)
}

// Hash packs the pair into one uint64, for use as a cache key.
func (q QueryID) Hash() uint64 {
	return uint64(q.TxID)<<16 | uint64(q.Port)
}

// ValidateResponse reports whether responseTxID matches the query this ID
// was drawn for. Source-port matching is the UDP socket's job (a response
// arriving on the wrong local port never reaches this code at all), so
// only the transaction ID is compared here.
func (q QueryID) ValidateResponse(responseTxID uint16, _ net.Addr) bool {
	return q.TxID == responseTxID
}

// combinedEntropyBits is the bit width of (transaction ID, source port)
// pair an off-path attacker must guess: 16 bits of transaction ID plus
// log2(ephemeralHi-ephemeralLo) bits of port.
const combinedEntropyBits = 16.0 + 14.78

// Entropy reports the combined bit width of TransactionID and SourcePort.
func Entropy() float64 { return combinedEntropyBits }

// RequiredQueriesFor50PercentCollision estimates, via the birthday bound
// sqrt(2^Entropy()), how many spoofed responses an attacker needs to send
// for a 50% chance of guessing a live query's (txid, port) pair.
func RequiredQueriesFor50PercentCollision() int {
	return int(math.Sqrt(math.Exp2(Entropy())))
}
