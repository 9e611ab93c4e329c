// Package rrl implements Response Rate Limiting: bucket responses by
// (client prefix, query name, query type, response category) and drop or
// truncate once a client's bucket is exhausted, to blunt DNS reflection
// amplification. Not named by the query-serving core's own contract, but
// adjacent to every response the query processor builds, the same way
// the teacher carries it alongside its packet/zone/engine packages.
package rrl

import (
	"hash/fnv"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Response categories for rate limiting, unchanged from the teacher's
// categorization scheme.
const (
	CategoryResponse = iota
	CategoryError
	CategoryNXDOMAIN
	CategoryReferral
	CategoryNodata
	CategoryAll
)

const (
	DefaultResponsesPerSecond = 5
	DefaultErrorsPerSecond    = 5
	DefaultNXDOMAINsPerSecond = 5
	DefaultWindow             = 15 // seconds, sets each bucket's burst capacity
	DefaultSlip               = 2
)

// Config holds RRL configuration.
type Config struct {
	ResponsesPerSecond int
	ErrorsPerSecond    int
	NXDOMAINsPerSecond int
	ReferralsPerSecond int
	NodataPerSecond    int
	AllPerSecond       int

	Window int // seconds of burst capacity per bucket
	Slip   int // 1 in N rate-limited responses get TC instead of being dropped

	ExemptPrefixes []*net.IPNet

	IPv4PrefixLen int
	IPv6PrefixLen int

	Enabled bool

	// MaxBuckets bounds the limiter's memory under a distributed flood;
	// once exceeded, buckets are evicted on the next cleanup pass.
	MaxBuckets int
}

// DefaultConfig returns the recommended RRL configuration.
func DefaultConfig() Config {
	return Config{
		ResponsesPerSecond: DefaultResponsesPerSecond,
		ErrorsPerSecond:    DefaultErrorsPerSecond,
		NXDOMAINsPerSecond: DefaultNXDOMAINsPerSecond,
		ReferralsPerSecond: 5,
		NodataPerSecond:    5,
		AllPerSecond:       100,
		Window:             DefaultWindow,
		Slip:               DefaultSlip,
		IPv4PrefixLen:      24,
		IPv6PrefixLen:      56,
		Enabled:            true,
		MaxBuckets:         200_000,
	}
}

// Action represents what to do with a query whose response was subject to
// rate limiting.
type Action int

const (
	ActionAllow Action = iota
	ActionDrop
	ActionSlip
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionDrop:
		return "drop"
	case ActionSlip:
		return "slip"
	default:
		return "unknown"
	}
}

type bucketEntry struct {
	limiter   *rate.Limiter
	lastTouch atomicTime
}

// Limiter implements Response Rate Limiting on top of x/time/rate: one
// token-bucket Limiter per (client-prefix, qname, qtype, category) key,
// replacing the teacher's hand-rolled atomic counters with the standard
// ecosystem's own rate-limiting primitive.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[uint64]*bucketEntry

	allowed, dropped, slipped counter

	stopCleanup chan struct{}
	cleanupDone sync.WaitGroup
}

// NewLimiter creates a new RRL limiter and starts its background cleanup.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxBuckets == 0 {
		cfg.MaxBuckets = 200_000
	}

	l := &Limiter{
		cfg:         cfg,
		buckets:     make(map[uint64]*bucketEntry),
		stopCleanup: make(chan struct{}),
	}
	l.cleanupDone.Add(1)
	go l.cleanup()
	return l
}

// Check decides whether a response to (clientIP, qname, qtype) in the
// given category should be allowed, dropped, or slipped (sent with TC).
func (l *Limiter) Check(clientIP net.IP, qname string, qtype uint16, category int) Action {
	if !l.cfg.Enabled {
		l.allowed.add(1)
		return ActionAllow
	}
	if l.isExempt(clientIP) {
		l.allowed.add(1)
		return ActionAllow
	}

	limit := l.limitForCategory(category)
	if limit == 0 {
		l.allowed.add(1)
		return ActionAllow
	}

	hash := l.bucketHash(clientIP, qname, qtype, category)
	b := l.bucketFor(hash, limit)
	b.lastTouch.set(time.Now())

	if b.limiter.Allow() {
		l.allowed.add(1)
		return ActionAllow
	}

	// Every Slip-th rate-limited response (counted across the limiter)
	// slips; the rest are dropped. Slip <= 0 never slips.
	if l.cfg.Slip > 0 && (l.slipped.load()+l.dropped.load()+1)%uint64(l.cfg.Slip) == 0 {
		l.slipped.add(1)
		return ActionSlip
	}
	l.dropped.add(1)
	return ActionDrop
}

func (l *Limiter) bucketFor(hash uint64, limit int) *bucketEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[hash]
	if ok {
		return b
	}
	burst := limit * l.cfg.Window
	if burst < 1 {
		burst = 1
	}
	b = &bucketEntry{limiter: rate.NewLimiter(rate.Limit(limit), burst)}
	l.buckets[hash] = b
	return b
}

func (l *Limiter) isExempt(ip net.IP) bool {
	for _, prefix := range l.cfg.ExemptPrefixes {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

func (l *Limiter) limitForCategory(category int) int {
	switch category {
	case CategoryResponse:
		return l.cfg.ResponsesPerSecond
	case CategoryError:
		return l.cfg.ErrorsPerSecond
	case CategoryNXDOMAIN:
		return l.cfg.NXDOMAINsPerSecond
	case CategoryReferral:
		return l.cfg.ReferralsPerSecond
	case CategoryNodata:
		return l.cfg.NodataPerSecond
	case CategoryAll:
		return l.cfg.AllPerSecond
	default:
		return l.cfg.AllPerSecond
	}
}

func (l *Limiter) bucketHash(ip net.IP, qname string, qtype uint16, category int) uint64 {
	h := fnv.New64a()
	h.Write(l.prefix(ip))
	h.Write([]byte(qname))
	var buf [4]byte
	buf[0] = byte(qtype >> 8)
	buf[1] = byte(qtype)
	buf[2] = byte(category >> 8)
	buf[3] = byte(category)
	h.Write(buf[:])
	return h.Sum64()
}

func (l *Limiter) prefix(ip net.IP) []byte {
	if ip4 := ip.To4(); ip4 != nil {
		prefixLen := l.cfg.IPv4PrefixLen
		if prefixLen == 0 {
			prefixLen = 24
		}
		return ip4.Mask(net.CIDRMask(prefixLen, 32))
	}
	ip16 := ip.To16()
	prefixLen := l.cfg.IPv6PrefixLen
	if prefixLen == 0 {
		prefixLen = 56
	}
	return ip16.Mask(net.CIDRMask(prefixLen, 128))
}

func (l *Limiter) cleanup() {
	defer l.cleanupDone.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictStaleAndOverflow()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *Limiter) evictStaleAndOverflow() {
	cutoff := time.Now().Add(-time.Duration(l.cfg.Window*2) * time.Second)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if b.lastTouch.get().Before(cutoff) {
			delete(l.buckets, k)
		}
	}
	if len(l.buckets) <= l.cfg.MaxBuckets {
		return
	}
	// Overflow: drop arbitrary entries down to the cap. Map iteration
	// order is already randomized by Go, an acceptable approximation of
	// least-recently-touched eviction under true flood conditions, where
	// bounding memory quickly matters more than eviction precision.
	excess := len(l.buckets) - l.cfg.MaxBuckets
	for k := range l.buckets {
		if excess <= 0 {
			break
		}
		delete(l.buckets, k)
		excess--
	}
}

// Close stops the background cleanup goroutine.
func (l *Limiter) Close() {
	close(l.stopCleanup)
	l.cleanupDone.Wait()
}

// Stats reports cumulative limiter outcomes.
type Stats struct {
	Allowed, Dropped, Slipped, Total uint64
	DropRate                         float64
}

// GetStats returns current RRL statistics.
func (l *Limiter) GetStats() Stats {
	allowed, dropped, slipped := l.allowed.load(), l.dropped.load(), l.slipped.load()
	total := allowed + dropped + slipped
	var dropRate float64
	if total > 0 {
		dropRate = float64(dropped) / float64(total)
	}
	return Stats{Allowed: allowed, Dropped: dropped, Slipped: slipped, Total: total, DropRate: dropRate}
}

// CategorizeResponse determines the RRL category for a response outcome.
func CategorizeResponse(rcode int, answerCount, nsCount int) int {
	switch rcode {
	case 0:
		switch {
		case answerCount > 0:
			return CategoryResponse
		case nsCount > 0:
			return CategoryReferral
		default:
			return CategoryNodata
		}
	case 3:
		return CategoryNXDOMAIN
	default:
		return CategoryError
	}
}
