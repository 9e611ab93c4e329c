package rrl

import (
	"sync/atomic"
	"time"
)

// counter is a thin wrapper for readability at call sites (l.allowed.add(1)
// rather than atomic.AddUint64(&l.allowed, 1)).
type counter struct{ v atomic.Uint64 }

func (c *counter) add(n uint64) { c.v.Add(n) }
func (c *counter) load() uint64 { return c.v.Load() }

// atomicTime stores a time.Time behind an atomic pointer so the cleanup
// goroutine can read a bucket's last-touch time without taking the
// Limiter's map lock.
type atomicTime struct{ v atomic.Pointer[time.Time] }

func (a *atomicTime) set(t time.Time) { a.v.Store(&t) }

func (a *atomicTime) get() time.Time {
	p := a.v.Load()
	if p == nil {
		return time.Time{}
	}
	return *p
}
