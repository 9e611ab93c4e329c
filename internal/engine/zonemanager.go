// Package engine owns the zones this instance serves: loading each one
// from disk into a zone.Store, reloading it on demand, and notifying
// configured secondaries of the new serial afterward.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dnsscience/dnsscienced/internal/config"
	"github.com/dnsscience/dnsscienced/internal/requestor"
	"github.com/dnsscience/dnsscienced/internal/worker"
	"github.com/dnsscience/dnsscienced/internal/zone"
)

// zoneEntry is one loaded zone's store plus the config it was loaded from,
// so Reload can re-parse the same file without the caller repeating it.
type zoneEntry struct {
	cfg   config.ZoneConfig
	store *zone.Store
}

// ZoneManager owns one zone.Store per configured zone, keyed by origin.
// Each Store is independently left-right-swapped (internal/zone.Store),
// so reloading one zone never blocks lookups against another. A bounded
// worker pool runs reloads fanned out across many zones concurrently
// without one slow NOTIFY run stalling the rest; a full reload starts one
// short-lived goroutine per zone that submits its job and waits, while the
// pool caps how many reloads execute at once.
type ZoneManager struct {
	mu    sync.RWMutex
	zones map[string]*zoneEntry
	pool  *worker.Pool
}

// NewZoneManager returns an empty manager; call LoadZone for each
// configured zone before serving queries.
func NewZoneManager() *ZoneManager {
	return &ZoneManager{
		zones: make(map[string]*zoneEntry),
		pool:  worker.NewPool(worker.Config{}),
	}
}

// Close shuts down the manager's reload worker pool. It does not touch any
// already-published zone.Store, which readers may keep using.
func (zm *ZoneManager) Close() error {
	return zm.pool.Close()
}

// LoadZone parses cfg's zone file, builds its first Snapshot, and
// publishes it to a fresh Store registered under cfg.Origin.
func (zm *ZoneManager) LoadZone(cfg config.ZoneConfig, workers int) error {
	z, err := parseZoneFile(cfg)
	if err != nil {
		return err
	}
	snap, err := zone.Build(z)
	if err != nil {
		return fmt.Errorf("build snapshot for %s: %w", cfg.Origin, err)
	}

	store := zone.NewStore()
	store.Init(workers)
	store.Publish(snap)

	zm.mu.Lock()
	defer zm.mu.Unlock()
	zm.zones[cfg.Origin] = &zoneEntry{cfg: cfg, store: store}
	return nil
}

// parseZoneFile dispatches to the BIND or .dnszone parser per cfg.Format,
// the same two formats config.ZoneConfig documents.
func parseZoneFile(cfg config.ZoneConfig) (*zone.Zone, error) {
	zcfg := zone.DefaultConfig()
	switch cfg.Format {
	case "", "bind":
		return zone.ParseBIND(cfg.Path, cfg.Origin, zcfg)
	case "dnszone":
		return zone.ParseDNSZone(cfg.Path, zcfg)
	default:
		return nil, fmt.Errorf("zone %s: unknown format %q", cfg.Origin, cfg.Format)
	}
}

// Store returns the Store registered for origin, if any.
func (zm *ZoneManager) Store(origin string) (*zone.Store, bool) {
	zm.mu.RLock()
	defer zm.mu.RUnlock()
	e, ok := zm.zones[origin]
	if !ok {
		return nil, false
	}
	return e.store, true
}

// Origins lists every zone currently loaded.
func (zm *ZoneManager) Origins() []string {
	zm.mu.RLock()
	defer zm.mu.RUnlock()
	out := make([]string, 0, len(zm.zones))
	for origin := range zm.zones {
		out = append(out, origin)
	}
	return out
}

// Reload re-parses origin's zone file and publishes the result, replacing
// whatever Store.Current held before. The old Snapshot's readers drain
// via Store.Publish's grace wait; nothing in flight is disrupted.
func (zm *ZoneManager) Reload(origin string) error {
	zm.mu.RLock()
	e, ok := zm.zones[origin]
	zm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("zone %s not loaded", origin)
	}

	z, err := parseZoneFile(e.cfg)
	if err != nil {
		return err
	}
	snap, err := zone.Build(z)
	if err != nil {
		return fmt.Errorf("build snapshot for %s: %w", origin, err)
	}
	e.store.Publish(snap)
	return nil
}

// ReloadAndNotify reloads origin, then sends NOTIFY to every configured
// secondary (§4.8), without an SOA answer hint. A NOTIFY
// failure does not undo the reload; secondaries that miss it will still
// catch up on their own refresh timer.
func (zm *ZoneManager) ReloadAndNotify(origin string, notifyCfg config.NotifyConfig) error {
	if err := zm.Reload(origin); err != nil {
		return err
	}
	if len(notifyCfg.Secondaries) == 0 {
		return nil
	}

	opts := requestor.Options{Retries: notifyCfg.Retries, Timeout: notifyCfg.Timeout}
	if opts.Retries <= 0 {
		opts = requestor.DefaultOptions()
	}
	return requestor.NotifyAll(origin, nil, notifyCfg.Secondaries, opts)
}

// ReloadAll reloads every currently loaded zone concurrently, bounded by
// the manager's worker pool, sending NOTIFY per notify[origin] afterward.
// One zone's reload failing does not stop the others; every error is
// collected and returned together.
func (zm *ZoneManager) ReloadAll(notify map[string]config.NotifyConfig) error {
	origins := zm.Origins()

	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup

	for _, origin := range origins {
		origin := origin
		wg.Add(1)
		go func() {
			defer wg.Done()
			job := worker.JobFunc(func(ctx context.Context) error {
				return zm.ReloadAndNotify(origin, notify[origin])
			})
			if err := zm.pool.Submit(context.Background(), job); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("zone %s: %w", origin, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
