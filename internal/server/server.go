// Package server wires the query-serving core's pieces into one running
// instance: zone loading (internal/engine), the UDP datagram pipeline
// (internal/transport), the QUIC/DoQ listener (internal/quicmux), DNS
// Cookies (internal/cookie), Response Rate Limiting (internal/rrl), the
// NOTIFY requestor (internal/requestor), and Prometheus instrumentation
// (internal/metrics) — all driven from one internal/config.Config the way
// the teacher's own command wired its YAML config into its component
// constructors.
package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dnsscience/dnsscienced/internal/config"
	"github.com/dnsscience/dnsscienced/internal/cookie"
	"github.com/dnsscience/dnsscienced/internal/engine"
	"github.com/dnsscience/dnsscienced/internal/metrics"
	"github.com/dnsscience/dnsscienced/internal/quicmux"
	"github.com/dnsscience/dnsscienced/internal/rrl"
	"github.com/dnsscience/dnsscienced/internal/transport"
	"github.com/dnsscience/dnsscienced/internal/zone"
)

// Server is one running instance: the zones it owns plus every listener
// serving them.
type Server struct {
	cfg config.Config
	log *zap.Logger

	zones   *engine.ZoneManager
	cookies *cookie.Manager
	limiter *rrl.Limiter
	reg     *prometheus.Registry
	metrics *metrics.Metrics

	udp  *transport.Server
	quic *quicmux.Server

	metricsHTTP *http.Server
}

// New builds a Server from cfg but does not yet bind any socket; call Run
// to load zones and start serving.
func New(cfg config.Config) (*Server, error) {
	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("server: build logger: %w", err)
	}

	var cookies *cookie.Manager
	if cfg.Cookies.Enabled {
		ccfg := cookie.Config{Enabled: true, RequireValid: cfg.Cookies.RequireValid}
		if cfg.Cookies.SecretHex != "" {
			secret, err := hex.DecodeString(cfg.Cookies.SecretHex)
			if err != nil {
				return nil, fmt.Errorf("server: decode cookie secret: %w", err)
			}
			ccfg.ClusterSecret = secret
		}
		cookies, err = cookie.NewManager(ccfg)
		if err != nil {
			return nil, fmt.Errorf("server: build cookie manager: %w", err)
		}
	}

	reg := prometheus.NewRegistry()

	var limiter *rrl.Limiter
	if cfg.RRL.Enabled {
		limiter = rrl.NewLimiter(cfg.RRL)
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		zones:   engine.NewZoneManager(),
		cookies: cookies,
		limiter: limiter,
		reg:     reg,
		metrics: metrics.New(reg),
	}
	return s, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(cfg.Level); err == nil {
		zcfg.Level = lvl
	}
	return zcfg.Build()
}

// LoadZones loads every zone named in s.cfg.Zones, in order, failing on
// the first error.
func (s *Server) LoadZones() error {
	for _, zcfg := range s.cfg.Zones {
		if err := s.zones.LoadZone(zcfg, s.cfg.UDP.Workers); err != nil {
			return fmt.Errorf("server: load zone %s: %w", zcfg.Origin, err)
		}
		s.log.Info("loaded zone", zap.String("origin", zcfg.Origin), zap.String("path", zcfg.Path))
	}
	return nil
}

// primaryStore returns the Store backing the first configured zone. The
// datagram pipelines (C6/C7) are wired against one Store per listener
// instance; routing a single listener across multiple zone apexes by
// QNAME is future work for internal/query.Processor, noted in the design
// ledger rather than solved here.
func (s *Server) primaryStore() (*zone.Store, error) {
	if len(s.cfg.Zones) == 0 {
		return nil, fmt.Errorf("server: no zones loaded")
	}
	origin := s.cfg.Zones[0].Origin
	store, ok := s.zones.Store(origin)
	if !ok {
		return nil, fmt.Errorf("server: zone %s has no store", origin)
	}
	return store, nil
}

// Run loads every configured zone, starts the UDP pipeline, the QUIC
// listener (if enabled), and the metrics exposition endpoint, and blocks
// until ctx is canceled or any of them fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.LoadZones(); err != nil {
		return err
	}
	store, err := s.primaryStore()
	if err != nil {
		return err
	}

	udpCfg := transport.Config{
		Addr:        s.cfg.UDP.Addr,
		Workers:     s.cfg.UDP.Workers,
		BatchSize:   s.cfg.UDP.BatchSize,
		ArenaBytes:  s.cfg.UDP.ArenaBytes,
		PollTimeout: s.cfg.UDP.PollTimeout,
		MaxSize:     s.cfg.UDP.MaxSize,
		AllowAXFR:   s.cfg.UDP.AllowAXFR,
		AllowIXFR:   s.cfg.UDP.AllowIXFR,
	}
	s.udp, err = transport.NewServer(udpCfg, store, s.cookies, s.limiter, s.metrics)
	if err != nil {
		return fmt.Errorf("server: build UDP pipeline: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("starting UDP pipeline", zap.String("addr", s.cfg.UDP.Addr), zap.Int("workers", s.cfg.UDP.Workers))
		return s.udp.Run(gctx)
	})

	if s.cfg.QUIC.Enabled {
		quicCfg := quicmux.Config{
			Addr:      s.cfg.QUIC.Addr,
			CertFile:  s.cfg.QUIC.CertFile,
			KeyFile:   s.cfg.QUIC.KeyFile,
			TableSize: 1024,
			MaxSize:   s.cfg.UDP.MaxSize,
			AllowAXFR: s.cfg.UDP.AllowAXFR,
			AllowIXFR: s.cfg.UDP.AllowIXFR,
		}
		s.quic, err = quicmux.NewServer(quicCfg, store, s.cookies)
		if err != nil {
			return fmt.Errorf("server: build QUIC listener: %w", err)
		}
		g.Go(func() error {
			s.log.Info("starting QUIC listener", zap.String("addr", s.cfg.QUIC.Addr))
			return s.quic.Run(gctx)
		})
	}

	if s.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
		s.metricsHTTP = &http.Server{Addr: s.cfg.Metrics.Addr, Handler: mux}
		g.Go(func() error {
			s.log.Info("starting metrics endpoint", zap.String("addr", s.cfg.Metrics.Addr))
			if err := s.metricsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return s.metricsHTTP.Close()
		})
	}

	return g.Wait()
}

// Reload re-parses origin's zone file and, if secondaries are configured,
// sends NOTIFY to each of them afterward.
func (s *Server) Reload(origin string) error {
	return s.zones.ReloadAndNotify(origin, s.cfg.Notify)
}

// ReloadAll reloads every configured zone concurrently (e.g. on SIGHUP),
// notifying each zone's secondaries afterward.
func (s *Server) ReloadAll() error {
	notify := make(map[string]config.NotifyConfig, len(s.cfg.Zones))
	for _, zcfg := range s.cfg.Zones {
		notify[zcfg.Origin] = s.cfg.Notify
	}
	return s.zones.ReloadAll(notify)
}

// Stats bundles the running instance's per-subsystem counters.
type Stats struct {
	UDP  transport.Stats
	QUIC quicmux.Stats
}

// GetStats snapshots every running listener's counters.
func (s *Server) GetStats() Stats {
	var st Stats
	if s.udp != nil {
		st.UDP = s.udp.GetStats()
	}
	if s.quic != nil {
		st.QUIC = s.quic.GetStats()
	}
	return st
}

// Close shuts down every listener this instance started.
func (s *Server) Close() error {
	var firstErr error
	if s.udp != nil {
		if err := s.udp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.quic != nil {
		if err := s.quic.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.metricsHTTP != nil {
		if err := s.metricsHTTP.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.limiter != nil {
		s.limiter.Close()
	}
	if err := s.zones.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
