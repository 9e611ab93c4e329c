// Package transport implements the per-worker batched UDP datagram pipeline
// (the query-serving core's C6): every worker reads from and writes to the
// one socket the Server binds, with its own per-query arena and its own slot
// in the zone store's read indicator, receiving and sending whole batches of
// datagrams per syscall via golang.org/x/net/ipv4 and ipv6 rather than one
// recvfrom/sendto pair per query. The teacher's fast_udp.go is this
// package's ancestor in spirit (a dedicated worker-per-goroutine UDP loop
// with its own stats), generalized from a per-packet goroutine spawn into a
// fixed set of batch-loop workers; the socket itself stays shared.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"

	"github.com/dnsscience/dnsscienced/internal/arena"
	"github.com/dnsscience/dnsscienced/internal/cookie"
	"github.com/dnsscience/dnsscienced/internal/metrics"
	"github.com/dnsscience/dnsscienced/internal/query"
	"github.com/dnsscience/dnsscienced/internal/rrl"
	"github.com/dnsscience/dnsscienced/internal/wire"
	"github.com/dnsscience/dnsscienced/internal/zone"
)

// Config tunes the UDP datagram pipeline.
type Config struct {
	Addr        string
	Workers     int
	BatchSize   int // datagrams per ReadBatch/WriteBatch syscall
	ArenaBytes  int // per-worker per-query bump arena capacity
	PollTimeout time.Duration
	MaxSize     int // UDP response ceiling; an EDNS payload size above it is capped to it
	AllowAXFR   bool
	AllowIXFR   bool
}

// DefaultConfig returns the recommended pipeline tuning.
func DefaultConfig() Config {
	return Config{
		Addr:        ":53",
		Workers:     runtime.NumCPU(),
		BatchSize:   32,
		ArenaBytes:  16 * 1024,
		PollTimeout: time.Second,
		MaxSize:     512,
	}
}

// Server runs the UDP datagram pipeline: Workers independent goroutines,
// each with its own ReadBatch/WriteBatch loop against a shared socket,
// owning a distinct per-worker arena and zone.Store read-indicator slot.
type Server struct {
	cfg     Config
	store   *zone.Store
	cookies *cookie.Manager
	limiter *rrl.Limiter
	metrics *metrics.Metrics

	conn   *net.UDPConn
	is4    bool
	p4     *ipv4.PacketConn
	p6     *ipv6.PacketConn

	closing atomic.Bool

	recvCount atomic.Uint64
	sendCount atomic.Uint64
	dropCount atomic.Uint64
	panicCount atomic.Uint64
}

// NewServer binds the configured address and wraps it with the appropriate
// address-family packet connection, enabling destination-address and
// interface control messages so each reply can pin its source address to
// whichever local address the query actually arrived on (required for hosts
// with more than one address, where the kernel's default route-selected
// source would otherwise not match).
func NewServer(cfg Config, store *zone.Store, cookies *cookie.Manager, limiter *rrl.Limiter, m *metrics.Metrics) (*Server, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.ArenaBytes <= 0 {
		cfg.ArenaBytes = 16 * 1024
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", cfg.Addr, err)
	}
	conn, err := net.ListenUDP(udpAddr.Network(), udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", cfg.Addr, err)
	}

	s := &Server{cfg: cfg, store: store, cookies: cookies, limiter: limiter, metrics: m, conn: conn}

	if udpAddr.IP != nil && udpAddr.IP.To4() != nil {
		s.is4 = true
		s.p4 = ipv4.NewPacketConn(conn)
		if err := s.p4.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: enable ipv4 control messages: %w", err)
		}
	} else {
		s.p6 = ipv6.NewPacketConn(conn)
		if err := s.p6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: enable ipv6 control messages: %w", err)
		}
	}

	return s, nil
}

// Run starts cfg.Workers independent worker loops and blocks until ctx is
// canceled or a worker returns a fatal error, then closes the socket and
// waits for every worker to exit.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		workerID := i
		g.Go(func() error {
			return s.workerLoop(gctx, workerID)
		})
	}

	<-gctx.Done()
	s.closing.Store(true)
	s.conn.Close()

	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// workerLoop is one worker's entire lifetime: its own arena, its own batch
// buffers, its own Processor per datagram. No state here is touched by any
// other worker, per §5's per-thread isolation requirement.
func (s *Server) workerLoop(ctx context.Context, workerID int) error {
	a := arena.New(s.cfg.ArenaBytes)

	msgs := make([]ipv4.Message, s.cfg.BatchSize)
	msgs6 := make([]ipv6.Message, s.cfg.BatchSize)
	for i := range msgs {
		buf := make([]byte, 65535)
		msgs[i].Buffers = [][]byte{buf}
		msgs[i].OOB = make([]byte, ipv4.CMsgSpace(0)+64)
		msgs6[i].Buffers = [][]byte{buf}
		msgs6[i].OOB = make([]byte, ipv6.CMsgSpace(0)+64)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if s.closing.Load() {
			return net.ErrClosed
		}

		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PollTimeout))

		var n int
		var err error
		if s.is4 {
			n, err = s.p4.ReadBatch(msgs, 0)
		} else {
			n, err = s.p6.ReadBatch(msgs6, 0)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return net.ErrClosed
			}
			continue
		}

		var replies []ipv4.Message
		var replies6 []ipv6.Message
		for i := 0; i < n; i++ {
			s.recvCount.Add(1)
			var raw []byte
			var addr net.Addr
			var srcAddr net.IP
			if s.is4 {
				raw = msgs[i].Buffers[0][:msgs[i].N]
				addr = msgs[i].Addr
				if cm := parseIPv4CM(msgs[i].OOB[:msgs[i].NN]); cm != nil {
					srcAddr = cm.Dst
				}
			} else {
				raw = msgs6[i].Buffers[0][:msgs6[i].N]
				addr = msgs6[i].Addr
				if cm := parseIPv6CM(msgs6[i].OOB[:msgs6[i].NN]); cm != nil {
					srcAddr = cm.Dst
				}
			}

			out := s.handleOne(workerID, a, raw, udpClientIP(addr))
			if out == nil {
				continue
			}
			// Pin the reply's source address to the address the query
			// arrived on and clear the interface index, so a multi-homed
			// host answers from the address it was asked at rather than
			// whatever the kernel's routing table would pick by default.
			if s.is4 {
				reply := ipv4.Message{Buffers: [][]byte{out}, Addr: addr}
				if srcAddr != nil {
					cm := &ipv4.ControlMessage{Src: srcAddr}
					reply.OOB = cm.Marshal()
				}
				replies = append(replies, reply)
			} else {
				reply := ipv6.Message{Buffers: [][]byte{out}, Addr: addr}
				if srcAddr != nil {
					cm := &ipv6.ControlMessage{Src: srcAddr}
					reply.OOB = cm.Marshal()
				}
				replies6 = append(replies6, reply)
			}
		}

		if s.is4 && len(replies) > 0 {
			if _, err := s.p4.WriteBatch(replies, 0); err == nil {
				s.sendCount.Add(uint64(len(replies)))
			} else {
				s.dropCount.Add(uint64(len(replies)))
			}
		} else if !s.is4 && len(replies6) > 0 {
			if _, err := s.p6.WriteBatch(replies6, 0); err == nil {
				s.sendCount.Add(uint64(len(replies6)))
			} else {
				s.dropCount.Add(uint64(len(replies6)))
			}
		}

		// Every reply in this batch was arena-backed (handleOne/CopyBytes)
		// and is only safe to rewind once the batched send above is done
		// with it; rewinding per-datagram would let a later CopyBytes in
		// the same batch overwrite an earlier reply still queued in
		// replies/replies6.
		a.Reset()
	}
}

// handleOne runs one query through the query layer with panic recovery
// around the work, mirroring internal/worker.Pool.run's recovery so a
// single malformed packet, an exhausted arena, or a bug in zone lookup
// cannot take a whole worker goroutine down. A recovered panic is answered
// with a header-only SERVFAIL carrying the query's ID, or dropped when the
// datagram is shorter than a DNS header.
func (s *Server) handleOne(workerID int, a *arena.Arena, raw []byte, clientIP net.IP) (out []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.panicCount.Add(1)
			out = nil
			if len(raw) >= wire.HeaderSize {
				id := uint16(raw[0])<<8 | uint16(raw[1])
				m := &wire.Message{Header: wire.Header{ID: id, QR: true, Rcode: wire.RcodeServFail}}
				out, _ = m.Encode(0)
			}
		}
	}()

	flags := query.TransportFlags{
		UDP:       true,
		MaxSize:   s.cfg.MaxSize,
		AllowAXFR: s.cfg.AllowAXFR,
		AllowIXFR: s.cfg.AllowIXFR,
		ClientIP:  clientIP,
	}
	p := query.NewProcessor(s.store, s.cookies, flags, workerID)
	resp, send := query.ServeOne(p, raw)
	if !send {
		return nil
	}

	if s.limiter != nil {
		resp = s.applyRRL(resp, clientIP)
		if resp == nil {
			return nil
		}
	}
	return a.CopyBytes(resp)
}

// applyRRL decides, per §4.9's Response Rate Limiting, whether resp should
// be sent as-is, sent truncated (a "slip", inviting the client to retry
// over TCP rather than staying silent toward a possibly-spoofed source),
// or dropped outright. It returns nil to mean "drop".
func (s *Server) applyRRL(resp []byte, clientIP net.IP) []byte {
	msg, err := wire.Parse(resp)
	if err != nil {
		return resp
	}
	var qname string
	var qtype uint16
	if len(msg.Question) > 0 {
		qname = msg.Question[0].Name
		qtype = msg.Question[0].Type
	}
	category := rrl.CategorizeResponse(int(msg.Header.Rcode), len(msg.Answer), len(msg.Authority))
	action := s.limiter.Check(clientIP, qname, qtype, category)
	if s.metrics != nil {
		s.metrics.RRLActions.WithLabelValues(action.String()).Inc()
	}

	switch action {
	case rrl.ActionAllow:
		return resp
	case rrl.ActionDrop:
		return nil
	case rrl.ActionSlip:
		msg.Answer = nil
		msg.Authority = nil
		msg.Additional = nil
		msg.Header.TC = true
		slipped, err := msg.Encode(0)
		if err != nil {
			return nil
		}
		return slipped
	default:
		return resp
	}
}

func udpClientIP(addr net.Addr) net.IP {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.IP
	}
	return nil
}

func parseIPv4CM(oob []byte) *ipv4.ControlMessage {
	if len(oob) == 0 {
		return nil
	}
	cm := &ipv4.ControlMessage{}
	if err := cm.Parse(oob); err != nil {
		return nil
	}
	return cm
}

func parseIPv6CM(oob []byte) *ipv6.ControlMessage {
	if len(oob) == 0 {
		return nil
	}
	cm := &ipv6.ControlMessage{}
	if err := cm.Parse(oob); err != nil {
		return nil
	}
	return cm
}

// Stats reports cumulative datagram pipeline counters.
type Stats struct {
	Received, Sent, Dropped, Panics uint64
}

// GetStats returns the current pipeline counters.
func (s *Server) GetStats() Stats {
	return Stats{
		Received: s.recvCount.Load(),
		Sent:     s.sendCount.Load(),
		Dropped:  s.dropCount.Load(),
		Panics:   s.panicCount.Load(),
	}
}

// Close stops accepting new datagrams; Run's workers exit on their next
// poll-timeout tick once closing is observed. The RRL limiter, if any, is
// owned by whoever constructed this Server and is not closed here.
func (s *Server) Close() error {
	s.closing.Store(true)
	return s.conn.Close()
}
