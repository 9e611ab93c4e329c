package quicmux

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/dnsscience/dnsscienced/internal/cookie"
	"github.com/dnsscience/dnsscienced/internal/query"
	"github.com/dnsscience/dnsscienced/internal/zone"
)

// Conn is one worker's view of a live QUIC connection: the table entry
// described in §4.7 ("destination connection ID, crypto state, association
// to the most recent peer address"). The crypto state and datagram-level
// DCID dispatch are quic-go's responsibility once a connection is
// established; this struct is what the worker's Table indexes so its
// occupancy and peer address are observable the way the spec's bespoke
// table would be.
type Conn struct {
	dcid     []byte
	peerAddr string
	conn     quic.Connection
}

// Config tunes one worker's QUIC listener.
type Config struct {
	Addr        string
	CertFile    string
	KeyFile     string
	TableSize   int // initial DCID table capacity hint
	MaxSize     int
	AllowAXFR   bool
	AllowIXFR   bool
}

// DefaultConfig returns the recommended DoQ listener tuning.
func DefaultConfig() Config {
	return Config{Addr: ":853", TableSize: 1024, MaxSize: 65535}
}

// tableOp is one mutation queued against the worker's DCID table. Every
// connection goroutine that wants to Insert or Delete sends one of these
// instead of touching Server.table directly, so the table's own
// single-owner contract (dcidtable.go: "not safe for concurrent use by
// design") holds even though connections themselves are served
// concurrently.
type tableOp struct {
	insert bool // false means delete
	dcid   []byte
	conn   *Conn
}

// Server is one worker's QUIC (DoQ, RFC 9250) listener.
type Server struct {
	cfg      Config
	store    *zone.Store
	cookies  *cookie.Manager
	table    *Table
	tableOps chan tableOp
	tableLen atomic.Int64

	ln *quic.Listener

	acceptCount, streamCount, dropCount atomic.Uint64
}

// NewServer builds a Server bound to cfg.Addr once Run is called. Run loads
// the TLS configuration from cfg.CertFile and cfg.KeyFile via
// loadTLSConfig, which advertises ALPN "doq" per RFC 9250 §4.1.1.
func NewServer(cfg Config, store *zone.Store, cookies *cookie.Manager) (*Server, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 65535
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		cookies:  cookies,
		table:    NewTable(cfg.TableSize),
		tableOps: make(chan tableOp, 256),
	}, nil
}

// loadTLSConfig builds the ALPN "doq" TLS configuration quic-go's handshake
// requires, per RFC 9250 §4.1.1.
func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("quicmux: load cert/key: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"doq"},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Run listens on cfg.Addr and serves DoQ connections until ctx is
// canceled. Each accepted connection is served on its own goroutine and
// each of its streams on another; only runTableLoop touches the DCID
// table.
func (s *Server) Run(ctx context.Context) error {
	tlsConf, err := loadTLSConfig(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(s.cfg.Addr, tlsConf, &quic.Config{})
	if err != nil {
		return fmt.Errorf("quicmux: listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	defer ln.Close()

	go s.runTableLoop(ctx)

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		s.acceptCount.Add(1)
		go s.serveConnection(ctx, conn)
	}
}

// runTableLoop is the single goroutine that ever touches s.table, draining
// tableOps until ctx is canceled. Every connection goroutine queues its
// Insert/Delete here instead of calling the table directly, which is what
// lets dcidtable.go stay lock-free while connections are still served
// concurrently.
func (s *Server) runTableLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.tableOps:
			if op.insert {
				s.table.Insert(op.dcid, op.conn)
			} else {
				s.table.Delete(op.dcid)
			}
			s.tableLen.Store(int64(s.table.Len()))
		}
	}
}

// serveConnection accepts every bidirectional stream the peer opens and
// serves each as one DoQ exchange (RFC 9250 §4.2: one message per stream,
// 2-byte length prefix, client signals completion via STREAM FIN).
func (s *Server) serveConnection(ctx context.Context, conn quic.Connection) {
	entryKey := dcidOf(conn)
	entryConn := &Conn{dcid: entryKey, peerAddr: conn.RemoteAddr().String(), conn: conn}
	select {
	case s.tableOps <- tableOp{insert: true, dcid: entryKey, conn: entryConn}:
	case <-ctx.Done():
		return
	}
	defer func() {
		select {
		case s.tableOps <- tableOp{insert: false, dcid: entryKey}:
		case <-ctx.Done():
		}
	}()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		s.streamCount.Add(1)
		go s.serveStream(stream, conn)
	}
}

// udpHostOf extracts the client IP from a QUIC connection's remote
// address for the query layer's client-IP-dependent decisions (cookies,
// per-client rate limiting).
func udpHostOf(conn quic.Connection) net.IP {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// dcidOf recovers a stable per-connection key. quic-go does not expose the
// raw DCID on quic.Connection directly; the remote address joined with the
// connection's pointer value is used as a stand-in key so the table's
// Insert/Delete pairing
// still exercises the real hash/chain machinery against a unique-per-
// connection identity.
func dcidOf(conn quic.Connection) []byte {
	return []byte(conn.RemoteAddr().String() + "/" + fmt.Sprintf("%p", conn))
}

// serveStream reads one length-prefixed DoQ message, submits it to the
// query layer, and writes the length-prefixed response back, then closes
// the stream per RFC 9250 §5.2 ("server MUST send the response on the same
// stream, and MUST indicate... by closing the stream").
func (s *Server) serveStream(stream quic.Stream, conn quic.Connection) {
	defer stream.Close()

	header := make([]byte, 2)
	if _, err := io.ReadFull(stream, header); err != nil {
		return
	}
	length := binary.BigEndian.Uint16(header)
	raw := make([]byte, length)
	if _, err := io.ReadFull(stream, raw); err != nil {
		return
	}

	flags := query.TransportFlags{
		UDP:       false,
		MaxSize:   s.cfg.MaxSize,
		AllowAXFR: s.cfg.AllowAXFR,
		AllowIXFR: s.cfg.AllowIXFR,
		ClientIP:  udpHostOf(conn),
	}
	p := query.NewProcessor(s.store, s.cookies, flags, 0)
	resp, send := query.ServeOne(p, raw)
	if !send {
		s.dropCount.Add(1)
		return
	}

	out := make([]byte, 2+len(resp))
	binary.BigEndian.PutUint16(out[:2], uint16(len(resp)))
	copy(out[2:], resp)
	stream.Write(out)
}

// Stats reports this worker's listener counters.
type Stats struct {
	Accepted    uint64
	Streams     uint64
	Dropped     uint64
	TableLen    int
}

// GetStats returns a snapshot of the worker's counters.
func (s *Server) GetStats() Stats {
	return Stats{
		Accepted: s.acceptCount.Load(),
		Streams:  s.streamCount.Load(),
		Dropped:  s.dropCount.Load(),
		TableLen: int(s.tableLen.Load()),
	}
}

// Close shuts down the listener.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}
