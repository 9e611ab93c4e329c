package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/dnsscience/dnsscienced/internal/rrl"
	"github.com/dnsscience/dnsscienced/internal/wire"
	"github.com/dnsscience/dnsscienced/internal/zone"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func newTestStore(t *testing.T) *zone.Store {
	t.Helper()
	z := zone.New("example.")
	require.NoError(t, z.AddRecord(mustRR(t, "example. 3600 IN SOA ns1.example. hostmaster.example. 1 3600 600 604800 3600")))
	require.NoError(t, z.AddRecord(mustRR(t, "example. 3600 IN NS ns1.example.")))
	require.NoError(t, z.AddRecord(mustRR(t, "a.example. 3600 IN A 192.0.2.1")))
	snap, err := zone.Build(z)
	require.NoError(t, err)
	store := zone.NewStore()
	store.Init(4)
	store.Publish(snap)
	return store
}

func encodeQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	m := &wire.Message{
		Header:   wire.Header{ID: 0xBEEF, RD: true},
		Question: []wire.Question{{Name: name, Type: qtype, Class: 1}},
	}
	buf, err := m.Encode(0)
	require.NoError(t, err)
	return buf
}

func TestServerRoundTrip(t *testing.T) {
	store := newTestStore(t)

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Workers = 2

	srv, err := NewServer(cfg, store, nil, nil, nil)
	require.NoError(t, err)

	addr := srv.conn.LocalAddr().(*net.UDPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	client, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(encodeQuery(t, "a.example.", wire.TypeA))
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := client.Read(buf)
	require.NoError(t, err)

	resp, err := wire.Parse(buf[:n])
	require.NoError(t, err)
	require.Equal(t, uint16(0xBEEF), resp.Header.ID)
	require.True(t, resp.Header.AA)
	require.Len(t, resp.Answer, 1)

	cancel()
	<-done
}

func TestServerDropsRepeatedIdenticalQueriesUnderRRL(t *testing.T) {
	store := newTestStore(t)

	rcfg := rrl.DefaultConfig()
	rcfg.ResponsesPerSecond = 1
	rcfg.Window = 1
	rcfg.Slip = 0 // disable slip so a limited query is dropped, not truncated
	limiter := rrl.NewLimiter(rcfg)
	defer limiter.Close()

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Workers = 1
	cfg.PollTimeout = 100 * time.Millisecond

	srv, err := NewServer(cfg, store, nil, limiter, nil)
	require.NoError(t, err)
	addr := srv.conn.LocalAddr().(*net.UDPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	defer func() { cancel(); <-done }()

	client, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	defer client.Close()

	buf := make([]byte, 512)

	_, err = client.Write(encodeQuery(t, "a.example.", wire.TypeA))
	require.NoError(t, err)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = client.Read(buf)
	require.NoError(t, err, "the first identical query should be answered")

	_, err = client.Write(encodeQuery(t, "a.example.", wire.TypeA))
	require.NoError(t, err)
	client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, err = client.Read(buf)
	require.Error(t, err, "a repeat of the same query within the window should be dropped by RRL")
}

func TestServerStatsAfterRoundTrip(t *testing.T) {
	store := newTestStore(t)

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Workers = 1
	cfg.PollTimeout = 100 * time.Millisecond

	srv, err := NewServer(cfg, store, nil, nil, nil)
	require.NoError(t, err)
	addr := srv.conn.LocalAddr().(*net.UDPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	client, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write(encodeQuery(t, "a.example.", wire.TypeA))
	require.NoError(t, err)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	_, err = client.Read(buf)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return srv.GetStats().Sent >= 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
