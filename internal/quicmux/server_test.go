package quicmux

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"github.com/dnsscience/dnsscienced/internal/wire"
	"github.com/dnsscience/dnsscienced/internal/zone"
)

// writeSelfSignedCert generates a throwaway ECDSA certificate/key pair for
// loopback DoQ tests and writes them as PEM files under dir.
func writeSelfSignedCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "dnsscienced-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certFile)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyOut, err := os.Create(keyFile)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}))
	require.NoError(t, keyOut.Close())
	return certFile, keyFile
}

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
	snap, err := zone.Build(z)
	require.NoError(t, err)
	store := zone.NewStore()
	store.Init(2)
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

func TestServerRunFailsOnMissingCert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.CertFile = "/nonexistent/cert.pem"
	cfg.KeyFile = "/nonexistent/key.pem"

	srv, err := NewServer(cfg, newTestStore(t), nil)
	require.NoError(t, err)

	require.Error(t, srv.Run(context.Background()))
}

func TestServerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSignedCert(t, dir)

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.CertFile = certFile
	cfg.KeyFile = keyFile

	srv, err := NewServer(cfg, newTestStore(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	go func() {
		tlsConf, err := loadTLSConfig(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return
		}
		ln, err := quic.ListenAddr(cfg.Addr, tlsConf, &quic.Config{})
		if err != nil {
			return
		}
		srv.ln = ln
		ready <- ln.Addr().String()
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			go srv.serveConnection(ctx, conn)
		}
	}()

	var addr string
	select {
	case addr = <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never became ready")
	}

	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"doq"}}
	conn, err := quic.DialAddr(ctx, addr, clientTLS, &quic.Config{})
	require.NoError(t, err)
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	require.NoError(t, err)

	req := encodeQuery(t, "example.", wire.TypeSOA)
	frame := make([]byte, 2+len(req))
	binary.BigEndian.PutUint16(frame[:2], uint16(len(req)))
	copy(frame[2:], req)
	_, err = stream.Write(frame)
	require.NoError(t, err)
	stream.Close()

	header := make([]byte, 2)
	_, err = io.ReadFull(stream, header)
	require.NoError(t, err)
	length := binary.BigEndian.Uint16(header)
	resp := make([]byte, length)
	_, err = io.ReadFull(stream, resp)
	require.NoError(t, err)

	msg, err := wire.Parse(resp)
	require.NoError(t, err)
	require.Equal(t, uint16(0xBEEF), msg.Header.ID)
}
