// Package requestor implements the outbound request engine (C8): it drives
// the same begin/consume/produce/finish query-layer abstraction the server
// side uses (internal/query), but as a client issuing one request and
// consuming one response against a remote peer — used today for outbound
// NOTIFY. Transaction IDs are drawn from internal/random's
// crypto/rand-backed generator, the teacher's own defense against
// predictable IDs, generalized from its original cache-poisoning
// justification to "every outbound transaction ID this core ever emits".
package requestor

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/dnsscience/dnsscienced/internal/query"
	"github.com/dnsscience/dnsscienced/internal/random"
	"github.com/dnsscience/dnsscienced/internal/wire"
)

// Notifier drives a single outbound NOTIFY exchange, implementing
// query.Layer so the shared driver plumbing applies unchanged.
type Notifier struct {
	zoneApex string
	soa      *wire.RR // optional SOA hint in the answer section; nil omits it
	id       uint16

	resp *wire.Message
}

// NewNotifier builds a Notifier for zoneApex, optionally carrying soa (an
// RData of type wire.SOAData) as an unsecured hint per §4.8.
func NewNotifier(zoneApex string, soa *wire.RR) *Notifier {
	return &Notifier{zoneApex: zoneApex, soa: soa, id: random.TransactionID()}
}

// Begin implements query.Layer: a fresh Notifier always starts ready to
// build its request.
func (n *Notifier) Begin(params any) query.State { return query.StatePRODUCE }

// Produce implements query.Layer: builds the NOTIFY message. §4.8: opcode
// NOTIFY, AA set, question = (zone apex, SOA, IN), answer section
// optionally carrying the current SOA.
func (n *Notifier) Produce(out *bytes.Buffer) query.State {
	m := &wire.Message{
		Header: wire.Header{
			ID:     n.id,
			Opcode: wire.OpcodeNotify,
			AA:     true,
		},
		Question: []wire.Question{{Name: n.zoneApex, Type: wire.TypeSOA, Class: 1}},
	}
	if n.soa != nil {
		m.Answer = []wire.RR{*n.soa}
	}
	buf, err := m.Encode(0)
	if err != nil {
		return query.StateFAIL
	}
	out.Write(buf)
	return query.StateCONSUME
}

// Consume implements query.Layer: parses the peer's reply and evaluates
// §4.8's success criterion (any response with extended RCODE 0, i.e. the
// combined RCODE is NOERROR).
func (n *Notifier) Consume(incoming []byte) query.State {
	msg, err := wire.Parse(incoming)
	if err != nil {
		return query.StateFAIL
	}
	if msg.Header.ID != n.id {
		return query.StateFAIL
	}
	n.resp = msg
	if msg.Header.Rcode != wire.RcodeNoError {
		return query.StateFAIL
	}
	return query.StateDONE
}

// Finish implements query.Layer; a Notifier holds no releasable resource.
func (n *Notifier) Finish() {}

// Response returns the peer's parsed reply, or nil if the exchange never
// reached CONSUME.
func (n *Notifier) Response() *wire.Message { return n.resp }

// exchange drives one Notifier to completion over an already-dialed
// connection with a deadline, per the driver description in §4.3: begin;
// while PRODUCE or FAIL, produce; send only once the produce phase lands on
// CONSUME (the client-side analogue of "ship only on terminal DONE" — here
// the terminal state after the produce phase is the signal to send at all).
func exchange(conn net.Conn, n *Notifier, timeout time.Duration) error {
	state := n.Begin(nil)
	reqBytes, state := query.RunProduce(n, state)
	if state != query.StateCONSUME {
		return fmt.Errorf("requestor: notify request build failed, state=%v", state)
	}

	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(reqBytes); err != nil {
		return fmt.Errorf("requestor: send: %w", err)
	}

	buf := make([]byte, 4096)
	n2, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("requestor: receive: %w", err)
	}

	state = n.Consume(buf[:n2])
	n.Finish()
	if state != query.StateDONE {
		return fmt.Errorf("requestor: notify rejected by peer, rcode=%d", n.resp.Header.Rcode)
	}
	return nil
}

// Options tunes the retry/backoff harness.
type Options struct {
	Retries int           // attempts per address before moving to the next
	Timeout time.Duration // per-attempt deadline
	Backoff time.Duration // delay between attempts on the same address
}

// DefaultOptions returns the recommended NOTIFY retry tuning.
func DefaultOptions() Options {
	return Options{Retries: 3, Timeout: 2 * time.Second, Backoff: 500 * time.Millisecond}
}

// NotifyAll sends NOTIFY for zoneApex to each address in turn, retrying
// Options.Retries times per address, and stops on the first address that
// accepts it, per §4.8: "try each configured address for a remote in
// order, stop on first success."
func NotifyAll(zoneApex string, soa *wire.RR, addrs []string, opts Options) error {
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	var lastErr error
	for _, addr := range addrs {
		for attempt := 0; attempt < opts.Retries; attempt++ {
			conn, err := net.DialTimeout("udp", addr, opts.Timeout)
			if err != nil {
				lastErr = err
				continue
			}
			n := NewNotifier(zoneApex, soa)
			err = exchange(conn, n, opts.Timeout)
			conn.Close()
			if err == nil {
				return nil
			}
			lastErr = err
			if opts.Backoff > 0 && attempt < opts.Retries-1 {
				time.Sleep(opts.Backoff)
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("requestor: no addresses configured for %s", zoneApex)
	}
	return fmt.Errorf("requestor: notify %s failed against all addresses: %w", zoneApex, lastErr)
}
