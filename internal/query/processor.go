package query

import (
	"bytes"
	"encoding/binary"

	"github.com/miekg/dns"

	"github.com/dnsscience/dnsscienced/internal/cookie"
	"github.com/dnsscience/dnsscienced/internal/wire"
	"github.com/dnsscience/dnsscienced/internal/zone"
)

// cnameChainLimit bounds CNAME chasing within a zone. The teacher's
// source left this implicit; fixed at 16 here.
const cnameChainLimit = 16

// TransportFlags carries the per-query policy the datagram pipeline (or
// QUIC stream handler) knows and the processor does not: whether this
// exchange arrived over UDP (subject to a size ceiling and truncation)
// and whether zone-transfer query types are permitted on it.
type TransportFlags struct {
	UDP          bool
	MaxSize      int // wire budget; 0 means "use EDNS/512 default"
	AllowAXFR    bool
	AllowIXFR    bool
	ClientIP     []byte // for DNS Cookie and RRL bucketing; nil if unknown
}

// Processor is the server-side query-layer implementation (C5): it turns
// a parsed question into a response using a zone.Store snapshot (C2/C3).
// One Processor is created per query by the datagram pipeline; it carries
// no state across queries.
type Processor struct {
	store    *zone.Store
	cookies  *cookie.Manager
	flags    TransportFlags
	workerID int

	lease  zone.Lease
	leased bool
	query  *wire.Message
	id     uint16
	resp   *response
	state  State
}

// NewProcessor constructs a Processor bound to a zone store and an
// optional DNS Cookie manager (nil disables cookie handling entirely).
// workerID identifies the calling pipeline worker to the snapshot
// store's per-worker read indicator (§5: no thread touches another
// worker's state).
func NewProcessor(store *zone.Store, cookies *cookie.Manager, flags TransportFlags, workerID int) *Processor {
	return &Processor{store: store, cookies: cookies, flags: flags, workerID: workerID}
}

// Begin implements query.Layer. The server-side processor always starts
// ready to consume an inbound query.
func (p *Processor) Begin(params any) State {
	p.state = StateCONSUME
	return p.state
}

// Consume implements query.Layer: parses incoming, resolves it against
// the zone store, and builds the response message, per §4.5 steps 1-6.
func (p *Processor) Consume(incoming []byte) State {
	msg, perr := wire.Parse(incoming)
	if perr != nil {
		pe, ok := perr.(*wire.ParseError)
		if !ok || !pe.HeaderOnly {
			// Not even the header survived: nothing to reply with.
			p.state = StateRESET
			return p.state
		}
		// The header itself decoded fine (HeaderOnly), so the ID is still
		// recoverable straight from the wire bytes even though a later
		// section failed to parse.
		p.id = binary.BigEndian.Uint16(incoming[0:2])
		p.resp = formErr(p.id)
		p.state = StateFAIL
		return p.state
	}

	p.query = msg
	p.id = msg.Header.ID

	if len(msg.Question) != 1 {
		p.resp = errorResponse(p.id, wire.RcodeFormErr, nil)
		p.state = StateFAIL
		return p.state
	}
	q := msg.Question[0]

	if isTransferType(q.Type) && p.flags.UDP {
		allowed := (q.Type == dns.TypeAXFR && p.flags.AllowAXFR) || (q.Type == dns.TypeIXFR && p.flags.AllowIXFR)
		if !allowed {
			p.resp = errorResponse(p.id, wire.RcodeNotImp, &q)
			p.state = StateFAIL
			return p.state
		}
	}

	opt, oerr := wire.FindOPT(msg.Additional)
	if oerr != nil {
		p.resp = errorResponse(p.id, wire.RcodeFormErr, &q)
		p.state = StateFAIL
		return p.state
	}

	maxSize := 512
	var ednsPayload uint16
	wantsEDNS := opt != nil
	if opt != nil {
		ednsPayload = opt.Class
		if int(ednsPayload) > maxSize {
			maxSize = int(ednsPayload)
		}
	}
	if !p.flags.UDP {
		maxSize = 0 // no truncation ceiling over stream transports
	} else if p.flags.MaxSize > 0 && p.flags.MaxSize < maxSize {
		maxSize = p.flags.MaxSize
	}

	p.lease = p.store.Acquire(p.workerID)
	p.leased = true
	snap := p.lease.Snapshot()

	resp := buildResponse(snap, q, msg.Header)

	if wantsEDNS {
		resp.Additional = append(resp.Additional, ednsReply(ednsPayload, opt, p.cookies, p.flags.ClientIP))
	}

	p.resp = resp
	p.resp.encodedMax = maxSize
	p.state = StatePRODUCE
	return p.state
}

// Produce implements query.Layer by encoding the built response. It does
// not release the read-side lease; Finish does, and ServeOne calls Finish
// before returning, so the lease is not held across the caller's
// subsequent blocking send (§4.3).
func (p *Processor) Produce(out *bytes.Buffer) State {
	if p.resp == nil {
		return StateDONE
	}
	buf, err := p.resp.Message.Encode(p.resp.encodedMax)
	if err != nil {
		buf, _ = errorResponse(p.id, wire.RcodeServFail, nil).Message.Encode(0)
	}
	out.Write(buf)
	return StateDONE
}

// Finish releases the read-side lease if one was taken. The per-query
// arena is untouched here; the datagram pipeline owns rewinding it.
func (p *Processor) Finish() {
	if p.leased {
		p.lease.Release()
		p.leased = false
	}
}

// response bundles the wire message under construction with the
// transport size ceiling it must respect at encode time.
type response struct {
	*wire.Message
	encodedMax int
}

func isTransferType(t uint16) bool { return t == dns.TypeAXFR || t == dns.TypeIXFR }

func formErr(id uint16) *response {
	return &response{Message: &wire.Message{Header: wire.Header{ID: id, QR: true, Rcode: wire.RcodeFormErr}}}
}

func errorResponse(id uint16, rcode uint8, q *wire.Question) *response {
	m := &wire.Message{Header: wire.Header{ID: id, QR: true, Rcode: rcode}}
	if q != nil {
		m.Question = []wire.Question{*q}
	}
	return &response{Message: m}
}

// buildResponse implements §4.5 step 4: resolve the question and shape
// the answer/authority/additional sections by match kind.
func buildResponse(snap *zone.Snapshot, q wire.Question, reqHeader wire.Header) *response {
	m := &wire.Message{
		Header:   wire.Header{ID: reqHeader.ID, QR: true, Opcode: reqHeader.Opcode, RD: reqHeader.RD},
		Question: []wire.Question{q},
	}

	if snap == nil {
		m.Header.Rcode = wire.RcodeRefused
		return &response{Message: m}
	}

	node, kind := snap.Lookup(q.Name, q.Type)

	switch kind {
	case zone.MatchOutOfZone:
		m.Header.Rcode = wire.RcodeRefused
		return &response{Message: m}

	case zone.MatchNoName:
		m.Header.AA = true
		m.Header.Rcode = wire.RcodeNXDomain
		m.Authority = []wire.RR{soaRR(snap, negativeTTL(snap))}
		return &response{Message: m}

	case zone.MatchBelowCut:
		m.Header.AA = false
		nsRRs := node.RRSets[dns.TypeNS]
		for _, rr := range nsRRs {
			wrr, err := toWireRR(rr)
			if err == nil {
				m.Authority = append(m.Authority, wrr)
			}
		}
		appendGlue(m, snap, nsRRs)
		return &response{Message: m}

	case zone.MatchExact, zone.MatchWildcard:
		owner := q.Name
		rrs, ok := node.RRSets[q.Type]

		if !ok {
			if cn, hasCNAME := node.RRSets[dns.TypeCNAME]; hasCNAME && q.Type != dns.TypeCNAME {
				chaseCNAME(m, snap, owner, cn, q.Type, 0)
				if len(m.Answer) == 0 {
					m.Authority = []wire.RR{soaRR(snap, negativeTTL(snap))}
				}
				m.Header.AA = len(m.Answer) > 0
				return &response{Message: m}
			}
			// NODATA: name exists but not this type — empty answer, AA
			// cleared per invariant 5 (AA requires >=1 answer RR).
			m.Authority = []wire.RR{soaRR(snap, negativeTTL(snap))}
			return &response{Message: m}
		}

		for _, rr := range rrs {
			wrr, err := toWireRR(rr)
			if err != nil {
				continue
			}
			if kind == zone.MatchWildcard {
				wrr.Name = owner
			}
			m.Answer = append(m.Answer, wrr)
		}
		m.Header.AA = len(m.Answer) > 0
		return &response{Message: m}

	default:
		m.Header.Rcode = wire.RcodeServFail
		return &response{Message: m}
	}
}

// chaseCNAME follows a CNAME chain within the zone up to cnameChainLimit
// hops, per §4.5 step 4's "exact, type is CNAME" rule generalized to the
// "type requested but owner has a CNAME instead" case. Whatever the chased
// target resolves to, the message must end up with the same authority
// content a direct lookup landing on that match kind would carry — the
// CNAME record already sitting in Answer is not itself a referral or a
// no-data answer, so the caller can't tell these cases apart by checking
// len(m.Answer) alone.
func chaseCNAME(m *wire.Message, snap *zone.Snapshot, owner string, cnameRRs []dns.RR, qtype uint16, depth int) {
	if depth >= cnameChainLimit || len(cnameRRs) == 0 {
		return
	}
	wrr, err := toWireRR(cnameRRs[0])
	if err != nil {
		return
	}
	wrr.Name = owner
	m.Answer = append(m.Answer, wrr)

	target := cnameRRs[0].(*dns.CNAME).Target
	node, kind := snap.Lookup(target, qtype)

	switch kind {
	case zone.MatchBelowCut:
		nsRRs := node.RRSets[dns.TypeNS]
		for _, rr := range nsRRs {
			nswrr, err := toWireRR(rr)
			if err == nil {
				m.Authority = append(m.Authority, nswrr)
			}
		}
		appendGlue(m, snap, nsRRs)
		return

	case zone.MatchExact, zone.MatchWildcard:
		if rrs, ok := node.RRSets[qtype]; ok {
			for _, rr := range rrs {
				next, err := toWireRR(rr)
				if err != nil {
					continue
				}
				if kind == zone.MatchWildcard {
					next.Name = target
				}
				m.Answer = append(m.Answer, next)
			}
			return
		}
		if nextCNAME, ok := node.RRSets[dns.TypeCNAME]; ok {
			chaseCNAME(m, snap, target, nextCNAME, qtype, depth+1)
			return
		}
		// NODATA for the chased target: it exists but has neither the
		// requested type nor a further CNAME to follow.
		m.Authority = append(m.Authority, soaRR(snap, negativeTTL(snap)))
		return

	default:
		// MatchNoName or MatchOutOfZone: the chased target doesn't exist
		// in this zone at all — same authority content as a direct
		// no-data lookup.
		m.Authority = append(m.Authority, soaRR(snap, negativeTTL(snap)))
		return
	}
}

func appendGlue(m *wire.Message, snap *zone.Snapshot, nsRRs []dns.RR) {
	for _, rr := range nsRRs {
		ns, ok := rr.(*dns.NS)
		if !ok || !dns.IsSubDomain(snap.Origin, ns.Ns) {
			continue
		}
		node, kind := snap.Lookup(ns.Ns, dns.TypeA)
		if kind != zone.MatchExact {
			continue
		}
		for _, rrtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			for _, glueRR := range node.RRSets[rrtype] {
				if wrr, err := toWireRR(glueRR); err == nil {
					m.Additional = append(m.Additional, wrr)
				}
			}
		}
	}
}

func negativeTTL(snap *zone.Snapshot) uint32 {
	if snap.SOA.Hdr.Ttl < snap.SOA.Minttl {
		return snap.SOA.Hdr.Ttl
	}
	return snap.SOA.Minttl
}

func soaRR(snap *zone.Snapshot, ttl uint32) wire.RR {
	return wire.RR{
		Name:  snap.Origin,
		Type:  wire.TypeSOA,
		Class: snap.Class,
		TTL:   ttl,
		RData: wire.SOAData{
			MName: snap.SOA.Ns, RName: snap.SOA.Mbox, Serial: snap.SOA.Serial,
			Refresh: snap.SOA.Refresh, Retry: snap.SOA.Retry, Expire: snap.SOA.Expire, Minimum: snap.SOA.Minttl,
		},
	}
}

func toWireRR(rr dns.RR) (wire.RR, error) {
	rdata, err := wire.FromMiekg(rr)
	if err != nil {
		return wire.RR{}, err
	}
	h := rr.Header()
	return wire.RR{Name: h.Name, Type: h.Rrtype, Class: h.Class, TTL: h.Ttl, RData: rdata}, nil
}

// ednsReply builds the response's OPT pseudo-RR, mirroring the negotiated
// payload size and setting version 0 per §4.5 step 6, and attaching a DNS
// Cookie option when a cookie manager is configured and the query carried
// one.
func ednsReply(payload uint16, reqOPT *wire.RR, mgr *cookie.Manager, clientIP []byte) wire.RR {
	var opts []wire.OPTOption
	if mgr != nil && reqOPT != nil {
		if reqData, ok := reqOPT.RData.(wire.OPTData); ok {
			for _, o := range reqData.Options {
				if o.Code != wire.OptCodeCookie {
					continue
				}
				clientCookie, _, err := cookie.ParseCookie(o.Data)
				if err != nil {
					continue
				}
				serverCookie, err := mgr.GenerateServerCookie(clientCookie, clientIP)
				if err != nil {
					continue
				}
				opts = append(opts, wire.OPTOption{
					Code: wire.OptCodeCookie,
					Data: cookie.FormatCookie(clientCookie, serverCookie[:]),
				})
			}
		}
	}
	return wire.RR{
		Name:  ".",
		Type:  wire.TypeOPT,
		Class: payload,
		TTL:   wire.EDNSTTL(0, wire.EDNSVersion0, 0),
		RData: wire.OPTData{Options: opts},
	}
}
