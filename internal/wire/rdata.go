package wire

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Typed record types the core reasons about directly. Anything else is kept
// as RawRData so parsing stays total: an RR type the core doesn't know still
// round-trips, it just can't be inspected.
const (
	TypeA     = 1
	TypeNS    = 2
	TypeCNAME = 5
	TypeSOA   = 6
	TypeMX    = 15
	TypeTXT   = 16
	TypeAAAA  = 28
	TypeDNAME = 39
	TypeOPT   = 41
)

// RData is the decoded form of a record's RDATA. encode appends the wire
// RDATA bytes (after RDLENGTH has already been reserved by the caller) using
// e for any name compression it performs.
type RData interface {
	rrType() uint16
	encode(e *encoder) error
}

type ARecord struct{ IP net.IP }

func (ARecord) rrType() uint16 { return TypeA }
func (r ARecord) encode(e *encoder) error {
	ip4 := r.IP.To4()
	if ip4 == nil {
		return fmt.Errorf("wire: A record with non-IPv4 address %s", r.IP)
	}
	e.writeBytes(ip4)
	return nil
}

type AAAARecord struct{ IP net.IP }

func (AAAARecord) rrType() uint16 { return TypeAAAA }
func (r AAAARecord) encode(e *encoder) error {
	ip16 := r.IP.To16()
	if ip16 == nil {
		return fmt.Errorf("wire: AAAA record with invalid address %s", r.IP)
	}
	e.writeBytes(ip16)
	return nil
}

type NSRecord struct{ Target string }

func (NSRecord) rrType() uint16          { return TypeNS }
func (r NSRecord) encode(e *encoder) error { return e.writeName(r.Target, true) }

type CNAMERecord struct{ Target string }

func (CNAMERecord) rrType() uint16            { return TypeCNAME }
func (r CNAMERecord) encode(e *encoder) error { return e.writeName(r.Target, true) }

// DNAMERecord aliases an entire subtree. Its target is always written
// uncompressed (RFC 6672 §2.5); later names may still compress against its
// suffixes.
type DNAMERecord struct{ Target string }

func (DNAMERecord) rrType() uint16            { return TypeDNAME }
func (r DNAMERecord) encode(e *encoder) error { return e.writeName(r.Target, false) }

type SOAData struct {
	MName   string
	RName   string
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minimum uint32
}

func (SOAData) rrType() uint16 { return TypeSOA }
func (r SOAData) encode(e *encoder) error {
	if err := e.writeName(r.MName, true); err != nil {
		return err
	}
	if err := e.writeName(r.RName, true); err != nil {
		return err
	}
	e.writeUint32(r.Serial)
	e.writeUint32(r.Refresh)
	e.writeUint32(r.Retry)
	e.writeUint32(r.Expire)
	e.writeUint32(r.Minimum)
	return nil
}

type MXData struct {
	Preference uint16
	Target     string
}

func (MXData) rrType() uint16 { return TypeMX }
func (r MXData) encode(e *encoder) error {
	e.writeUint16(r.Preference)
	return e.writeName(r.Target, true)
}

type TXTData struct{ Chunks [][]byte }

func (TXTData) rrType() uint16 { return TypeTXT }
func (r TXTData) encode(e *encoder) error {
	for _, c := range r.Chunks {
		if len(c) > 255 {
			return fmt.Errorf("wire: TXT chunk exceeds 255 octets")
		}
		e.writeByte(byte(len(c)))
		e.writeBytes(c)
	}
	return nil
}

// OPTOption is a single EDNS0 option (RFC 6891 §6.1).
type OPTOption struct {
	Code uint16
	Data []byte
}

// OPTData is the pseudo-RR carrying EDNS0 parameters. It rides in the
// additional section with a name of "." and a TYPE of TypeOPT; UDP payload
// size and extended RCODE bits live in the RR's CLASS/TTL fields, handled in
// edns.go rather than here.
type OPTData struct{ Options []OPTOption }

func (OPTData) rrType() uint16 { return TypeOPT }
func (r OPTData) encode(e *encoder) error {
	for _, opt := range r.Options {
		e.writeUint16(opt.Code)
		e.writeUint16(uint16(len(opt.Data)))
		e.writeBytes(opt.Data)
	}
	return nil
}

// RawRData is the fallback for any RR type the core does not decode
// structurally; it carries the RDATA bytes verbatim, with compression
// pointers inside it left unresolved (RFC 3597 §4: only a closed set of
// legacy types may compress inside RDATA, and none of them are in the
// typed set above).
type RawRData struct {
	Type uint16
	Raw  []byte
}

func (r RawRData) rrType() uint16          { return r.Type }
func (r RawRData) encode(e *encoder) error { e.writeBytes(r.Raw); return nil }

// FromMiekg converts a parsed miekg/dns.RR into the core's RData
// representation, so the zone store can accept zone files parsed with
// dns.ZoneParser while the wire codec stays independent of miekg's own
// (unrelated) wire layer.
func FromMiekg(rr dns.RR) (RData, error) {
	switch v := rr.(type) {
	case *dns.A:
		return ARecord{IP: v.A}, nil
	case *dns.AAAA:
		return AAAARecord{IP: v.AAAA}, nil
	case *dns.NS:
		return NSRecord{Target: v.Ns}, nil
	case *dns.CNAME:
		return CNAMERecord{Target: v.Target}, nil
	case *dns.DNAME:
		return DNAMERecord{Target: v.Target}, nil
	case *dns.SOA:
		return SOAData{
			MName: v.Ns, RName: v.Mbox, Serial: v.Serial,
			Refresh: v.Refresh, Retry: v.Retry, Expire: v.Expire, Minimum: v.Minttl,
		}, nil
	case *dns.MX:
		return MXData{Preference: v.Preference, Target: v.Mx}, nil
	case *dns.TXT:
		chunks := make([][]byte, len(v.Txt))
		for i, s := range v.Txt {
			chunks[i] = []byte(s)
		}
		return TXTData{Chunks: chunks}, nil
	default:
		return nil, fmt.Errorf("wire: FromMiekg: unsupported RR type %T", rr)
	}
}
