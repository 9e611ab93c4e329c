package wire

import (
	"encoding/binary"
	"fmt"
)

// Limits mirrored from the teacher's packet parser (itself citing the
// Unbound CVE-2024-8508 compression-bomb mitigation): bound per-section
// work so a crafted message can't force unbounded allocation or CPU before
// FORMERR is returned.
const (
	maxRRsPerSection = 4096
	maxSectionBytes  = 64 * 1024
)

// Question is a parsed question section entry.
type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

// RR is a parsed resource record. RData is nil for a bare RR-header match
// (not currently produced by Parse, but kept so the processor can
// synthesize header-only records, e.g. for OPT, without inventing a second
// type).
type RR struct {
	Name  string
	Type  uint16
	Class uint16
	TTL   uint32
	RData RData
	// RawRDLen is the original wire RDLENGTH, preserved so OPT pseudo-RRs
	// (which overload CLASS/TTL rather than RDATA) round-trip exactly.
	RawRDLen uint16
}

// Message is the fully decoded form of a DNS message.
type Message struct {
	Header     Header
	Question   []Question
	Answer     []RR
	Authority  []RR
	Additional []RR
}

// Parse decodes buf into a Message. Parsing is total in the sense described
// in the package doc: on failure the returned ParseError carries how far
// decoding got, so the caller can still answer using a recovered ID.
func Parse(buf []byte) (*Message, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, newParseError(0, false, err)
	}

	d := &decoder{msg: buf, offset: HeaderSize}
	m := &Message{Header: h}

	m.Question = make([]Question, 0, h.QDCount)
	for i := 0; i < int(h.QDCount); i++ {
		q, err := d.question()
		if err != nil {
			return nil, newParseError(d.offset, true, fmt.Errorf("question %d: %w", i, err))
		}
		m.Question = append(m.Question, q)
	}

	m.Answer, err = d.section(int(h.ANCount))
	if err != nil {
		return nil, newParseError(d.offset, true, fmt.Errorf("answer: %w", err))
	}
	m.Authority, err = d.section(int(h.NSCount))
	if err != nil {
		return nil, newParseError(d.offset, true, fmt.Errorf("authority: %w", err))
	}
	m.Additional, err = d.section(int(h.ARCount))
	if err != nil {
		return nil, newParseError(d.offset, true, fmt.Errorf("additional: %w", err))
	}

	return m, nil
}

type decoder struct {
	msg    []byte
	offset int
}

func (d *decoder) question() (Question, error) {
	name, next, err := decodeName(d.msg, d.offset)
	if err != nil {
		return Question{}, err
	}
	d.offset = next
	if d.offset+4 > len(d.msg) {
		return Question{}, ErrMessageTooShort
	}
	q := Question{
		Name:  name,
		Type:  binary.BigEndian.Uint16(d.msg[d.offset : d.offset+2]),
		Class: binary.BigEndian.Uint16(d.msg[d.offset+2 : d.offset+4]),
	}
	d.offset += 4
	return q, nil
}

func (d *decoder) section(count int) ([]RR, error) {
	if count > maxRRsPerSection {
		return nil, fmt.Errorf("wire: section declares %d records, exceeds limit", count)
	}
	rrs := make([]RR, 0, count)
	sectionBytes := 0
	for i := 0; i < count; i++ {
		rr, size, err := d.rr()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		sectionBytes += size
		if sectionBytes > maxSectionBytes {
			return nil, fmt.Errorf("wire: section exceeds %d bytes", maxSectionBytes)
		}
		rrs = append(rrs, rr)
	}
	return rrs, nil
}

func (d *decoder) rr() (RR, int, error) {
	start := d.offset
	name, next, err := decodeName(d.msg, d.offset)
	if err != nil {
		return RR{}, 0, err
	}
	d.offset = next

	if d.offset+10 > len(d.msg) {
		return RR{}, 0, ErrMessageTooShort
	}
	rr := RR{
		Name:  name,
		Type:  binary.BigEndian.Uint16(d.msg[d.offset : d.offset+2]),
		Class: binary.BigEndian.Uint16(d.msg[d.offset+2 : d.offset+4]),
		TTL:   binary.BigEndian.Uint32(d.msg[d.offset+4 : d.offset+8]),
	}
	rdlen := binary.BigEndian.Uint16(d.msg[d.offset+8 : d.offset+10])
	rr.RawRDLen = rdlen
	d.offset += 10

	if d.offset+int(rdlen) > len(d.msg) {
		return RR{}, 0, ErrRDataOverrun
	}
	rdata := d.msg[d.offset : d.offset+int(rdlen)]
	parsed, err := decodeRData(rr.Type, d.msg, d.offset, rdata)
	if err != nil {
		return RR{}, 0, fmt.Errorf("rdata: %w", err)
	}
	rr.RData = parsed
	d.offset += int(rdlen)

	return rr, d.offset - start, nil
}

// decodeRData decodes rdata for the typed record kinds the core reasons
// about; names embedded in RDATA are decoded relative to msg/absOffset
// since they may carry compression pointers back into earlier sections.
func decodeRData(rtype uint16, msg []byte, absOffset int, rdata []byte) (RData, error) {
	switch rtype {
	case TypeA:
		if len(rdata) != 4 {
			return nil, ErrTruncatedRR
		}
		ip := make([]byte, 4)
		copy(ip, rdata)
		return ARecord{IP: ip}, nil
	case TypeAAAA:
		if len(rdata) != 16 {
			return nil, ErrTruncatedRR
		}
		ip := make([]byte, 16)
		copy(ip, rdata)
		return AAAARecord{IP: ip}, nil
	case TypeNS:
		name, _, err := decodeName(msg, absOffset)
		if err != nil {
			return nil, err
		}
		return NSRecord{Target: name}, nil
	case TypeCNAME:
		name, _, err := decodeName(msg, absOffset)
		if err != nil {
			return nil, err
		}
		return CNAMERecord{Target: name}, nil
	case TypeDNAME:
		name, _, err := decodeName(msg, absOffset)
		if err != nil {
			return nil, err
		}
		return DNAMERecord{Target: name}, nil
	case TypeSOA:
		mname, off1, err := decodeName(msg, absOffset)
		if err != nil {
			return nil, err
		}
		rname, off2, err := decodeName(msg, off1)
		if err != nil {
			return nil, err
		}
		if off2+20 > len(msg) {
			return nil, ErrTruncatedRR
		}
		return SOAData{
			MName:   mname,
			RName:   rname,
			Serial:  binary.BigEndian.Uint32(msg[off2 : off2+4]),
			Refresh: binary.BigEndian.Uint32(msg[off2+4 : off2+8]),
			Retry:   binary.BigEndian.Uint32(msg[off2+8 : off2+12]),
			Expire:  binary.BigEndian.Uint32(msg[off2+12 : off2+16]),
			Minimum: binary.BigEndian.Uint32(msg[off2+16 : off2+20]),
		}, nil
	case TypeMX:
		if len(rdata) < 2 {
			return nil, ErrTruncatedRR
		}
		pref := binary.BigEndian.Uint16(rdata[0:2])
		name, _, err := decodeName(msg, absOffset+2)
		if err != nil {
			return nil, err
		}
		return MXData{Preference: pref, Target: name}, nil
	case TypeTXT:
		var chunks [][]byte
		i := 0
		for i < len(rdata) {
			n := int(rdata[i])
			i++
			if i+n > len(rdata) {
				return nil, ErrTruncatedRR
			}
			chunk := make([]byte, n)
			copy(chunk, rdata[i:i+n])
			chunks = append(chunks, chunk)
			i += n
		}
		return TXTData{Chunks: chunks}, nil
	case TypeOPT:
		var opts []OPTOption
		i := 0
		for i < len(rdata) {
			if i+4 > len(rdata) {
				return nil, ErrTruncatedRR
			}
			code := binary.BigEndian.Uint16(rdata[i : i+2])
			optLen := int(binary.BigEndian.Uint16(rdata[i+2 : i+4]))
			i += 4
			if i+optLen > len(rdata) {
				return nil, ErrTruncatedRR
			}
			data := make([]byte, optLen)
			copy(data, rdata[i:i+optLen])
			opts = append(opts, OPTOption{Code: code, Data: data})
			i += optLen
		}
		return OPTData{Options: opts}, nil
	default:
		raw := make([]byte, len(rdata))
		copy(raw, rdata)
		return RawRData{Type: rtype, Raw: raw}, nil
	}
}

// Encode serializes m to wire bytes. If the result would exceed maxSize
// (e.g. the 512-octet UDP default, or the EDNS0-negotiated payload size),
// Encode drops straight to header-plus-question, setting Header.TC and
// re-encoding: §4.5 does not ask for the smallest reply that still fits,
// it asks for a truncated one, so there's no record-by-record trimming
// to get right or get wrong.
func (m *Message) Encode(maxSize int) ([]byte, error) {
	out, err := m.encodeFull()
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	if maxSize <= 0 || len(out) <= maxSize {
		return out, nil
	}

	trimmed := *m
	trimmed.Answer = nil
	trimmed.Authority = nil
	trimmed.Additional = nil
	trimmed.Header.TC = true
	out, err = trimmed.encodeFull()
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	return out, nil
}

func (m *Message) encodeFull() ([]byte, error) {
	e := newEncoder(512)

	hdr := m.Header
	hdr.QDCount = uint16(len(m.Question))
	hdr.ANCount = uint16(len(m.Answer))
	hdr.NSCount = uint16(len(m.Authority))
	hdr.ARCount = uint16(len(m.Additional))

	e.buf = e.buf[:HeaderSize]
	hdr.encode(e.buf)

	for _, q := range m.Question {
		if err := e.writeName(q.Name, true); err != nil {
			return nil, fmt.Errorf("question %q: %w", q.Name, err)
		}
		e.writeUint16(q.Type)
		e.writeUint16(q.Class)
	}

	for _, rrs := range [][]RR{m.Answer, m.Authority, m.Additional} {
		for _, rr := range rrs {
			if err := e.writeRR(rr); err != nil {
				return nil, err
			}
		}
	}

	return e.buf, nil
}

// writeRR appends one full RR, back-patching its RDLENGTH once the RDATA
// (which may itself grow via name compression) has been written.
func (e *encoder) writeRR(rr RR) error {
	if err := e.writeName(rr.Name, true); err != nil {
		return fmt.Errorf("rr %q: %w", rr.Name, err)
	}
	e.writeUint16(rr.Type)
	e.writeUint16(rr.Class)
	e.writeUint32(rr.TTL)

	rdlenAt := e.offset()
	e.writeUint16(0) // placeholder, patched below

	rdataStart := e.offset()
	if rr.RData != nil {
		if err := rr.RData.encode(e); err != nil {
			return fmt.Errorf("rr %q rdata: %w", rr.Name, err)
		}
	}
	rdlen := e.offset() - rdataStart
	binary.BigEndian.PutUint16(e.buf[rdlenAt:rdlenAt+2], uint16(rdlen))
	return nil
}
