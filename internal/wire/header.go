package wire

import "encoding/binary"

// HeaderSize is the fixed wire size of the DNS message header (RFC 1035 §4.1.1).
const HeaderSize = 12

// Opcode and Rcode values the core needs to test or set directly. The full
// IANA registries are intentionally not reproduced here.
const (
	OpcodeQuery  = 0
	OpcodeIQuery = 1
	OpcodeStatus = 2
	OpcodeNotify = 4
	OpcodeUpdate = 5
)

const (
	RcodeNoError  = 0
	RcodeFormErr  = 1
	RcodeServFail = 2
	RcodeNXDomain = 3
	RcodeNotImp   = 4
	RcodeRefused  = 5
	RcodeBadCookie = 23
)

// Header is the parsed form of the 12-byte DNS message header.
type Header struct {
	ID      uint16
	QR      bool
	Opcode  uint8
	AA      bool
	TC      bool
	RD      bool
	RA      bool
	Z       uint8
	Rcode   uint8
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrMessageTooShort
	}
	var h Header
	h.ID = binary.BigEndian.Uint16(buf[0:2])
	flags := binary.BigEndian.Uint16(buf[2:4])
	h.QR = flags&0x8000 != 0
	h.Opcode = uint8(flags>>11) & 0x0F
	h.AA = flags&0x0400 != 0
	h.TC = flags&0x0200 != 0
	h.RD = flags&0x0100 != 0
	h.RA = flags&0x0080 != 0
	h.Z = uint8(flags>>4) & 0x07
	h.Rcode = uint8(flags & 0x0F)
	h.QDCount = binary.BigEndian.Uint16(buf[4:6])
	h.ANCount = binary.BigEndian.Uint16(buf[6:8])
	h.NSCount = binary.BigEndian.Uint16(buf[8:10])
	h.ARCount = binary.BigEndian.Uint16(buf[10:12])
	return h, nil
}

func (h Header) encode(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], h.ID)

	var flags uint16
	if h.QR {
		flags |= 0x8000
	}
	flags |= uint16(h.Opcode&0x0F) << 11
	if h.AA {
		flags |= 0x0400
	}
	if h.TC {
		flags |= 0x0200
	}
	if h.RD {
		flags |= 0x0100
	}
	if h.RA {
		flags |= 0x0080
	}
	flags |= uint16(h.Z&0x07) << 4
	flags |= uint16(h.Rcode & 0x0F)
	binary.BigEndian.PutUint16(buf[2:4], flags)

	binary.BigEndian.PutUint16(buf[4:6], h.QDCount)
	binary.BigEndian.PutUint16(buf[6:8], h.ANCount)
	binary.BigEndian.PutUint16(buf[8:10], h.NSCount)
	binary.BigEndian.PutUint16(buf[10:12], h.ARCount)
}
