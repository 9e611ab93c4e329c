package wire

import (
	"encoding/binary"
	"strings"
)

// encoder accumulates wire bytes and tracks previously written names for
// suffix compression, exactly as §4.1 requires: compression is optional,
// output must be wire-legal whether or not it is used.
type encoder struct {
	buf      []byte
	compress map[string]int // lowercase canonical suffix -> offset it starts at
}

func newEncoder(capacityHint int) *encoder {
	return &encoder{
		buf:      make([]byte, 0, capacityHint),
		compress: make(map[string]int, 16),
	}
}

func (e *encoder) offset() int { return len(e.buf) }

func (e *encoder) writeByte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) writeUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) writeUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) writeBytes(b []byte) { e.buf = append(e.buf, b...) }

// writeName writes name in wire form, using suffix compression against
// names already written in this message when compress is true. Offsets
// beyond the 14-bit pointer range are never registered as compression
// targets (and therefore never referenced), keeping the output legal even
// for very large messages.
func (e *encoder) writeName(name string, compress bool) error {
	labels, err := splitLabels(name)
	if err != nil {
		return err
	}

	for i := 0; i < len(labels); i++ {
		suffixKey := canonicalKey(labels[i:])
		if compress {
			if target, ok := e.compress[suffixKey]; ok {
				e.writeUint16(uint16(compressionPointer)<<8 | uint16(target))
				return nil
			}
		}
		if e.offset() <= 0x3FFF {
			e.compress[suffixKey] = e.offset()
		}
		e.writeByte(byte(len(labels[i])))
		e.writeBytes(labels[i])
	}
	e.writeByte(0)
	return nil
}

func canonicalKey(labels [][]byte) string {
	var sb strings.Builder
	for _, l := range labels {
		sb.WriteString(strings.ToLower(string(l)))
		sb.WriteByte(0)
	}
	return sb.String()
}
