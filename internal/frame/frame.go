// Package frame encodes and decodes the fixed-size handshake frames exchanged
// between nodes. All byte offsets live here; the protocol engine works on the
// typed Frame only.
package frame

import (
	"errors"
	"fmt"
)

// Type identifies the handshake step a frame belongs to.
type Type byte

const (
	Beacon    Type = 1
	BeaconAck Type = 2
	Select    Type = 3
)

func (t Type) String() string {
	switch t {
	case Beacon:
		return "beacon"
	case BeaconAck:
		return "beacon-ack"
	case Select:
		return "select"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

const (
	// PayloadLen is the number of header+payload bytes after the length byte.
	PayloadLen = 7
	// FooterLen is the number of status bytes the transceiver appends on receive.
	FooterLen = 2
	// LengthByte is the value carried in the first byte of every frame.
	LengthByte = PayloadLen + FooterLen
	// TxSize is the number of bytes written to the transmit FIFO.
	TxSize = 1 + PayloadLen
	// RxSize is the number of bytes read from the receive FIFO per frame.
	RxSize = TxSize + FooterLen

	// Nack is the destination used for negative replies. It is never
	// assigned to a node.
	Nack byte = 255

	// CRCOK is the footer bit set by the transceiver when the checksum matched.
	CRCOK byte = 0x80
	// CorrelationMask selects the link-quality bits of the footer.
	CorrelationMask byte = 0x7f
)

// Byte offsets within the frame image.
const (
	offLength = iota
	offType
	offSrc
	offDst
	offSeq
	offTTL
	offData
	offGradient
	offRSSI
	offFooter
)

var (
	// ErrMalformedFrame is returned for short buffers or an out-of-range length byte.
	ErrMalformedFrame = errors.New("frame: malformed frame")
	// ErrBadChecksum is returned when the transceiver cleared the CRC-ok bit.
	ErrBadChecksum = errors.New("frame: bad checksum")
)

// Frame is one decoded handshake frame.
type Frame struct {
	Type     Type
	Src      byte
	Dst      byte
	Seq      byte
	TTL      byte
	Data     byte
	Gradient byte

	// Receive-only status filled in from the footer.
	RSSI        int8
	Correlation byte
	CRCOK       bool
}

// ValidLength reports whether b is an acceptable first byte of a frame
// being streamed from the receive FIFO.
func ValidLength(b byte) bool {
	return b > 0 && b < RxSize
}

// Encode returns the transmit image of f. The transceiver appends the
// footer itself.
func (f Frame) Encode() [TxSize]byte {
	var buf [TxSize]byte
	buf[offLength] = LengthByte
	buf[offType] = byte(f.Type)
	buf[offSrc] = f.Src
	buf[offDst] = f.Dst
	buf[offSeq] = f.Seq
	buf[offTTL] = f.TTL
	buf[offData] = f.Data
	buf[offGradient] = f.Gradient
	return buf
}

// Decode parses a received frame image. When the CRC-ok bit is clear the
// fields are still returned alongside ErrBadChecksum so that callers with
// checksum checking disabled can act on them. Decode does no type or
// destination filtering.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < RxSize {
		return Frame{}, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedFrame, len(buf), RxSize)
	}
	if !ValidLength(buf[offLength]) {
		return Frame{}, fmt.Errorf("%w: length byte %d", ErrMalformedFrame, buf[offLength])
	}

	footer := buf[offFooter]
	f := Frame{
		Type:        Type(buf[offType]),
		Src:         buf[offSrc],
		Dst:         buf[offDst],
		Seq:         buf[offSeq],
		TTL:         buf[offTTL],
		Data:        buf[offData],
		Gradient:    buf[offGradient],
		RSSI:        int8(buf[offRSSI]),
		Correlation: footer & CorrelationMask,
		CRCOK:       footer&CRCOK != 0,
	}
	if !f.CRCOK {
		return f, ErrBadChecksum
	}
	return f, nil
}

// AppendFooter returns the receive image a transceiver would produce for
// tx: the transmit bytes followed by the RSSI and footer bytes.
func AppendFooter(tx []byte, rssi int8, correlation byte, crcOK bool) []byte {
	out := make([]byte, 0, len(tx)+FooterLen)
	out = append(out, tx...)
	footer := correlation & CorrelationMask
	if crcOK {
		footer |= CRCOK
	}
	return append(out, byte(rssi), footer)
}

func (f Frame) String() string {
	return fmt.Sprintf("%s src=%d dst=%d seq=%d ttl=%d data=%d grad=%d",
		f.Type, f.Src, f.Dst, f.Seq, f.TTL, f.Data, f.Gradient)
}
