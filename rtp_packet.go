package worker

import (
	"encoding/binary"
	"errors"
)

// MtuSize is the biggest datagram the worker sends or stores. Buffers handed
// to Clone and the retransmission storage are sized to it, with some slack
// for RTX encoding.
const MtuSize = 1500

const rtpFixedHeaderSize = 12

var (
	errRtpPacketTooShort  = errors.New("rtp packet too short")
	errNotRtp             = errors.New("not a rtp packet")
	errRtpPaddingBroken   = errors.New("rtp padding length exceeds payload")
	errShiftOutOfCapacity = errors.New("payload shift exceeds buffer capacity")
)

// IsRtp inspects the first bytes of a datagram. RTCP packet types occupy
// 192..223 in the second byte, everything else with version 2 is RTP
// (RFC 5761 demultiplexing).
func IsRtp(data []byte) bool {
	return len(data) >= rtpFixedHeaderSize &&
		data[0]>>6 == 2 &&
		!(data[1] >= 192 && data[1] <= 223)
}

// IsRtcp reports whether the datagram looks like a RTCP compound packet.
func IsRtcp(data []byte) bool {
	return len(data) >= 4 &&
		data[0]>>6 == 2 &&
		data[1] >= 192 && data[1] <= 223
}

// RtpPacket is a view over a single RTP packet. All setters mutate the
// underlying buffer in place; the buffer must have capacity beyond the packet
// length when the payload is expanded (VP8 picture id normalization, RTX).
type RtpPacket struct {
	buf           []byte
	csrcCount     int
	headerSize    int
	payloadLength int
	paddingLength int

	payloadDescriptorHandler PayloadDescriptorHandler
}

// ParseRtpPacket builds a packet view over data. The view keeps referencing
// data; it is not copied.
func ParseRtpPacket(data []byte) (*RtpPacket, error) {
	if len(data) < rtpFixedHeaderSize {
		return nil, errRtpPacketTooShort
	}
	if !IsRtp(data) {
		return nil, errNotRtp
	}

	csrcCount := int(data[0] & 0x0F)
	headerSize := rtpFixedHeaderSize + 4*csrcCount

	if len(data) < headerSize {
		return nil, errRtpPacketTooShort
	}

	// Header extension (RFC 3550 5.3.1).
	if data[0]&0x10 != 0 {
		if len(data) < headerSize+4 {
			return nil, errRtpPacketTooShort
		}
		extLength := 4 * int(binary.BigEndian.Uint16(data[headerSize+2:]))
		headerSize += 4 + extLength
		if len(data) < headerSize {
			return nil, errRtpPacketTooShort
		}
	}

	paddingLength := 0
	if data[0]&0x20 != 0 {
		paddingLength = int(data[len(data)-1])
		if paddingLength == 0 || headerSize+paddingLength > len(data) {
			return nil, errRtpPaddingBroken
		}
	}

	return &RtpPacket{
		buf:           data,
		csrcCount:     csrcCount,
		headerSize:    headerSize,
		payloadLength: len(data) - headerSize - paddingLength,
		paddingLength: paddingLength,
	}, nil
}

func (p *RtpPacket) GetData() []byte {
	return p.buf
}

func (p *RtpPacket) GetSize() int {
	return len(p.buf)
}

func (p *RtpPacket) GetPayloadType() byte {
	return p.buf[1] & 0x7F
}

func (p *RtpPacket) SetPayloadType(payloadType byte) {
	p.buf[1] = p.buf[1]&0x80 | payloadType&0x7F
}

func (p *RtpPacket) HasMarker() bool {
	return p.buf[1]&0x80 != 0
}

func (p *RtpPacket) SetMarker(marker bool) {
	if marker {
		p.buf[1] |= 0x80
	} else {
		p.buf[1] &^= 0x80
	}
}

func (p *RtpPacket) GetSequenceNumber() uint16 {
	return binary.BigEndian.Uint16(p.buf[2:])
}

func (p *RtpPacket) SetSequenceNumber(seq uint16) {
	binary.BigEndian.PutUint16(p.buf[2:], seq)
}

func (p *RtpPacket) GetTimestamp() uint32 {
	return binary.BigEndian.Uint32(p.buf[4:])
}

func (p *RtpPacket) SetTimestamp(timestamp uint32) {
	binary.BigEndian.PutUint32(p.buf[4:], timestamp)
}

func (p *RtpPacket) GetSsrc() uint32 {
	return binary.BigEndian.Uint32(p.buf[8:])
}

func (p *RtpPacket) SetSsrc(ssrc uint32) {
	binary.BigEndian.PutUint32(p.buf[8:], ssrc)
}

func (p *RtpPacket) GetCsrcs() []uint32 {
	csrcs := make([]uint32, p.csrcCount)
	for i := 0; i < p.csrcCount; i++ {
		csrcs[i] = binary.BigEndian.Uint32(p.buf[rtpFixedHeaderSize+4*i:])
	}
	return csrcs
}

func (p *RtpPacket) HasHeaderExtension() bool {
	return p.buf[0]&0x10 != 0
}

func (p *RtpPacket) GetHeaderSize() int {
	return p.headerSize
}

func (p *RtpPacket) GetPayload() []byte {
	return p.buf[p.headerSize : p.headerSize+p.payloadLength]
}

func (p *RtpPacket) GetPayloadLength() int {
	return p.payloadLength
}

// ShiftPayload grows (expand) or shrinks the payload region by delta bytes at
// the given offset within the payload, moving the trailing bytes. Padding, if
// any, is moved along with the tail.
func (p *RtpPacket) ShiftPayload(offset, delta int, expand bool) error {
	if delta == 0 {
		return nil
	}
	shiftAt := p.headerSize + offset
	tailLen := len(p.buf) - shiftAt

	if expand {
		if len(p.buf)+delta > cap(p.buf) {
			return errShiftOutOfCapacity
		}
		p.buf = p.buf[:len(p.buf)+delta]
		copy(p.buf[shiftAt+delta:], p.buf[shiftAt:shiftAt+tailLen])
		p.payloadLength += delta
	} else {
		copy(p.buf[shiftAt:], p.buf[shiftAt+delta:])
		p.buf = p.buf[:len(p.buf)-delta]
		p.payloadLength -= delta
	}
	return nil
}

// Clone copies header, payload and padding into buf and returns a new view
// over the copy. The descriptor handler is not carried over.
func (p *RtpPacket) Clone(buf []byte) *RtpPacket {
	size := len(p.buf)
	copy(buf[:size], p.buf)

	return &RtpPacket{
		buf:           buf[:size],
		csrcCount:     p.csrcCount,
		headerSize:    p.headerSize,
		payloadLength: p.payloadLength,
		paddingLength: p.paddingLength,
	}
}

// SetPayloadDescriptorHandler attaches the codec-specific payload handler
// created when the packet was ingested by a Producer.
func (p *RtpPacket) SetPayloadDescriptorHandler(handler PayloadDescriptorHandler) {
	p.payloadDescriptorHandler = handler
}

func (p *RtpPacket) GetPayloadDescriptorHandler() PayloadDescriptorHandler {
	return p.payloadDescriptorHandler
}

// IsKeyFrame reports whether the attached codec descriptor marks a key frame.
func (p *RtpPacket) IsKeyFrame() bool {
	return p.payloadDescriptorHandler != nil && p.payloadDescriptorHandler.IsKeyFrame()
}
