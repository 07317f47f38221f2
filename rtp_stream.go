package worker

import (
	"github.com/go-logr/logr"
)

// RtpStreamParams describe a single RTP stream (one SSRC).
type RtpStreamParams struct {
	Ssrc        uint32 `json:"ssrc"`
	PayloadType byte   `json:"payloadType"`
	MimeType    string `json:"mimeType"`
	ClockRate   int    `json:"clockRate"`
	UseNack     bool   `json:"useNack"`
	UsePli      bool   `json:"usePli"`
}

// RtpStream holds the sequence tracking shared by the send and receive sides
// (RFC 3550 appendix A.1).
type RtpStream struct {
	logger logr.Logger
	params RtpStreamParams

	started bool
	// Highest seq. number seen.
	maxSeq uint16
	// Shifted count of seq. number cycles.
	cycles uint32
	// Base seq number.
	baseSeq uint32
	// Last 'bad' seq number + 1.
	badSeq uint32
	// Highest timestamp seen.
	maxTimestamp uint32

	packetsCount uint32
}

const (
	maxDropout  = 3000
	maxMisorder = 100
	rtpSeqMod   = 1 << 16
)

func newRtpStream(params RtpStreamParams, logger logr.Logger) RtpStream {
	return RtpStream{
		logger: logger,
		params: params,
	}
}

func (s *RtpStream) GetParams() RtpStreamParams {
	return s.params
}

func (s *RtpStream) GetSsrc() uint32 {
	return s.params.Ssrc
}

func (s *RtpStream) GetMaxSeq() uint16 {
	return s.maxSeq
}

func (s *RtpStream) GetMaxTimestamp() uint32 {
	return s.maxTimestamp
}

// GetExtendedMaxSeq returns cycles + maxSeq as defined by RFC 3550.
func (s *RtpStream) GetExtendedMaxSeq() uint32 {
	return s.cycles + uint32(s.maxSeq)
}

func (s *RtpStream) initSeq(seq uint16) {
	s.baseSeq = uint32(seq)
	s.maxSeq = seq
	s.badSeq = rtpSeqMod + 1 // So seq == badSeq is false.
}

// updateSeq validates the sequence number progression, reporting false when
// the packet must be discarded (a very large jump, forward or beyond the
// misorder window backward, until the next sequential packet re-syncs).
func (s *RtpStream) updateSeq(packet *RtpPacket) bool {
	seq := packet.GetSequenceNumber()

	if !s.started {
		s.initSeq(seq)
		s.started = true
		s.maxSeq = seq - 1
	}

	udelta := seq - s.maxSeq

	switch {
	case udelta < maxDropout:
		// In order, with permissible gap.
		if seq < s.maxSeq {
			// Sequence number wrapped: count another 64K cycle.
			s.cycles += rtpSeqMod
		}
		s.maxSeq = seq

	case udelta <= rtpSeqMod-maxMisorder:
		// The sequence number made a very large jump.
		if uint32(seq) == s.badSeq {
			// Two sequential packets: assume the other side restarted without
			// telling us so just re-sync (i.e., pretend this was the first packet).
			s.logger.V(1).Info("bad sequence number, re-syncing RTP stream", "ssrc", s.params.Ssrc, "seq", seq)

			s.initSeq(seq)
			s.maxTimestamp = packet.GetTimestamp()
		} else {
			s.badSeq = uint32(seq+1) & (rtpSeqMod - 1)
			return false
		}

	default:
		// Duplicate or reordered packet.
	}

	return true
}

func (s *RtpStream) receivePacket(packet *RtpPacket) bool {
	if !s.updateSeq(packet) {
		s.logger.V(1).Info("invalid packet discarded", "ssrc", packet.GetSsrc(), "seq", packet.GetSequenceNumber())
		return false
	}

	s.packetsCount++

	if packet.GetTimestamp() > s.maxTimestamp {
		s.maxTimestamp = packet.GetTimestamp()
	}
	return true
}

// RtpDataCounter keeps cumulative packet/byte counters for one direction of a
// stream.
type RtpDataCounter struct {
	packets uint32
	bytes   uint64
}

func (c *RtpDataCounter) Update(packet *RtpPacket) {
	c.packets++
	c.bytes += uint64(packet.GetSize())
}

func (c *RtpDataCounter) GetPacketCount() uint32 {
	return c.packets
}

func (c *RtpDataCounter) GetBytes() uint64 {
	return c.bytes
}

func (c *RtpDataCounter) Reset() {
	c.packets = 0
	c.bytes = 0
}
