package worker

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/pion/rtcp"
)

// retransmissionContainerSize bounds one NACK item response: 17 packets (the
// pid plus 16 bitmask bits) and a trailing nil sentinel.
const retransmissionContainerSize = 18

// rtxPayloadOffset is the room RtxEncode needs in front of the payload for
// the original sequence number.
const rtxPayloadOffset = 2

type storageItem struct {
	// Cloned packet.
	packet *RtpPacket
	// Memory to hold the cloned packet (with extra space for RTX encoding).
	store [MtuSize + 100]byte
	// Last time this packet was resent.
	resentAtMs int64
	// Number of times this packet was resent.
	sentTimes uint8
}

// RtpStreamSend is the send side of a stream: a retransmission ring, RTX
// encoding and sender report generation.
type RtpStreamSend struct {
	RtpStream

	// Ring of stored packets indexed by seq modulo the ring size.
	buffer []*storageItem

	hasRtx         bool
	rtxPayloadType byte
	rtxSsrc        uint32
	rtxSeq         uint16

	transmissionCounter RtpDataCounter

	// Stats fed by receiver reports.
	fractionLost      uint8
	packetsLost       uint32
	rtt               float64
	lastReportPackets uint32
}

// NewRtpStreamSend creates the send side of a stream. bufferSize is the
// retransmission ring depth: 0 disables storage (streams without NACK), video
// with NACK uses a deep ring.
func NewRtpStreamSend(params RtpStreamParams, bufferSize int, logger logr.Logger) *RtpStreamSend {
	stream := &RtpStreamSend{
		RtpStream: newRtpStream(params, logger),
		rtxSeq:    generateRandomUint16(0x00FF, 0xFFFF),
	}
	if bufferSize > 0 {
		stream.buffer = make([]*storageItem, bufferSize)
	}
	return stream
}

// SetRtx enables RTX encoding with the negotiated payload type and SSRC.
func (s *RtpStreamSend) SetRtx(payloadType byte, ssrc uint32) {
	s.hasRtx = true
	s.rtxPayloadType = payloadType
	s.rtxSsrc = ssrc
}

func (s *RtpStreamSend) HasRtx() bool {
	return s.hasRtx
}

// ReceivePacket processes a packet being sent through this stream, storing a
// copy for retransmission when the ring is enabled.
func (s *RtpStreamSend) ReceivePacket(packet *RtpPacket) bool {
	if !s.receivePacket(packet) {
		return false
	}

	if len(s.buffer) > 0 {
		s.storePacket(packet)
	}

	s.transmissionCounter.Update(packet)

	return true
}

func (s *RtpStreamSend) storePacket(packet *RtpPacket) {
	if packet.GetSize() > MtuSize {
		s.logger.V(1).Info("packet bigger than MTU, not stored", "ssrc", packet.GetSsrc(), "seq", packet.GetSequenceNumber())
		return
	}

	idx := int(packet.GetSequenceNumber()) % len(s.buffer)
	item := s.buffer[idx]
	if item == nil {
		item = &storageItem{}
		s.buffer[idx] = item
	}

	item.packet = packet.Clone(item.store[:])
	item.resentAtMs = 0
	item.sentTimes = 0
}

// RequestRtpRetransmission fills container with the stored packets matching
// seq and seq+i for each bit set in bitmask. A missing entry leaves a nil
// sentinel and terminates the response; the container's last slot is always
// nil.
func (s *RtpStreamSend) RequestRtpRetransmission(seq uint16, bitmask uint16, container []*RtpPacket) {
	for i := range container {
		container[i] = nil
	}
	if len(s.buffer) == 0 {
		return
	}

	requested := []uint16{seq}
	for bit := 0; bit < 16; bit++ {
		if bitmask&(1<<bit) != 0 {
			requested = append(requested, seq+1+uint16(bit))
		}
	}

	now := nowMs()
	filled := 0

	for _, wantedSeq := range requested {
		stored := s.lookupPacket(wantedSeq)
		if stored == nil {
			// Evicted or never stored: leave the nil sentinel and terminate
			// the response.
			break
		}

		stored.resentAtMs = now
		stored.sentTimes++

		container[filled] = stored.packet
		filled++
	}
}

func (s *RtpStreamSend) lookupPacket(seq uint16) *storageItem {
	item := s.buffer[int(seq)%len(s.buffer)]
	if item == nil || item.packet == nil || item.packet.GetSequenceNumber() != seq {
		return nil
	}
	return item
}

// RtxEncode converts packet into its RTX form in place: the original sequence
// number is prepended to the payload and SSRC/PT/seq are rewritten to the
// negotiated RTX values (RFC 4588).
func (s *RtpStreamSend) RtxEncode(packet *RtpPacket) {
	osn := packet.GetSequenceNumber()

	packet.ShiftPayload(0, rtxPayloadOffset, true)
	payload := packet.GetPayload()
	payload[0] = byte(osn >> 8)
	payload[1] = byte(osn)

	packet.SetSsrc(s.rtxSsrc)
	packet.SetPayloadType(s.rtxPayloadType)
	packet.SetSequenceNumber(s.rtxSeq)
	s.rtxSeq++
}

// ClearRetransmissionBuffer empties the ring. Called when the Consumer pauses
// or resyncs: stored packets would no longer match the emitted stream.
func (s *RtpStreamSend) ClearRetransmissionBuffer() {
	for i := range s.buffer {
		s.buffer[i] = nil
	}
}

// GetRtcpSenderReport returns a sender report, or nil if nothing was sent
// since the previous one.
func (s *RtpStreamSend) GetRtcpSenderReport(nowMs int64) *rtcp.SenderReport {
	if s.transmissionCounter.GetPacketCount() == s.lastReportPackets {
		return nil
	}
	s.lastReportPackets = s.transmissionCounter.GetPacketCount()

	now := time.UnixMilli(nowMs)

	return &rtcp.SenderReport{
		SSRC:        s.params.Ssrc,
		NTPTime:     toNtpTime(now),
		RTPTime:     s.maxTimestamp,
		PacketCount: s.transmissionCounter.GetPacketCount(),
		OctetCount:  uint32(s.transmissionCounter.GetBytes()),
	}
}

// ReceiveRtcpReceiverReport updates loss and RTT estimates from a remote
// reception report for this stream.
func (s *RtpStreamSend) ReceiveRtcpReceiverReport(report rtcp.ReceptionReport, nowMs int64) {
	s.fractionLost = report.FractionLost
	s.packetsLost = report.TotalLost

	// RFC 3550 6.4.1: RTT = now - LSR - DLSR, in 1/65536 seconds units.
	if report.LastSenderReport != 0 {
		now := time.UnixMilli(nowMs)
		compactNtp := uint32(toNtpTime(now) >> 16)
		if compactNtp > report.LastSenderReport+report.Delay {
			rttUnits := compactNtp - report.LastSenderReport - report.Delay
			s.rtt = float64(rttUnits>>16)*1000 + float64(rttUnits&0xFFFF)/65536*1000
		}
	}
}

func (s *RtpStreamSend) GetRtt() float64 {
	return s.rtt
}

func (s *RtpStreamSend) GetTransmissionCounter() *RtpDataCounter {
	return &s.transmissionCounter
}

// toNtpTime converts wallclock to the 64 bit NTP format used by RTCP.
func toNtpTime(t time.Time) uint64 {
	nsec := uint64(t.Sub(time.Unix(0, 0)))
	sec := nsec / uint64(time.Second)
	frac := (nsec % uint64(time.Second)) << 32 / uint64(time.Second)
	return (sec+2208988800)<<32 | frac
}
