package worker

import (
	"github.com/go-logr/logr"
	"github.com/pion/rtcp"
)

// RtpStreamRecvListener is implemented by the owning Producer: NACKs and key
// frame requests generated here must travel upstream through its transport.
type RtpStreamRecvListener interface {
	OnRtpStreamRecvNackRequired(stream *RtpStreamRecv, seqNumbers []uint16)
	OnRtpStreamRecvPliRequired(stream *RtpStreamRecv)
}

// RtpStreamRecv is the receive side of a stream: loss accounting, jitter,
// NACK generation and receiver report production (RFC 3550 A.8, RFC 4585).
type RtpStreamRecv struct {
	RtpStream

	listener RtpStreamRecvListener

	// Jitter state.
	transit int32
	jitter  float64

	// Loss accounting snapshot for fraction-lost computation.
	expectedPrior uint32
	receivedPrior uint32
	totalLost     uint32

	// NACK generation.
	lastSeq uint16

	// Last SR info for DLSR.
	lastSrTimestamp  uint32
	lastSrReceivedMs int64

	receivedCounter RtpDataCounter
}

func NewRtpStreamRecv(params RtpStreamParams, listener RtpStreamRecvListener, logger logr.Logger) *RtpStreamRecv {
	return &RtpStreamRecv{
		RtpStream: newRtpStream(params, logger),
		listener:  listener,
	}
}

// ReceivePacket processes an incoming packet: stats, jitter and, when the
// stream negotiated NACK, gap detection.
func (s *RtpStreamRecv) ReceivePacket(packet *RtpPacket) bool {
	started := s.started
	previousSeq := s.maxSeq

	if !s.receivePacket(packet) {
		return false
	}

	s.calculateJitter(packet.GetTimestamp())
	s.receivedCounter.Update(packet)

	seq := packet.GetSequenceNumber()

	if s.params.UseNack && started && isSeqHigherThan(seq, previousSeq) {
		if gap := seq - previousSeq; gap > 1 && gap < maxNackGap {
			lost := make([]uint16, 0, gap-1)
			for missing := previousSeq + 1; missing != seq; missing++ {
				lost = append(lost, missing)
			}
			s.listener.OnRtpStreamRecvNackRequired(s, lost)
		}
	}
	s.lastSeq = seq

	return true
}

// maxNackGap bounds the burst of NACKed packets after a large jump; beyond it
// asking for a key frame is cheaper than recovering the hole.
const maxNackGap = 512

// RequestKeyFrame asks the sender for a full frame, if PLI was negotiated.
func (s *RtpStreamRecv) RequestKeyFrame() {
	if s.params.UsePli {
		s.listener.OnRtpStreamRecvPliRequired(s)
	}
}

func (s *RtpStreamRecv) calculateJitter(rtpTimestamp uint32) {
	if s.params.ClockRate == 0 {
		return
	}
	arrival := int32(nowMs() * int64(s.params.ClockRate) / 1000)
	transit := arrival - int32(rtpTimestamp)

	if s.transit != 0 {
		d := transit - s.transit
		if d < 0 {
			d = -d
		}
		s.jitter += (float64(d) - s.jitter) / 16
	}
	s.transit = transit
}

// GetRtcpReceiverReport builds a reception report block for this stream.
func (s *RtpStreamRecv) GetRtcpReceiverReport(nowMs int64) rtcp.ReceptionReport {
	expected := s.GetExtendedMaxSeq() - s.baseSeq + 1
	received := s.receivedCounter.GetPacketCount()

	var lost uint32
	if expected > received {
		lost = expected - received
	}
	s.totalLost = lost

	expectedInterval := expected - s.expectedPrior
	s.expectedPrior = expected
	receivedInterval := received - s.receivedPrior
	s.receivedPrior = received

	var fractionLost uint8
	if expectedInterval > receivedInterval && expectedInterval != 0 {
		lostInterval := expectedInterval - receivedInterval
		fractionLost = uint8(lostInterval << 8 / expectedInterval)
	}

	report := rtcp.ReceptionReport{
		SSRC:               s.params.Ssrc,
		FractionLost:       fractionLost,
		TotalLost:          lost,
		LastSequenceNumber: s.GetExtendedMaxSeq(),
		Jitter:             uint32(s.jitter),
	}

	if s.lastSrReceivedMs != 0 {
		// DLSR in 1/65536 seconds units.
		delayMs := nowMs - s.lastSrReceivedMs
		report.Delay = uint32(delayMs * 65536 / 1000)
		report.LastSenderReport = s.lastSrTimestamp
	}

	return report
}

// ReceiveRtcpSenderReport stores the compact NTP timestamp of a sender report
// so the next receiver report can fill LSR/DLSR.
func (s *RtpStreamRecv) ReceiveRtcpSenderReport(report *rtcp.SenderReport, nowMs int64) {
	s.lastSrTimestamp = uint32(report.NTPTime >> 16)
	s.lastSrReceivedMs = nowMs
}

func (s *RtpStreamRecv) GetJitter() float64 {
	return s.jitter
}

func (s *RtpStreamRecv) GetTotalLost() uint32 {
	return s.totalLost
}

func (s *RtpStreamRecv) GetReceivedCounter() *RtpDataCounter {
	return &s.receivedCounter
}
