package worker

import (
	"strings"

	"github.com/go-logr/logr"
	"github.com/pion/rtcp"
)

// ProducerListener is implemented by the Peer, which relays most events up to
// the Room.
type ProducerListener interface {
	OnProducerClosed(producer *Producer)
	OnProducerParameters(producer *Producer) error
	OnProducerParametersDone(producer *Producer)
	OnProducerPaused(producer *Producer)
	OnProducerResumed(producer *Producer)
	OnProducerRtpPacket(producer *Producer, packet *RtpPacket, profile Profile)
}

// Producer receives one media stream from a participant: it demuxes incoming
// RTP into per-encoding receive streams, tags each packet with its simulcast
// profile and hands it to its listeners.
type Producer struct {
	logger   logr.Logger
	notifier *Notifier

	producerId uint32
	kind       MediaKind
	transport  *Transport

	listeners []ProducerListener

	rtpParameters *RtpParameters

	// Per-SSRC receive streams and their simulcast profiles.
	streams        map[uint32]*RtpStreamRecv
	mapSsrcProfile map[uint32]Profile
	// RID to profile, as announced in the encodings. Packets are matched to
	// streams and profiles by SSRC only; an encoding without an SSRC gets no
	// receive stream, so its packets are dropped.
	mapRidProfile map[string]Profile

	paused bool
	closed bool

	receivedCounter RtpDataCounter
}

func NewProducer(notifier *Notifier, producerId uint32, kind MediaKind, transport *Transport) *Producer {
	return &Producer{
		logger:         NewLogger("Producer"),
		notifier:       notifier,
		producerId:     producerId,
		kind:           kind,
		transport:      transport,
		streams:        make(map[uint32]*RtpStreamRecv),
		mapSsrcProfile: make(map[uint32]Profile),
		mapRidProfile:  make(map[string]Profile),
	}
}

func (p *Producer) Id() uint32 {
	return p.producerId
}

func (p *Producer) Kind() MediaKind {
	return p.kind
}

func (p *Producer) GetParameters() *RtpParameters {
	return p.rtpParameters
}

func (p *Producer) GetTransport() *Transport {
	return p.transport
}

func (p *Producer) IsPaused() bool {
	return p.paused
}

func (p *Producer) AddListener(listener ProducerListener) {
	p.listeners = append(p.listeners, listener)
}

// Close closes the Producer and notifies listeners and controller.
func (p *Producer) Close() {
	if p.closed {
		return
	}
	p.closed = true

	p.logger.V(1).Info("Close()", "producerId", p.producerId)

	for _, listener := range p.listeners {
		listener.OnProducerClosed(p)
	}

	p.notifier.Emit(p.producerId, "close", nil)
}

func (p *Producer) Closed() bool {
	return p.closed
}

// HandleRequest dispatches a control request targeting this Producer.
func (p *Producer) HandleRequest(request *Request) {
	switch request.Method {
	case "producer.dump":
		request.Accept(p.Dump())

	case "producer.receive":
		var data struct {
			RtpParameters *RtpParameters `json:"rtpParameters"`
		}
		if err := request.UnmarshalData(&data); err != nil {
			request.Reject(err)
			return
		}
		if data.RtpParameters == nil {
			request.Reject(NewProtocolError("missing data.rtpParameters"))
			return
		}
		if err := p.Receive(data.RtpParameters); err != nil {
			request.Reject(err)
			return
		}
		request.Accept(nil)

	case "producer.pause":
		p.Pause()
		request.Accept(nil)

	case "producer.resume":
		p.Resume()
		request.Accept(nil)

	default:
		request.Reject(NewProtocolError("unknown method %q", request.Method))
	}
}

// ProducerDump is the JSON shape of "producer.dump".
type ProducerDump struct {
	ProducerId    uint32            `json:"producerId"`
	Kind          MediaKind         `json:"kind"`
	RtpParameters *RtpParameters    `json:"rtpParameters,omitempty"`
	Paused        bool              `json:"paused"`
	RtpStreams    []RtpStreamParams `json:"rtpStreams,omitempty"`
}

func (p *Producer) Dump() *ProducerDump {
	dump := &ProducerDump{
		ProducerId:    p.producerId,
		Kind:          p.kind,
		RtpParameters: p.rtpParameters,
		Paused:        p.paused,
	}
	for _, stream := range p.streams {
		dump.RtpStreams = append(dump.RtpStreams, stream.GetParams())
	}
	return dump
}

// Receive sets (or updates) the RTP parameters of this Producer, creating one
// receive stream per encoding. The Room validates the codecs against its
// capabilities before anything is committed, and mirrors the Producer into
// Consumers afterwards.
func (p *Producer) Receive(rtpParameters *RtpParameters) error {
	if len(rtpParameters.Codecs) == 0 {
		return NewProtocolError("invalid empty rtpParameters.codecs")
	}

	hadParameters := p.rtpParameters != nil

	previousParameters := p.rtpParameters
	p.rtpParameters = rtpParameters

	// Let the Room check codec availability; on failure nothing changes.
	for _, listener := range p.listeners {
		if err := listener.OnProducerParameters(p); err != nil {
			p.rtpParameters = previousParameters
			return err
		}
	}

	p.streams = make(map[uint32]*RtpStreamRecv)
	p.mapSsrcProfile = make(map[uint32]Profile)
	p.mapRidProfile = make(map[string]Profile)

	for _, encoding := range rtpParameters.Encodings {
		profile := encoding.Profile
		if profile == Profile_None {
			profile = Profile_High
		}
		if encoding.Ssrc != 0 {
			p.createStream(encoding)
			p.mapSsrcProfile[encoding.Ssrc] = profile
		}
		if encoding.Rid != "" {
			p.mapRidProfile[encoding.Rid] = profile
		}
	}

	for _, listener := range p.listeners {
		listener.OnProducerParametersDone(p)
	}

	if hadParameters {
		p.logger.V(1).Info("parameters updated", "producerId", p.producerId)
	}

	return nil
}

func (p *Producer) createStream(encoding *RtpEncodingParameters) {
	codec := p.rtpParameters.GetCodecForEncoding(encoding)
	if codec == nil {
		return
	}

	useNack := false
	usePli := false
	for _, fb := range codec.RtcpFeedback {
		if fb.Type == "nack" && fb.Parameter == "" {
			useNack = true
		}
		if fb.Type == "nack" && fb.Parameter == "pli" {
			usePli = true
		}
	}

	params := RtpStreamParams{
		Ssrc:        encoding.Ssrc,
		PayloadType: codec.PayloadType,
		MimeType:    codec.MimeType,
		ClockRate:   codec.ClockRate,
		UseNack:     useNack,
		UsePli:      usePli,
	}

	p.streams[encoding.Ssrc] = NewRtpStreamRecv(params, p, p.logger)
}

func (p *Producer) Pause() {
	if p.paused {
		return
	}
	p.paused = true

	p.logger.V(1).Info("Producer paused", "producerId", p.producerId)

	p.notifier.Emit(p.producerId, "paused", nil)

	for _, listener := range p.listeners {
		listener.OnProducerPaused(p)
	}
}

func (p *Producer) Resume() {
	if !p.paused {
		return
	}
	p.paused = false

	p.logger.V(1).Info("Producer resumed", "producerId", p.producerId)

	p.notifier.Emit(p.producerId, "resumed", nil)

	for _, listener := range p.listeners {
		listener.OnProducerResumed(p)
	}
}

// ReceiveRtpPacket ingests a packet arriving at the owning Transport whose
// SSRC belongs to this Producer.
func (p *Producer) ReceiveRtpPacket(packet *RtpPacket) {
	stream, ok := p.streams[packet.GetSsrc()]
	if !ok {
		p.logger.V(1).Info("no stream for ssrc", "ssrc", packet.GetSsrc())
		return
	}

	// Codec descriptor parsing and normalization happens once per packet,
	// before any Consumer sees it.
	if strings.EqualFold(stream.GetParams().MimeType, "video/vp8") {
		Vp8ProcessRtpPacket(packet, p.logger)
	}

	if !stream.ReceivePacket(packet) {
		return
	}

	p.receivedCounter.Update(packet)

	if p.paused {
		return
	}

	profile := p.mapSsrcProfile[packet.GetSsrc()]

	for _, listener := range p.listeners {
		listener.OnProducerRtpPacket(p, packet, profile)
	}
}

// ReceiveRtcpSenderReport feeds an incoming SR into the matching stream.
func (p *Producer) ReceiveRtcpSenderReport(report *rtcp.SenderReport) {
	if stream, ok := p.streams[report.SSRC]; ok {
		stream.ReceiveRtcpSenderReport(report, nowMs())
	}
}

// RequestFullFrame asks every stream of this Producer for a key frame; the
// Room invokes it when a Consumer needs a decoder refresh.
func (p *Producer) RequestFullFrame() {
	for _, stream := range p.streams {
		stream.RequestKeyFrame()
	}
}

// GetRtcp appends one receiver report per stream.
func (p *Producer) GetRtcp(nowMs int64) []rtcp.Packet {
	if len(p.streams) == 0 {
		return nil
	}

	report := &rtcp.ReceiverReport{}
	for _, stream := range p.streams {
		report.Reports = append(report.Reports, stream.GetRtcpReceiverReport(nowMs))
	}
	return []rtcp.Packet{report}
}

// OnRtpStreamRecvNackRequired implements RtpStreamRecvListener: a gap was
// detected, NACK the sender through the owning Transport.
func (p *Producer) OnRtpStreamRecvNackRequired(stream *RtpStreamRecv, seqNumbers []uint16) {
	if p.transport == nil {
		return
	}

	nack := &rtcp.TransportLayerNack{
		MediaSSRC: stream.GetSsrc(),
		Nacks:     rtcp.NackPairsFromSequenceNumbers(seqNumbers),
	}
	p.transport.SendRtcpPacket(nack)
}

// OnRtpStreamRecvPliRequired implements RtpStreamRecvListener.
func (p *Producer) OnRtpStreamRecvPliRequired(stream *RtpStreamRecv) {
	if p.transport == nil {
		return
	}

	pli := &rtcp.PictureLossIndication{
		MediaSSRC: stream.GetSsrc(),
	}
	p.transport.SendRtcpPacket(pli)
}

// GetProfiles returns the simulcast tiers this Producer announces, ordered.
func (p *Producer) GetProfiles() []Profile {
	var profiles []Profile
	for _, profile := range p.mapSsrcProfile {
		profiles = insertProfile(profiles, profile)
	}
	for _, profile := range p.mapRidProfile {
		profiles = insertProfile(profiles, profile)
	}
	return profiles
}
