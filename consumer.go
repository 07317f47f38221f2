package worker

import (
	"strings"

	"github.com/go-logr/logr"
	"github.com/pion/rtcp"
)

// ConsumerListener is implemented by the Room: close and full-frame requests
// travel through it so back-edges stay identity based.
type ConsumerListener interface {
	OnConsumerClosed(consumer *Consumer)
	OnConsumerFullFrameRequired(consumer *Consumer)
}

// Consumer forwards one media stream to one subscriber, rewriting sequence
// numbers, timestamps, SSRC and codec identifiers so the downstream receiver
// sees a single continuous stream across source pauses, parameter updates and
// profile switches.
type Consumer struct {
	logger   logr.Logger
	notifier *Notifier

	consumerId       uint32
	kind             MediaKind
	sourceProducerId uint32

	listeners []ConsumerListener

	transport     *Transport
	rtpParameters *RtpParameters
	rtpStream     *RtpStreamSend

	supportedCodecPayloadTypes map[byte]struct{}

	// Rewrite state.
	seqNum               uint16
	rtpTimestamp         uint32
	lastRecvSeqNum       uint16
	lastRecvRtpTimestamp uint32
	syncRequired         bool

	encodingContext EncodingContext

	paused       bool
	sourcePaused bool

	profiles         []Profile
	preferredProfile Profile
	effectiveProfile Profile

	// CNAME inherited from the source Producer, used when the controller's
	// rtpParameters carry none.
	sourceCname string

	maxRtcpIntervalMs int64
	lastRtcpSentTime  int64

	transmittedCounter   RtpDataCounter
	retransmittedCounter RtpDataCounter

	// Per-Consumer scratch, sized for one NACK item plus the nil sentinel.
	retransmissionContainer [retransmissionContainerSize]*RtpPacket
	// Per-Consumer RTX encoding buffer.
	rtxBuffer [MtuSize + 100]byte

	closed bool
}

func NewConsumer(notifier *Notifier, consumerId uint32, kind MediaKind, sourceProducerId uint32) *Consumer {
	consumer := &Consumer{
		logger:           NewLogger("Consumer"),
		notifier:         notifier,
		consumerId:       consumerId,
		kind:             kind,
		sourceProducerId: sourceProducerId,
		seqNum:           generateRandomUint16(0x00FF, 0xFFFF),
		syncRequired:     true,
		profiles:         []Profile{Profile_None},
		preferredProfile: Profile_None,
		effectiveProfile: Profile_None,
	}

	if kind == MediaKind_Audio {
		consumer.maxRtcpIntervalMs = maxAudioIntervalMs
	} else {
		consumer.maxRtcpIntervalMs = maxVideoIntervalMs
	}

	return consumer
}

func (c *Consumer) Id() uint32 {
	return c.consumerId
}

func (c *Consumer) Kind() MediaKind {
	return c.kind
}

func (c *Consumer) SourceProducerId() uint32 {
	return c.sourceProducerId
}

func (c *Consumer) AddListener(listener ConsumerListener) {
	c.listeners = append(c.listeners, listener)
}

func (c *Consumer) IsEnabled() bool {
	return c.transport != nil
}

func (c *Consumer) IsPaused() bool {
	return c.paused || c.sourcePaused
}

func (c *Consumer) GetEffectiveProfile() Profile {
	return c.effectiveProfile
}

func (c *Consumer) GetPreferredProfile() Profile {
	return c.preferredProfile
}

// Close closes the Consumer, notifying the listeners and the controller.
func (c *Consumer) Close() {
	if c.closed {
		return
	}
	c.closed = true

	c.logger.V(1).Info("Close()", "consumerId", c.consumerId)

	for _, listener := range c.listeners {
		listener.OnConsumerClosed(c)
	}

	c.notifier.Emit(c.consumerId, "close", nil)
}

func (c *Consumer) Closed() bool {
	return c.closed
}

// HandleRequest dispatches a control request targeting this Consumer.
func (c *Consumer) HandleRequest(request *Request) {
	switch request.Method {
	case "consumer.dump":
		request.Accept(c.Dump())

	case "consumer.pause":
		c.Pause()
		request.Accept(nil)

	case "consumer.resume":
		c.Resume()
		request.Accept(nil)

	case "consumer.setPreferredProfile":
		var data struct {
			Profile *Profile `json:"profile"`
		}
		if err := request.UnmarshalData(&data); err != nil {
			request.Reject(err)
			return
		}
		if data.Profile == nil {
			request.Reject(NewProtocolError("missing data.profile"))
			return
		}
		c.SetPreferredProfile(*data.Profile)
		request.Accept(nil)

	default:
		request.Reject(NewProtocolError("unknown method %q", request.Method))
	}
}

// ConsumerDump is the JSON shape of "consumer.dump".
type ConsumerDump struct {
	ConsumerId       uint32           `json:"consumerId"`
	Kind             MediaKind        `json:"kind"`
	SourceProducerId uint32           `json:"sourceProducerId"`
	RtpParameters    *RtpParameters   `json:"rtpParameters,omitempty"`
	RtpStream        *RtpStreamParams `json:"rtpStream,omitempty"`
	Paused           bool             `json:"paused"`
	SourcePaused     bool             `json:"sourcePaused"`
	PreferredProfile string           `json:"preferredProfile"`
	EffectiveProfile string           `json:"effectiveProfile"`

	TransmittedPackets   uint32 `json:"transmittedPackets"`
	TransmittedBytes     uint64 `json:"transmittedBytes"`
	RetransmittedPackets uint32 `json:"retransmittedPackets"`
	RetransmittedBytes   uint64 `json:"retransmittedBytes"`
}

func (c *Consumer) Dump() *ConsumerDump {
	dump := &ConsumerDump{
		ConsumerId:       c.consumerId,
		Kind:             c.kind,
		SourceProducerId: c.sourceProducerId,
		Paused:           c.paused,
		SourcePaused:     c.sourcePaused,
		PreferredProfile: c.preferredProfile.String(),
		EffectiveProfile: c.effectiveProfile.String(),

		TransmittedPackets:   c.transmittedCounter.GetPacketCount(),
		TransmittedBytes:     c.transmittedCounter.GetBytes(),
		RetransmittedPackets: c.retransmittedCounter.GetPacketCount(),
		RetransmittedBytes:   c.retransmittedCounter.GetBytes(),
	}
	if c.IsEnabled() {
		dump.RtpParameters = c.rtpParameters
	}
	if c.rtpStream != nil {
		params := c.rtpStream.GetParams()
		dump.RtpStream = &params
	}
	return dump
}

// Enable assigns a Transport and the sending RTP parameters. The parameters
// must carry a single encoding with a non zero SSRC.
func (c *Consumer) Enable(transport *Transport, rtpParameters *RtpParameters) error {
	if len(rtpParameters.Encodings) == 0 {
		return NewProtocolError("invalid empty rtpParameters.encodings")
	}
	if rtpParameters.Encodings[0].Ssrc == 0 {
		return NewProtocolError("missing rtpParameters.encodings[0].ssrc")
	}

	if c.IsEnabled() {
		c.Disable()
	}

	c.transport = transport
	c.rtpParameters = rtpParameters

	c.supportedCodecPayloadTypes = make(map[byte]struct{})
	for _, codec := range rtpParameters.Codecs {
		c.supportedCodecPayloadTypes[codec.PayloadType] = struct{}{}
	}

	c.createRtpStream(rtpParameters.Encodings[0])

	c.logger.V(1).Info("Consumer enabled", "consumerId", c.consumerId)

	return nil
}

// Disable detaches the Consumer from its Transport, dropping the stream and
// the counters.
func (c *Consumer) Disable() {
	c.transport = nil
	c.supportedCodecPayloadTypes = nil
	c.rtpStream = nil
	c.encodingContext = nil

	c.lastRtcpSentTime = 0
	c.transmittedCounter.Reset()
	c.retransmittedCounter.Reset()
}

func (c *Consumer) Pause() {
	if c.paused {
		return
	}
	c.paused = true

	c.logger.V(1).Info("Consumer paused", "consumerId", c.consumerId)

	if c.IsEnabled() && !c.sourcePaused {
		c.rtpStream.ClearRetransmissionBuffer()
	}
}

func (c *Consumer) Resume() {
	if !c.paused {
		return
	}
	c.paused = false

	c.logger.V(1).Info("Consumer resumed", "consumerId", c.consumerId)

	if c.IsEnabled() && !c.sourcePaused {
		c.RequestFullFrame()
	}
}

func (c *Consumer) SourcePause() {
	if c.sourcePaused {
		return
	}
	c.sourcePaused = true

	c.notifier.Emit(c.consumerId, "sourcepaused", nil)

	if c.IsEnabled() && !c.paused {
		c.rtpStream.ClearRetransmissionBuffer()
	}
}

func (c *Consumer) SourceResume() {
	if !c.sourcePaused {
		return
	}
	c.sourcePaused = false

	c.notifier.Emit(c.consumerId, "sourceresumed", nil)

	if c.IsEnabled() && !c.paused {
		c.RequestFullFrame()
	}
}

// SourceRtpParametersUpdated resyncs the rewrite state after the source
// Producer renegotiated its parameters.
func (c *Consumer) SourceRtpParametersUpdated() {
	if !c.IsEnabled() {
		return
	}
	c.syncRequired = true
	c.rtpStream.ClearRetransmissionBuffer()
}

// AddProfile makes a source simulcast tier available to this Consumer.
func (c *Consumer) AddProfile(profile Profile) {
	// The NONE sentinel leaves the set with the first real profile.
	if len(c.profiles) == 1 && c.profiles[0] == Profile_None {
		c.profiles = c.profiles[:0]
	}

	c.profiles = insertProfile(c.profiles, profile)

	c.logger.V(1).Info("profile added", "profile", profile.String())

	c.RecalculateEffectiveProfile()
}

func (c *Consumer) RemoveProfile(profile Profile) {
	c.profiles = removeProfile(c.profiles, profile)

	c.logger.V(1).Info("profile removed", "profile", profile.String())

	c.RecalculateEffectiveProfile()
}

func (c *Consumer) SetPreferredProfile(profile Profile) {
	if c.preferredProfile == profile {
		return
	}
	c.preferredProfile = profile

	c.RecalculateEffectiveProfile()
}

// RecalculateEffectiveProfile selects the tier actually forwarded: the best
// available one, bounded by the preferred profile when set. A change resyncs
// the rewrite state and requests a full frame.
func (c *Consumer) RecalculateEffectiveProfile() {
	if len(c.profiles) == 0 {
		return
	}

	var newProfile Profile

	if c.preferredProfile == Profile_None {
		newProfile = c.profiles[len(c.profiles)-1]
	} else {
		newProfile = c.profiles[0]
		for _, profile := range c.profiles {
			if profile <= c.preferredProfile {
				newProfile = profile
			}
		}
	}

	if newProfile == c.effectiveProfile {
		return
	}

	c.effectiveProfile = newProfile

	c.logger.V(1).Info("new effective profile", "profile", c.effectiveProfile.String())

	c.notifier.Emit(c.consumerId, "effectiveprofilechange", H{
		"profile": c.effectiveProfile.String(),
	})

	if c.IsEnabled() && !c.IsPaused() {
		c.rtpStream.ClearRetransmissionBuffer()
		c.RequestFullFrame()
	}

	c.syncRequired = true
}

// SendRtpPacket forwards a packet from the source Producer, rewriting it in
// place and restoring it afterwards so sibling Consumers can reuse it.
func (c *Consumer) SendRtpPacket(packet *RtpPacket, profile Profile) {
	if !c.IsEnabled() || c.IsPaused() {
		return
	}

	// This may happen when this Consumer supports just some codecs of those
	// in the corresponding Producer.
	if _, ok := c.supportedCodecPayloadTypes[packet.GetPayloadType()]; !ok {
		c.logger.V(1).Info("payload type not supported", "payloadType", packet.GetPayloadType())
		return
	}

	// If the packet belongs to a different profile than the one being sent,
	// drop it. Simulcast switches happen per whole encoding here.
	if profile != c.effectiveProfile {
		return
	}

	if c.syncRequired {
		c.seqNum++

		now := uint32(nowMs())
		if now > c.rtpTimestamp {
			c.rtpTimestamp = now
		}

		if c.encodingContext != nil {
			c.encodingContext.SetSyncRequired()
		}

		c.syncRequired = false
	} else {
		c.seqNum += packet.GetSequenceNumber() - c.lastRecvSeqNum
		c.rtpTimestamp += packet.GetTimestamp() - c.lastRecvRtpTimestamp
	}

	c.lastRecvSeqNum = packet.GetSequenceNumber()
	c.lastRecvRtpTimestamp = packet.GetTimestamp()

	ssrc := packet.GetSsrc()

	packet.SetSsrc(c.rtpParameters.Encodings[0].Ssrc)
	packet.SetSequenceNumber(c.seqNum)
	packet.SetTimestamp(c.rtpTimestamp)

	// Let the codec handler rewrite the payload in place.
	if handler := packet.GetPayloadDescriptorHandler(); handler != nil && c.encodingContext != nil {
		if !handler.Process(c.encodingContext, packet.GetPayload()) {
			// Undo the stream rewrite: this packet never happened.
			c.seqNum--
			packet.SetSsrc(ssrc)
			packet.SetSequenceNumber(c.lastRecvSeqNum)
			packet.SetTimestamp(c.lastRecvRtpTimestamp)
			return
		}
	}

	if c.rtpStream.ReceivePacket(packet) {
		c.transport.SendRtpPacket(packet)
		c.transmittedCounter.Update(packet)
	} else {
		c.logger.V(1).Info("rtpStream rejected packet", "ssrc", ssrc, "seq", c.lastRecvSeqNum)
	}

	// Restore the packet for the sibling Consumers.
	if handler := packet.GetPayloadDescriptorHandler(); handler != nil && c.encodingContext != nil {
		handler.Restore(packet.GetPayload())
	}
	packet.SetSsrc(ssrc)
	packet.SetSequenceNumber(c.lastRecvSeqNum)
	packet.SetTimestamp(c.lastRecvRtpTimestamp)
}

// ReceiveNack handles a downstream NACK, retransmitting the requested
// packets still present in the ring.
func (c *Consumer) ReceiveNack(nackPacket *rtcp.TransportLayerNack) {
	if !c.IsEnabled() {
		return
	}

	for _, item := range nackPacket.Nacks {
		c.rtpStream.RequestRtpRetransmission(
			item.PacketID, uint16(item.LostPackets), c.retransmissionContainer[:])

		for _, packet := range c.retransmissionContainer {
			if packet == nil {
				break
			}
			c.RetransmitRtpPacket(packet)
		}
	}
}

// ReceiveRtcpReceiverReport feeds a downstream reception report into the
// stream stats.
func (c *Consumer) ReceiveRtcpReceiverReport(report rtcp.ReceptionReport) {
	if !c.IsEnabled() {
		return
	}
	c.rtpStream.ReceiveRtcpReceiverReport(report, nowMs())
}

// RetransmitRtpPacket resends a stored packet, RTX encoded when negotiated.
func (c *Consumer) RetransmitRtpPacket(packet *RtpPacket) {
	if !c.IsEnabled() {
		return
	}

	rtxPacket := packet

	if c.rtpStream.HasRtx() {
		rtxPacket = packet.Clone(c.rtxBuffer[:])
		c.rtpStream.RtxEncode(rtxPacket)

		c.logger.V(1).Info("sending rtx packet",
			"ssrc", rtxPacket.GetSsrc(), "seq", rtxPacket.GetSequenceNumber(),
			"recovering ssrc", packet.GetSsrc(), "recovering seq", packet.GetSequenceNumber())
	} else {
		c.logger.V(1).Info("retransmitting packet",
			"ssrc", rtxPacket.GetSsrc(), "seq", rtxPacket.GetSequenceNumber())
	}

	c.retransmittedCounter.Update(rtxPacket)
	c.transport.SendRtpPacket(rtxPacket)
}

// GetRtcp appends this Consumer's sender report and SDES chunk to the
// compound packet being built for its Transport, honoring the nominal
// reporting interval.
func (c *Consumer) GetRtcp(nowMs int64) []rtcp.Packet {
	if !c.IsEnabled() {
		return nil
	}

	if float64(nowMs-c.lastRtcpSentTime)*1.15 < float64(c.maxRtcpIntervalMs) {
		return nil
	}

	report := c.rtpStream.GetRtcpSenderReport(nowMs)
	if report == nil {
		return nil
	}

	ssrc := c.rtpParameters.Encodings[0].Ssrc
	report.SSRC = ssrc

	cname := c.rtpParameters.Rtcp.Cname
	if cname == "" {
		cname = c.sourceCname
	}

	sdes := &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{
			Source: ssrc,
			Items: []rtcp.SourceDescriptionItem{{
				Type: rtcp.SDESCNAME,
				Text: cname,
			}},
		}},
	}

	c.lastRtcpSentTime = nowMs

	return []rtcp.Packet{report, sdes}
}

// RequestFullFrame asks the source for a decoder refresh; meaningless for
// audio or while paused.
func (c *Consumer) RequestFullFrame() {
	if !c.IsEnabled() {
		return
	}
	if c.kind == MediaKind_Audio || c.IsPaused() {
		return
	}
	for _, listener := range c.listeners {
		listener.OnConsumerFullFrameRequired(c)
	}
}

func (c *Consumer) createRtpStream(encoding *RtpEncodingParameters) {
	codec := c.rtpParameters.GetCodecForEncoding(encoding)

	useNack := false
	usePli := false

	for _, fb := range codec.RtcpFeedback {
		if !useNack && fb.Type == "nack" && fb.Parameter == "" {
			c.logger.V(1).Info("NACK supported")
			useNack = true
		}
		if !usePli && fb.Type == "nack" && fb.Parameter == "pli" {
			c.logger.V(1).Info("PLI supported")
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

	bufferSize := 0
	if useNack {
		bufferSize = sendBufferSizeVideo
		if c.kind == MediaKind_Audio {
			bufferSize = sendBufferSizeAudio
		}
	}

	c.rtpStream = NewRtpStreamSend(params, bufferSize, c.logger)

	if encoding.Rtx != nil && encoding.Rtx.Ssrc != 0 {
		if rtxCodec := c.rtpParameters.GetRtxCodecForEncoding(encoding); rtxCodec != nil {
			c.rtpStream.SetRtx(rtxCodec.PayloadType, encoding.Rtx.Ssrc)
		}
	}

	if strings.EqualFold(codec.MimeType, "video/vp8") {
		c.encodingContext = NewVp8EncodingContext(maxTemporalLayer)
	}
}

const (
	maxAudioIntervalMs int64 = 5000
	maxVideoIntervalMs int64 = 1000

	sendBufferSizeVideo = 750
	sendBufferSizeAudio = 200
)

func insertProfile(profiles []Profile, profile Profile) []Profile {
	for i, p := range profiles {
		if p == profile {
			return profiles
		}
		if p > profile {
			profiles = append(profiles, 0)
			copy(profiles[i+1:], profiles[i:])
			profiles[i] = profile
			return profiles
		}
	}
	return append(profiles, profile)
}

func removeProfile(profiles []Profile, profile Profile) []Profile {
	for i, p := range profiles {
		if p == profile {
			return append(profiles[:i], profiles[i+1:]...)
		}
	}
	return profiles
}
