package worker

import (
	"github.com/go-logr/logr"
	"github.com/pion/rtcp"
)

// Endpoint is the external network primitive a Transport writes datagrams to.
// ICE/DTLS/SRTP live behind it; the worker core only multiplexes.
type Endpoint interface {
	Send(data []byte) error
}

// EndpointFunc adapts a function to the Endpoint interface.
type EndpointFunc func(data []byte) error

func (f EndpointFunc) Send(data []byte) error {
	return f(data)
}

// TransportListener is implemented by the owning Peer.
type TransportListener interface {
	OnTransportClosed(transport *Transport)
}

// DtlsParameters mirror what the controller negotiates for the external DTLS
// association.
type DtlsParameters struct {
	Role         string `json:"role,omitempty"`
	Fingerprints []struct {
		Algorithm string `json:"algorithm"`
		Value     string `json:"value"`
	} `json:"fingerprints,omitempty"`
}

// Transport owns one network endpoint and multiplexes RTP and RTCP over it:
// incoming RTP is routed to the owning Producer by SSRC, incoming RTCP
// feedback to the matching Consumer or Producer.
type Transport struct {
	logger   logr.Logger
	notifier *Notifier

	transportId uint32

	listeners []TransportListener

	endpoint Endpoint

	dtlsParameters *DtlsParameters

	// Incoming media SSRC (including RTX) to Producer.
	mapSsrcProducer map[uint32]*Producer
	// Outgoing media SSRC to Consumer, for RTCP feedback routing.
	mapSsrcConsumer map[uint32]*Consumer

	closed bool
}

func NewTransport(notifier *Notifier, transportId uint32) *Transport {
	return &Transport{
		logger:          NewLogger("Transport"),
		notifier:        notifier,
		transportId:     transportId,
		mapSsrcProducer: make(map[uint32]*Producer),
		mapSsrcConsumer: make(map[uint32]*Consumer),
	}
}

func (t *Transport) Id() uint32 {
	return t.transportId
}

func (t *Transport) AddListener(listener TransportListener) {
	t.listeners = append(t.listeners, listener)
}

// SetEndpoint injects the external socket. Until it is set, outgoing packets
// are dropped.
func (t *Transport) SetEndpoint(endpoint Endpoint) {
	t.endpoint = endpoint
}

// Close closes the Transport and notifies listeners and controller.
func (t *Transport) Close() {
	if t.closed {
		return
	}
	t.closed = true

	t.logger.V(1).Info("Close()", "transportId", t.transportId)

	for _, listener := range t.listeners {
		listener.OnTransportClosed(t)
	}

	t.notifier.Emit(t.transportId, "close", nil)
}

func (t *Transport) Closed() bool {
	return t.closed
}

// HandleRequest dispatches a control request targeting this Transport.
func (t *Transport) HandleRequest(request *Request) {
	switch request.Method {
	case "transport.dump":
		request.Accept(t.Dump())

	case "transport.setRemoteDtlsParameters":
		var data struct {
			DtlsParameters *DtlsParameters `json:"dtlsParameters"`
		}
		if err := request.UnmarshalData(&data); err != nil {
			request.Reject(err)
			return
		}
		if data.DtlsParameters == nil {
			request.Reject(NewProtocolError("missing data.dtlsParameters"))
			return
		}
		if data.DtlsParameters.Role != "" &&
			data.DtlsParameters.Role != "client" &&
			data.DtlsParameters.Role != "server" &&
			data.DtlsParameters.Role != "auto" {
			request.Reject(NewProtocolError("invalid data.dtlsParameters.role"))
			return
		}
		t.dtlsParameters = data.DtlsParameters
		request.Accept(H{"dtlsLocalRole": t.localDtlsRole()})

	default:
		request.Reject(NewProtocolError("unknown method %q", request.Method))
	}
}

func (t *Transport) localDtlsRole() string {
	if t.dtlsParameters == nil {
		return "auto"
	}
	switch t.dtlsParameters.Role {
	case "client":
		return "server"
	case "server":
		return "client"
	default:
		return "client"
	}
}

// TransportDump is the JSON shape of "transport.dump".
type TransportDump struct {
	TransportId   uint32   `json:"transportId"`
	ProducerSsrcs []uint32 `json:"producerSsrcs,omitempty"`
	ConsumerSsrcs []uint32 `json:"consumerSsrcs,omitempty"`
	DtlsRole      string   `json:"dtlsLocalRole"`
}

func (t *Transport) Dump() *TransportDump {
	dump := &TransportDump{
		TransportId: t.transportId,
		DtlsRole:    t.localDtlsRole(),
	}
	for ssrc := range t.mapSsrcProducer {
		dump.ProducerSsrcs = append(dump.ProducerSsrcs, ssrc)
	}
	for ssrc := range t.mapSsrcConsumer {
		dump.ConsumerSsrcs = append(dump.ConsumerSsrcs, ssrc)
	}
	return dump
}

// HandleProducer indexes the Producer's stream SSRCs (media and RTX) so
// incoming packets can be dispatched.
func (t *Transport) HandleProducer(producer *Producer) {
	params := producer.GetParameters()
	if params == nil {
		return
	}
	for _, encoding := range params.Encodings {
		if encoding.Ssrc != 0 {
			t.mapSsrcProducer[encoding.Ssrc] = producer
		}
		if encoding.Rtx != nil && encoding.Rtx.Ssrc != 0 {
			t.mapSsrcProducer[encoding.Rtx.Ssrc] = producer
		}
	}
}

// RemoveProducer drops every SSRC index entry pointing at the Producer.
func (t *Transport) RemoveProducer(producer *Producer) {
	for ssrc, p := range t.mapSsrcProducer {
		if p == producer {
			delete(t.mapSsrcProducer, ssrc)
		}
	}
}

// HandleConsumer indexes the Consumer's outgoing SSRC for RTCP feedback.
func (t *Transport) HandleConsumer(consumer *Consumer) {
	params := consumer.rtpParameters
	if params == nil {
		return
	}
	for _, encoding := range params.Encodings {
		if encoding.Ssrc != 0 {
			t.mapSsrcConsumer[encoding.Ssrc] = consumer
		}
	}
}

func (t *Transport) RemoveConsumer(consumer *Consumer) {
	for ssrc, c := range t.mapSsrcConsumer {
		if c == consumer {
			delete(t.mapSsrcConsumer, ssrc)
		}
	}
}

// ReceiveData ingests a datagram from the endpoint, demultiplexing RTP from
// RTCP (RFC 5761). Malformed packets are dropped silently.
func (t *Transport) ReceiveData(data []byte) {
	switch {
	case IsRtcp(data):
		t.receiveRtcpData(data)
	case IsRtp(data):
		t.receiveRtpData(data)
	default:
		t.logger.V(1).Info("ignoring unknown datagram", "len", len(data))
	}
}

func (t *Transport) receiveRtpData(data []byte) {
	packet, err := ParseRtpPacket(data)
	if err != nil {
		t.logger.V(1).Info("dropping invalid RTP packet", "error", err.Error())
		return
	}

	producer, ok := t.mapSsrcProducer[packet.GetSsrc()]
	if !ok {
		t.logger.V(1).Info("no producer for ssrc", "ssrc", packet.GetSsrc())
		return
	}

	producer.ReceiveRtpPacket(packet)
}

func (t *Transport) receiveRtcpData(data []byte) {
	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		t.logger.V(1).Info("dropping invalid RTCP compound", "error", err.Error())
		return
	}

	for _, packet := range packets {
		t.receiveRtcpPacket(packet)
	}
}

func (t *Transport) receiveRtcpPacket(packet rtcp.Packet) {
	switch pkt := packet.(type) {
	case *rtcp.SenderReport:
		if producer, ok := t.mapSsrcProducer[pkt.SSRC]; ok {
			producer.ReceiveRtcpSenderReport(pkt)
		}

	case *rtcp.ReceiverReport:
		for _, report := range pkt.Reports {
			if consumer, ok := t.mapSsrcConsumer[report.SSRC]; ok {
				consumer.ReceiveRtcpReceiverReport(report)
			}
		}

	case *rtcp.TransportLayerNack:
		if consumer, ok := t.mapSsrcConsumer[pkt.MediaSSRC]; ok {
			consumer.ReceiveNack(pkt)
		}

	case *rtcp.PictureLossIndication:
		if consumer, ok := t.mapSsrcConsumer[pkt.MediaSSRC]; ok {
			consumer.RequestFullFrame()
		}

	case *rtcp.FullIntraRequest:
		if consumer, ok := t.mapSsrcConsumer[pkt.MediaSSRC]; ok {
			consumer.RequestFullFrame()
		}

	case *rtcp.SourceDescription, *rtcp.Goodbye:
		// Informational, nothing to route.

	default:
		t.logger.V(1).Info("unhandled RTCP packet type")
	}
}

// SendRtpPacket writes a rewritten RTP packet to the endpoint.
func (t *Transport) SendRtpPacket(packet *RtpPacket) {
	if t.endpoint == nil {
		return
	}
	if err := t.endpoint.Send(packet.GetData()); err != nil {
		t.logger.V(1).Info("endpoint send failed", "error", err.Error())
	}
}

// SendRtcpPacket serializes and sends a single RTCP packet.
func (t *Transport) SendRtcpPacket(packet rtcp.Packet) {
	t.SendRtcpCompound([]rtcp.Packet{packet})
}

// SendRtcpCompound serializes and sends a compound RTCP packet.
func (t *Transport) SendRtcpCompound(packets []rtcp.Packet) {
	if t.endpoint == nil || len(packets) == 0 {
		return
	}
	data, err := rtcp.Marshal(packets)
	if err != nil {
		t.logger.Error(err, "failed to marshal RTCP compound")
		return
	}
	if err := t.endpoint.Send(data); err != nil {
		t.logger.V(1).Info("endpoint send failed", "error", err.Error())
	}
}

// SendRtcp builds and sends the scheduled RTCP for every Consumer and
// Producer attached to this Transport.
func (t *Transport) SendRtcp(nowMs int64) {
	var compound []rtcp.Packet

	seenConsumers := make(map[*Consumer]struct{})
	for _, consumer := range t.mapSsrcConsumer {
		if _, seen := seenConsumers[consumer]; seen {
			continue
		}
		seenConsumers[consumer] = struct{}{}
		compound = append(compound, consumer.GetRtcp(nowMs)...)
	}

	seenProducers := make(map[*Producer]struct{})
	for _, producer := range t.mapSsrcProducer {
		if _, seen := seenProducers[producer]; seen {
			continue
		}
		seenProducers[producer] = struct{}{}
		compound = append(compound, producer.GetRtcp(nowMs)...)
	}

	t.SendRtcpCompound(compound)
}
