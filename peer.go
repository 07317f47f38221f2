package worker

import (
	"github.com/go-logr/logr"
)

// PeerListener is implemented by the Room.
type PeerListener interface {
	OnPeerClosed(peer *Peer)
	OnPeerCapabilities(peer *Peer)
	OnPeerProducerParameters(peer *Peer, producer *Producer) error
	OnPeerProducerParametersDone(peer *Peer, producer *Producer)
	OnPeerProducerClosed(peer *Peer, producer *Producer)
	OnPeerProducerPaused(peer *Peer, producer *Producer)
	OnPeerProducerResumed(peer *Peer, producer *Producer)
	OnPeerProducerRtpPacket(peer *Peer, producer *Producer, packet *RtpPacket, profile Profile)
}

// Peer is a participant: it owns Transports, Producers and the Consumers
// mirroring other participants' Producers, plus its RTP capabilities.
type Peer struct {
	logger   logr.Logger
	notifier *Notifier

	peerId   uint32
	peerName string

	listener PeerListener

	capabilities    *RtpCapabilities
	hasCapabilities bool

	transports map[uint32]*Transport
	producers  map[uint32]*Producer
	consumers  map[uint32]*Consumer

	closed bool
}

func NewPeer(listener PeerListener, notifier *Notifier, peerId uint32, peerName string) *Peer {
	return &Peer{
		logger:     NewLogger("Peer"),
		notifier:   notifier,
		peerId:     peerId,
		peerName:   peerName,
		listener:   listener,
		transports: make(map[uint32]*Transport),
		producers:  make(map[uint32]*Producer),
		consumers:  make(map[uint32]*Consumer),
	}
}

func (p *Peer) Id() uint32 {
	return p.peerId
}

func (p *Peer) Name() string {
	return p.peerName
}

func (p *Peer) HasCapabilities() bool {
	return p.hasCapabilities
}

func (p *Peer) GetCapabilities() *RtpCapabilities {
	return p.capabilities
}

// GetProducers returns the Peer's Producers in unspecified order.
func (p *Peer) GetProducers() []*Producer {
	producers := make([]*Producer, 0, len(p.producers))
	for _, producer := range p.producers {
		producers = append(producers, producer)
	}
	return producers
}

// AddConsumer attaches a Consumer mirroring another Peer's Producer.
func (p *Peer) AddConsumer(consumer *Consumer) {
	p.consumers[consumer.Id()] = consumer

	p.notifier.Emit(p.peerId, "newconsumer", H{
		"consumerId":       consumer.Id(),
		"kind":             consumer.Kind(),
		"sourceProducerId": consumer.SourceProducerId(),
	})
}

// RemoveConsumer forgets a closed Consumer. Called by the Room, which owns
// close propagation.
func (p *Peer) RemoveConsumer(consumer *Consumer) {
	delete(p.consumers, consumer.Id())

	for _, transport := range p.transports {
		transport.RemoveConsumer(consumer)
	}
}

// Close closes all children synchronously, then notifies.
func (p *Peer) Close() {
	if p.closed {
		return
	}
	p.closed = true

	p.logger.V(1).Info("Close()", "peerId", p.peerId)

	// Consumers first: their close must not find a dangling transport.
	for _, consumer := range snapshotMap(p.consumers) {
		consumer.Close()
	}
	p.consumers = make(map[uint32]*Consumer)

	for _, producer := range snapshotMap(p.producers) {
		producer.Close()
	}
	p.producers = make(map[uint32]*Producer)

	for _, transport := range snapshotMap(p.transports) {
		transport.Close()
	}
	p.transports = make(map[uint32]*Transport)

	p.notifier.Emit(p.peerId, "close", nil)

	p.listener.OnPeerClosed(p)
}

func (p *Peer) Closed() bool {
	return p.closed
}

// PeerDump is the JSON shape of "peer.dump".
type PeerDump struct {
	PeerId       uint32           `json:"peerId"`
	PeerName     string           `json:"peerName"`
	Capabilities *RtpCapabilities `json:"capabilities,omitempty"`
	Transports   []*TransportDump `json:"transports,omitempty"`
	Producers    []*ProducerDump  `json:"producers,omitempty"`
	Consumers    []*ConsumerDump  `json:"consumers,omitempty"`
}

func (p *Peer) Dump() *PeerDump {
	dump := &PeerDump{
		PeerId:       p.peerId,
		PeerName:     p.peerName,
		Capabilities: p.capabilities,
	}
	for _, transport := range p.transports {
		dump.Transports = append(dump.Transports, transport.Dump())
	}
	for _, producer := range p.producers {
		dump.Producers = append(dump.Producers, producer.Dump())
	}
	for _, consumer := range p.consumers {
		dump.Consumers = append(dump.Consumers, consumer.Dump())
	}
	return dump
}

// HandleRequest routes a request that names this Peer in its internal ids.
func (p *Peer) HandleRequest(request *Request) {
	switch request.Method {
	case "peer.close":
		p.Close()
		request.Accept(nil)

	case "peer.dump":
		request.Accept(p.Dump())

	case "peer.setCapabilities":
		var capabilities RtpCapabilities
		if err := request.UnmarshalData(&capabilities); err != nil {
			request.Reject(err)
			return
		}
		if err := p.SetCapabilities(&capabilities); err != nil {
			request.Reject(err)
			return
		}
		request.Accept(p.capabilities)

	case "peer.createTransport":
		p.handleCreateTransport(request)

	case "peer.createProducer":
		p.handleCreateProducer(request)

	case "transport.close", "transport.dump", "transport.setRemoteDtlsParameters":
		transport, err := p.transportFromRequest(request)
		if err != nil {
			request.Reject(err)
			return
		}
		if request.Method == "transport.close" {
			transport.Close()
			request.Accept(nil)
			return
		}
		transport.HandleRequest(request)

	case "producer.close", "producer.dump", "producer.receive", "producer.pause", "producer.resume":
		producer, err := p.producerFromRequest(request)
		if err != nil {
			request.Reject(err)
			return
		}
		if request.Method == "producer.close" {
			producer.Close()
			request.Accept(nil)
			return
		}
		producer.HandleRequest(request)

		// A successful "producer.receive" (re)binds the transport SSRC table.
		if request.Method == "producer.receive" && request.Accepted() {
			if transport := producer.GetTransport(); transport != nil {
				transport.RemoveProducer(producer)
				transport.HandleProducer(producer)
			}
		}

	case "consumer.dump", "consumer.enable", "consumer.pause", "consumer.resume", "consumer.setPreferredProfile":
		consumer, err := p.consumerFromRequest(request)
		if err != nil {
			request.Reject(err)
			return
		}
		if request.Method == "consumer.enable" {
			p.handleEnableConsumer(request, consumer)
			return
		}
		consumer.HandleRequest(request)

	default:
		request.Reject(NewProtocolError("unknown method %q", request.Method))
	}
}

// SetCapabilities freezes the Peer's RTP capabilities. They may be set once.
func (p *Peer) SetCapabilities(capabilities *RtpCapabilities) error {
	if p.hasCapabilities {
		return NewConflictError("capabilities already set")
	}

	p.capabilities = capabilities
	p.hasCapabilities = true

	// The Room mirrors existing ready Producers into this Peer.
	p.listener.OnPeerCapabilities(p)

	return nil
}

func (p *Peer) handleCreateTransport(request *Request) {
	transportId, err := request.Internal.GetTransportId()
	if err != nil {
		request.Reject(err)
		return
	}
	if _, ok := p.transports[transportId]; ok {
		request.Reject(NewConflictError("Transport already exists"))
		return
	}

	transport := NewTransport(p.notifier, transportId)
	transport.AddListener(p)
	p.transports[transportId] = transport

	p.logger.V(1).Info("Transport created", "peerId", p.peerId, "transportId", transportId)

	request.Accept(transport.Dump())
}

func (p *Peer) handleCreateProducer(request *Request) {
	producerId, err := request.Internal.GetProducerId()
	if err != nil {
		request.Reject(err)
		return
	}
	if _, ok := p.producers[producerId]; ok {
		request.Reject(NewConflictError("Producer already exists"))
		return
	}

	var data struct {
		Kind MediaKind `json:"kind"`
	}
	if err := request.UnmarshalData(&data); err != nil {
		request.Reject(err)
		return
	}
	if data.Kind != MediaKind_Audio && data.Kind != MediaKind_Video {
		request.Reject(NewProtocolError("invalid data.kind"))
		return
	}

	transport, err := p.transportFromRequest(request)
	if err != nil {
		request.Reject(err)
		return
	}

	producer := NewProducer(p.notifier, producerId, data.Kind, transport)
	producer.AddListener(p)
	p.producers[producerId] = producer

	p.logger.V(1).Info("Producer created", "peerId", p.peerId, "producerId", producerId)

	request.Accept(nil)
}

func (p *Peer) handleEnableConsumer(request *Request, consumer *Consumer) {
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

	transport, err := p.transportFromRequest(request)
	if err != nil {
		request.Reject(err)
		return
	}

	if err := consumer.Enable(transport, data.RtpParameters); err != nil {
		request.Reject(err)
		return
	}
	transport.HandleConsumer(consumer)

	request.Accept(nil)
}

func (p *Peer) transportFromRequest(request *Request) (*Transport, error) {
	transportId, err := request.Internal.GetTransportId()
	if err != nil {
		return nil, err
	}
	transport, ok := p.transports[transportId]
	if !ok {
		return nil, NewNotFoundError("Transport does not exist")
	}
	return transport, nil
}

func (p *Peer) producerFromRequest(request *Request) (*Producer, error) {
	producerId, err := request.Internal.GetProducerId()
	if err != nil {
		return nil, err
	}
	producer, ok := p.producers[producerId]
	if !ok {
		return nil, NewNotFoundError("Producer does not exist")
	}
	return producer, nil
}

func (p *Peer) consumerFromRequest(request *Request) (*Consumer, error) {
	consumerId, err := request.Internal.GetConsumerId()
	if err != nil {
		return nil, err
	}
	consumer, ok := p.consumers[consumerId]
	if !ok {
		return nil, NewNotFoundError("Consumer does not exist")
	}
	return consumer, nil
}

// SendRtcp walks the Peer's transports on the RTCP schedule.
func (p *Peer) SendRtcp(nowMs int64) {
	for _, transport := range p.transports {
		transport.SendRtcp(nowMs)
	}
}

// OnTransportClosed implements TransportListener: consumers sending through
// the transport become unhandled, producers lose their SSRC routing.
func (p *Peer) OnTransportClosed(transport *Transport) {
	delete(p.transports, transport.Id())

	for _, consumer := range p.consumers {
		if consumer.transport == transport {
			consumer.Disable()
		}
	}

	for _, producer := range p.producers {
		if producer.GetTransport() == transport {
			transport.RemoveProducer(producer)
		}
	}
}

// OnProducerClosed implements ProducerListener.
func (p *Peer) OnProducerClosed(producer *Producer) {
	delete(p.producers, producer.Id())

	if transport := producer.GetTransport(); transport != nil {
		transport.RemoveProducer(producer)
	}

	p.listener.OnPeerProducerClosed(p, producer)
}

// OnProducerParameters implements ProducerListener.
func (p *Peer) OnProducerParameters(producer *Producer) error {
	return p.listener.OnPeerProducerParameters(p, producer)
}

// OnProducerParametersDone implements ProducerListener.
func (p *Peer) OnProducerParametersDone(producer *Producer) {
	p.listener.OnPeerProducerParametersDone(p, producer)
}

// OnProducerPaused implements ProducerListener.
func (p *Peer) OnProducerPaused(producer *Producer) {
	p.listener.OnPeerProducerPaused(p, producer)
}

// OnProducerResumed implements ProducerListener.
func (p *Peer) OnProducerResumed(producer *Producer) {
	p.listener.OnPeerProducerResumed(p, producer)
}

// OnProducerRtpPacket implements ProducerListener.
func (p *Peer) OnProducerRtpPacket(producer *Producer, packet *RtpPacket, profile Profile) {
	p.listener.OnPeerProducerRtpPacket(p, producer, packet, profile)
}

func snapshotMap[K comparable, V any](m map[K]V) []V {
	values := make([]V, 0, len(m))
	for _, v := range m {
		values = append(values, v)
	}
	return values
}
