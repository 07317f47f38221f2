package worker

import (
	"strconv"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// RoomListener is implemented by the Worker.
type RoomListener interface {
	OnRoomClosed(room *Room)
}

// Room maintains the Producer to Consumers fan-out for a set of Peers. It is
// the sole owner of the routing graph: Producers and Consumers reference each
// other only through ids the Room resolves.
type Room struct {
	logger   logr.Logger
	notifier *Notifier

	roomId   uint32
	listener RoomListener

	capabilities RtpCapabilities

	peers map[uint32]*Peer

	// Fan-out: Producer to the ordered set of Consumers sourcing from it.
	// Slices keep the per-callback iteration order stable.
	mapProducerConsumers map[*Producer][]*Consumer
	mapConsumerPeer      map[*Consumer]*Peer

	closed bool
}

// NewRoom creates a Room, assigning unique payload types to the given media
// codecs. Running out of dynamic payload types is a capacity error and no
// Room is created.
func NewRoom(listener RoomListener, notifier *Notifier, roomId uint32, mediaCodecs []*RtpCodecParameters) (*Room, error) {
	room := &Room{
		logger:               NewLogger("Room"),
		notifier:             notifier,
		roomId:               roomId,
		listener:             listener,
		peers:                make(map[uint32]*Peer),
		mapProducerConsumers: make(map[*Producer][]*Consumer),
		mapConsumerPeer:      make(map[*Consumer]*Peer),
	}

	if err := room.setCapabilities(mediaCodecs); err != nil {
		return nil, err
	}

	return room, nil
}

func (r *Room) Id() uint32 {
	return r.roomId
}

func (r *Room) GetCapabilities() RtpCapabilities {
	return r.capabilities
}

// Close closes all Peers, then the Room itself.
func (r *Room) Close() {
	if r.closed {
		return
	}
	r.closed = true

	r.logger.V(1).Info("Close()", "roomId", r.roomId)

	for _, peer := range snapshotMap(r.peers) {
		peer.Close()
	}

	r.notifier.Emit(r.roomId, "close", H{"class": "Room"})

	r.listener.OnRoomClosed(r)
}

func (r *Room) Closed() bool {
	return r.closed
}

// RoomDump is the JSON shape of "room.dump".
type RoomDump struct {
	RoomId               uint32              `json:"roomId"`
	Capabilities         RtpCapabilities     `json:"capabilities"`
	Peers                []*PeerDump         `json:"peers"`
	MapProducerConsumers map[string][]string `json:"mapProducerConsumers"`
}

func (r *Room) Dump() *RoomDump {
	dump := &RoomDump{
		RoomId:               r.roomId,
		Capabilities:         r.capabilities,
		Peers:                []*PeerDump{},
		MapProducerConsumers: make(map[string][]string),
	}
	for _, peer := range r.peers {
		dump.Peers = append(dump.Peers, peer.Dump())
	}
	for producer, consumers := range r.mapProducerConsumers {
		key := strconv.FormatUint(uint64(producer.Id()), 10)
		ids := []string{}
		for _, consumer := range consumers {
			ids = append(ids, strconv.FormatUint(uint64(consumer.Id()), 10))
		}
		dump.MapProducerConsumers[key] = ids
	}
	return dump
}

// HandleRequest routes a request that names this Room in its internal ids.
func (r *Room) HandleRequest(request *Request) {
	switch request.Method {
	case "room.close":
		roomId := r.roomId
		r.Close()

		r.logger.V(1).Info("Room closed", "roomId", roomId)
		request.Accept(nil)

	case "room.dump":
		request.Accept(r.Dump())

	case "room.createPeer":
		r.handleCreatePeer(request)

	default:
		// Everything else names a Peer.
		peer, err := r.peerFromRequest(request)
		if err != nil {
			request.Reject(err)
			return
		}
		peer.HandleRequest(request)
	}
}

func (r *Room) handleCreatePeer(request *Request) {
	peerId, err := request.Internal.GetPeerId()
	if err != nil {
		request.Reject(err)
		return
	}
	if _, ok := r.peers[peerId]; ok {
		request.Reject(NewConflictError("Peer already exists"))
		return
	}

	var data struct {
		PeerName string `json:"peerName"`
	}
	if err := request.UnmarshalData(&data); err != nil {
		request.Reject(err)
		return
	}
	if data.PeerName == "" {
		request.Reject(NewProtocolError("missing data.peerName"))
		return
	}

	peer := NewPeer(r, r.notifier, peerId, data.PeerName)
	r.peers[peerId] = peer

	r.logger.V(1).Info("Peer created", "peerId", peerId, "peerName", data.PeerName)

	request.Accept(nil)
}

func (r *Room) peerFromRequest(request *Request) (*Peer, error) {
	peerId, err := request.Internal.GetPeerId()
	if err != nil {
		return nil, err
	}
	peer, ok := r.peers[peerId]
	if !ok {
		return nil, NewNotFoundError("Peer does not exist")
	}
	return peer, nil
}

// SendRtcp walks all Peers on the RTCP schedule.
func (r *Room) SendRtcp(nowMs int64) {
	for _, peer := range r.peers {
		peer.SendRtcp(nowMs)
	}
}

// setCapabilities assigns a unique payload type to each given media codec and
// merges the process-wide supported header extensions.
func (r *Room) setCapabilities(mediaCodecs []*RtpCodecParameters) error {
	usedPayloadTypes := make(map[byte]struct{})
	dynamicIdx := 0

	for _, mediaCodec := range mediaCodecs {
		if mediaCodec.isFeatureCodec() {
			continue
		}

		// Deep copy: the Room owns its capability codecs.
		codec := &RtpCodecParameters{}
		if err := clone(mediaCodec, codec); err != nil {
			return NewProtocolError("invalid media codec: %s", err)
		}

		_, taken := usedPayloadTypes[codec.PayloadType]
		if codec.PayloadType == 0 || taken {
			assigned := false
			for dynamicIdx < len(dynamicPayloadTypes) {
				payloadType := dynamicPayloadTypes[dynamicIdx]
				dynamicIdx++

				if _, ok := usedPayloadTypes[payloadType]; !ok {
					codec.PayloadType = payloadType
					assigned = true
					break
				}
			}
			if !assigned {
				return NewCapacityError("no more available dynamic payload types for given media codecs")
			}
		}

		usedPayloadTypes[codec.PayloadType] = struct{}{}
		r.capabilities.Codecs = append(r.capabilities.Codecs, codec)
	}

	r.capabilities.HeaderExtensions = supportedRtpCapabilities.HeaderExtensions
	r.capabilities.FecMechanisms = supportedRtpCapabilities.FecMechanisms

	return nil
}

// OnPeerClosed implements PeerListener.
func (r *Room) OnPeerClosed(peer *Peer) {
	delete(r.peers, peer.Id())
}

// OnPeerCapabilities implements PeerListener: mirror every ready Producer of
// the other Peers into the new capable Peer.
func (r *Room) OnPeerCapabilities(peer *Peer) {
	for _, otherPeer := range r.peers {
		if otherPeer == peer {
			continue
		}
		for _, producer := range otherPeer.GetProducers() {
			if producer.GetParameters() == nil {
				continue
			}
			r.createConsumer(producer, peer)
		}
	}
}

// OnPeerProducerParameters implements PeerListener: every codec the Producer
// announces must match a Room codec.
func (r *Room) OnPeerProducerParameters(peer *Peer, producer *Producer) error {
	for _, codec := range producer.GetParameters().Codecs {
		if codec.isFeatureCodec() {
			continue
		}
		matched := false
		for _, capCodec := range r.capabilities.Codecs {
			if capCodec.Matches(codec) {
				matched = true
				break
			}
		}
		if !matched {
			return NewProtocolError("no matching room codec found [payloadType:%d]", codec.PayloadType)
		}
	}
	return nil
}

// OnPeerProducerParametersDone implements PeerListener: a new Producer gets a
// Consumer on every other capable Peer; an updated one resyncs its existing
// Consumers.
func (r *Room) OnPeerProducerParametersDone(peer *Peer, producer *Producer) {
	consumers, known := r.mapProducerConsumers[producer]

	if !known {
		// Ensure the entry exists even with no consumer yet.
		r.mapProducerConsumers[producer] = nil

		for _, otherPeer := range r.peers {
			if otherPeer == peer {
				continue
			}
			if !otherPeer.HasCapabilities() {
				continue
			}
			r.createConsumer(producer, otherPeer)
		}
		return
	}

	for _, consumer := range consumers {
		consumer.SourceRtpParametersUpdated()
	}
}

// OnPeerProducerClosed implements PeerListener: close every Consumer in the
// fan-out entry, then drop the entry.
func (r *Room) OnPeerProducerClosed(peer *Peer, producer *Producer) {
	// Iterate a snapshot: each Close() lands in OnConsumerClosed which edits
	// the map entry.
	consumers := append([]*Consumer(nil), r.mapProducerConsumers[producer]...)
	for _, consumer := range consumers {
		consumer.Close()
	}

	delete(r.mapProducerConsumers, producer)
}

// OnPeerProducerPaused implements PeerListener.
func (r *Room) OnPeerProducerPaused(peer *Peer, producer *Producer) {
	for _, consumer := range r.mapProducerConsumers[producer] {
		consumer.SourcePause()
	}
}

// OnPeerProducerResumed implements PeerListener.
func (r *Room) OnPeerProducerResumed(peer *Peer, producer *Producer) {
	for _, consumer := range r.mapProducerConsumers[producer] {
		consumer.SourceResume()
	}
}

// OnPeerProducerRtpPacket implements PeerListener: the fan-out hot path.
// Consumers receive the packet in insertion order; each one restores the
// packet before returning, so handing the same packet down the line is safe.
func (r *Room) OnPeerProducerRtpPacket(peer *Peer, producer *Producer, packet *RtpPacket, profile Profile) {
	for _, consumer := range r.mapProducerConsumers[producer] {
		consumer.SendRtpPacket(packet, profile)
	}
}

// OnConsumerClosed implements ConsumerListener: unlink the Consumer from its
// Peer and from every fan-out entry.
func (r *Room) OnConsumerClosed(consumer *Consumer) {
	if peer, ok := r.mapConsumerPeer[consumer]; ok {
		peer.RemoveConsumer(consumer)
		delete(r.mapConsumerPeer, consumer)
	}

	for producer, consumers := range r.mapProducerConsumers {
		for i, c := range consumers {
			if c == consumer {
				r.mapProducerConsumers[producer] = append(consumers[:i], consumers[i+1:]...)
				break
			}
		}
	}
}

// OnConsumerFullFrameRequired implements ConsumerListener: resolve the source
// Producer by id and ask it for a key frame.
func (r *Room) OnConsumerFullFrameRequired(consumer *Consumer) {
	for producer := range r.mapProducerConsumers {
		if producer.Id() == consumer.SourceProducerId() {
			producer.RequestFullFrame()
			return
		}
	}
}

// createConsumer mirrors producer into peer with a fresh random id.
func (r *Room) createConsumer(producer *Producer, peer *Peer) {
	consumer := NewConsumer(r.notifier, generateRandomNumber(), producer.Kind(), producer.Id())
	consumer.AddListener(r)

	// Seed the Consumer's RTCP CNAME from the source, with a generated
	// fallback when the source parameters carry none.
	cname := producer.GetParameters().Rtcp.Cname
	if cname == "" {
		cname = uuid.NewString()
	}
	consumer.sourceCname = cname

	for _, profile := range producer.GetProfiles() {
		consumer.AddProfile(profile)
	}

	if producer.IsPaused() {
		consumer.SourcePause()
	}

	r.mapProducerConsumers[producer] = append(r.mapProducerConsumers[producer], consumer)
	r.mapConsumerPeer[consumer] = peer

	peer.AddConsumer(consumer)
}
