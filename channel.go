package worker

import (
	"encoding/json"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/jiyeyuran/mediasoup-worker-go/netcodec"
)

const (
	// netstring length for a 4194304 bytes payload.
	NS_MESSAGE_MAX_LEN = 4194313
	NS_PAYLOAD_MAX_LEN = 4194304
)

// internalData carries the routing ids of a request. Pointers distinguish a
// missing field from the zero id.
type internalData struct {
	RoomId      *uint32 `json:"roomId,omitempty"`
	PeerId      *uint32 `json:"peerId,omitempty"`
	TransportId *uint32 `json:"transportId,omitempty"`
	ProducerId  *uint32 `json:"producerId,omitempty"`
	ConsumerId  *uint32 `json:"consumerId,omitempty"`
}

func (d internalData) GetRoomId() (uint32, error) {
	if d.RoomId == nil {
		return 0, NewProtocolError("Request has no numeric internal.roomId")
	}
	return *d.RoomId, nil
}

func (d internalData) GetPeerId() (uint32, error) {
	if d.PeerId == nil {
		return 0, NewProtocolError("Request has no numeric internal.peerId")
	}
	return *d.PeerId, nil
}

func (d internalData) GetTransportId() (uint32, error) {
	if d.TransportId == nil {
		return 0, NewProtocolError("Request has no numeric internal.transportId")
	}
	return *d.TransportId, nil
}

func (d internalData) GetProducerId() (uint32, error) {
	if d.ProducerId == nil {
		return 0, NewProtocolError("Request has no numeric internal.producerId")
	}
	return *d.ProducerId, nil
}

func (d internalData) GetConsumerId() (uint32, error) {
	if d.ConsumerId == nil {
		return 0, NewProtocolError("Request has no numeric internal.consumerId")
	}
	return *d.ConsumerId, nil
}

// Request is one control channel request. Exactly one of Accept or Reject
// must be called while handling it.
type Request struct {
	Id       int64           `json:"id"`
	Method   string          `json:"method"`
	Internal internalData    `json:"internal"`
	Data     json.RawMessage `json:"data,omitempty"`

	channel  *Channel
	replied  bool
	accepted bool
}

// UnmarshalData decodes the request body into v, mapping decode failures to
// protocol errors.
func (r *Request) UnmarshalData(v interface{}) error {
	if len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return NewProtocolError("invalid data: %s", err)
	}
	return nil
}

// Accept responds positively, with an optional data payload.
func (r *Request) Accept(data interface{}) {
	if r.replied {
		return
	}
	r.replied = true
	r.accepted = true

	response := H{"id": r.Id, "accepted": true}
	if data != nil {
		response["data"] = data
	}
	r.channel.send(response)
}

// Reject responds negatively with the error kind and reason.
func (r *Request) Reject(err error) {
	if r.replied {
		return
	}
	r.replied = true

	r.channel.send(H{
		"id":     r.Id,
		"error":  KindOf(err).String(),
		"reason": err.Error(),
	})
}

// Replied reports whether a response was already sent.
func (r *Request) Replied() bool {
	return r.replied
}

// Accepted reports whether the request was accepted.
func (r *Request) Accepted() bool {
	return r.accepted
}

// Channel is the worker side of the duplex control channel: it reads
// requests, and writes responses and notifications.
type Channel struct {
	logger   logr.Logger
	codec    netcodec.Codec
	closed   int32
	requests chan *Request
	closeCh  chan struct{}
}

func NewChannel(codec netcodec.Codec) *Channel {
	logger := NewLogger("Channel")

	logger.V(1).Info("constructor()")

	return &Channel{
		logger:   logger,
		codec:    codec,
		requests: make(chan *Request),
		closeCh:  make(chan struct{}),
	}
}

// Start launches the read pump. Received requests are delivered on
// Requests(); the channel closes it when the peer goes away.
func (c *Channel) Start() {
	go c.runReadLoop()
}

func (c *Channel) Close() error {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.logger.V(1).Info("close()")
		close(c.closeCh)
		return c.codec.Close()
	}
	return nil
}

func (c *Channel) Closed() bool {
	return atomic.LoadInt32(&c.closed) > 0
}

// Requests returns the stream of incoming requests. The channel is closed
// when the control channel is remotely closed.
func (c *Channel) Requests() <-chan *Request {
	return c.requests
}

func (c *Channel) runReadLoop() {
	defer close(c.requests)

	for {
		payload, err := c.codec.ReadPayload()
		if err != nil {
			if !c.Closed() {
				c.logger.Error(err, "channel read failed")
			}
			return
		}

		request := &Request{channel: c}
		if err := json.Unmarshal(payload, request); err != nil {
			c.logger.Error(err, "received request, failed to unmarshal to json")
			continue
		}
		if request.Id == 0 || request.Method == "" {
			c.logger.Error(nil, "received message is not a request", "payload", string(payload))
			continue
		}

		select {
		case c.requests <- request:
		case <-c.closeCh:
			return
		}
	}
}

func (c *Channel) send(msg interface{}) {
	if c.Closed() {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error(err, "failed to marshal channel message")
		return
	}
	if len(payload) > NS_PAYLOAD_MAX_LEN {
		c.logger.Error(nil, "channel message too big", "len", len(payload))
		return
	}
	if err := c.codec.WritePayload(payload); err != nil && !c.Closed() {
		c.logger.Error(err, "channel write failed")
	}
}

// sendBinary writes a raw binary notification (trace events).
func (c *Channel) sendBinary(payload []byte) {
	if c.Closed() || len(payload) == 0 {
		return
	}
	if err := c.codec.WritePayload(payload); err != nil && !c.Closed() {
		c.logger.Error(err, "channel write failed")
	}
}
