package worker

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

// testCodec is an in-memory netcodec.Codec capturing everything the worker
// writes. Reads block until Close.
type testCodec struct {
	sent    [][]byte
	closeCh chan struct{}
	closed  bool
}

func newTestCodec() *testCodec {
	return &testCodec{closeCh: make(chan struct{})}
}

func (c *testCodec) WritePayload(payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.sent = append(c.sent, buf)
	return nil
}

func (c *testCodec) ReadPayload() ([]byte, error) {
	<-c.closeCh
	return nil, errors.New("closed")
}

func (c *testCodec) Close() error {
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	return nil
}

// notifications decodes the captured payloads that look like notifications
// for the given target.
func (c *testCodec) notifications(targetId uint32) []map[string]interface{} {
	var out []map[string]interface{}
	for _, payload := range c.sent {
		var msg map[string]interface{}
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if target, ok := msg["targetId"].(float64); ok && uint32(target) == targetId {
			out = append(out, msg)
		}
	}
	return out
}

// lastResponse decodes the captured response for the given request id.
func (c *testCodec) lastResponse(id int64) map[string]interface{} {
	for i := len(c.sent) - 1; i >= 0; i-- {
		var msg map[string]interface{}
		if err := json.Unmarshal(c.sent[i], &msg); err != nil {
			continue
		}
		if got, ok := msg["id"].(float64); ok && int64(got) == id {
			return msg
		}
	}
	return nil
}

type testHarness struct {
	codec    *testCodec
	channel  *Channel
	notifier *Notifier
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	codec := newTestCodec()
	channel := NewChannel(codec)
	t.Cleanup(func() { channel.Close() })

	return &testHarness{
		codec:    codec,
		channel:  channel,
		notifier: NewNotifier(channel),
	}
}

var nextRequestId int64

func (h *testHarness) newRequest(method string, internal internalData, data interface{}) *Request {
	nextRequestId++
	request := &Request{
		Id:       nextRequestId,
		Method:   method,
		Internal: internal,
		channel:  h.channel,
	}
	if data != nil {
		raw, _ := json.Marshal(data)
		request.Data = raw
	}
	return request
}

func (h *testHarness) response(request *Request) map[string]interface{} {
	return h.codec.lastResponse(request.Id)
}

func uint32Ptr(v uint32) *uint32 {
	return &v
}

// buildRtpPacket marshals a pion packet into a MTU sized buffer, leaving the
// slack our in-place rewriting needs, and parses it with our view.
func buildRtpPacket(t *testing.T, seq uint16, timestamp uint32, ssrc uint32, payloadType byte, payload []byte) *RtpPacket {
	t.Helper()

	p := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadType,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	raw, err := p.Marshal()
	require.NoError(t, err)

	buf := make([]byte, len(raw), MtuSize)
	copy(buf, raw)

	packet, err := ParseRtpPacket(buf)
	require.NoError(t, err)

	return packet
}

// vp8Payload builds a VP8 payload with an extended descriptor carrying a two
// byte pictureId, a tl0PictureIndex and a TID/Y byte, followed by one
// payload header byte (bit 0 cleared marks a key frame when start of
// partition 0).
func vp8Payload(pictureId uint16, tl0 uint8, tid uint8, y bool, keyFrame bool) []byte {
	first := byte(0x80 | 0x10) // X=1, S=1, PID=0.
	firstPayloadByte := byte(0x01)
	if keyFrame {
		firstPayloadByte = 0x00
	}
	tidByte := tid << 6
	if y {
		tidByte |= 0x20
	}
	return []byte{
		first,
		0x80 | 0x40 | 0x20, // I=1, L=1, T=1.
		0x80 | byte(pictureId>>8&0x7F), // M=1.
		byte(pictureId),
		tl0,
		tidByte,
		firstPayloadByte,
	}
}

// vp8PayloadOneBytePid builds a VP8 payload whose descriptor carries a one
// byte pictureId.
func vp8PayloadOneBytePid(pictureId uint8, tl0 uint8, tid uint8, keyFrame bool) []byte {
	first := byte(0x80 | 0x10)
	firstPayloadByte := byte(0x01)
	if keyFrame {
		firstPayloadByte = 0x00
	}
	return []byte{
		first,
		0x80 | 0x40 | 0x20,
		pictureId & 0x7F, // M=0.
		tl0,
		tid << 6,
		firstPayloadByte,
	}
}
