package worker

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type producerListenerRecorder struct {
	packets        []*RtpPacket
	profiles       []Profile
	parameters     int
	parametersDone int
	paused         int
	resumed        int
	closed         int
	parametersErr  error
}

func (r *producerListenerRecorder) OnProducerClosed(producer *Producer) { r.closed++ }

func (r *producerListenerRecorder) OnProducerParameters(producer *Producer) error {
	r.parameters++
	return r.parametersErr
}

func (r *producerListenerRecorder) OnProducerParametersDone(producer *Producer) { r.parametersDone++ }

func (r *producerListenerRecorder) OnProducerPaused(producer *Producer)  { r.paused++ }
func (r *producerListenerRecorder) OnProducerResumed(producer *Producer) { r.resumed++ }

func (r *producerListenerRecorder) OnProducerRtpPacket(producer *Producer, packet *RtpPacket, profile Profile) {
	r.packets = append(r.packets, packet)
	r.profiles = append(r.profiles, profile)
}

type producerFixture struct {
	harness  *testHarness
	producer *Producer
	recorder *producerListenerRecorder
	endpoint *captureEndpoint
}

func newProducerFixture(t *testing.T) *producerFixture {
	t.Helper()

	h := newTestHarness(t)
	endpoint := &captureEndpoint{}

	transport := NewTransport(h.notifier, 700)
	transport.SetEndpoint(endpoint)

	recorder := &producerListenerRecorder{}
	producer := NewProducer(h.notifier, 400, MediaKind_Video, transport)
	producer.AddListener(recorder)

	return &producerFixture{harness: h, producer: producer, recorder: recorder, endpoint: endpoint}
}

func TestProducerReceiveCreatesStreams(t *testing.T) {
	f := newProducerFixture(t)

	require.NoError(t, f.producer.Receive(producerRtpParameters(0xAA000001)))

	assert.Equal(t, 1, f.recorder.parameters)
	assert.Equal(t, 1, f.recorder.parametersDone)
	assert.Equal(t, []Profile{Profile_High}, f.producer.GetProfiles())
}

func TestProducerReceiveValidationFailureLeavesNothing(t *testing.T) {
	f := newProducerFixture(t)

	f.recorder.parametersErr = NewProtocolError("no matching room codec found")
	err := f.producer.Receive(producerRtpParameters(0xAA000001))
	require.Error(t, err)

	assert.Zero(t, f.recorder.parametersDone)
	assert.Nil(t, f.producer.GetParameters())
}

func TestProducerDemuxesBySsrc(t *testing.T) {
	f := newProducerFixture(t)
	require.NoError(t, f.producer.Receive(producerRtpParameters(0xAA000001)))

	known := buildRtpPacket(t, 100, 9000, 0xAA000001, 101, vp8Payload(1, 1, 0, false, true))
	f.producer.ReceiveRtpPacket(known)

	unknown := buildRtpPacket(t, 100, 9000, 0xDEAD0000, 101, vp8Payload(1, 1, 0, false, true))
	f.producer.ReceiveRtpPacket(unknown)

	require.Len(t, f.recorder.packets, 1)
	assert.Equal(t, Profile_High, f.recorder.profiles[0])
}

func TestProducerAttachesVp8Handler(t *testing.T) {
	f := newProducerFixture(t)
	require.NoError(t, f.producer.Receive(producerRtpParameters(0xAA000001)))

	packet := buildRtpPacket(t, 100, 9000, 0xAA000001, 101, vp8PayloadOneBytePid(30, 1, 0, true))
	originalLen := packet.GetPayloadLength()
	f.producer.ReceiveRtpPacket(packet)

	require.Len(t, f.recorder.packets, 1)
	forwarded := f.recorder.packets[0]
	require.NotNil(t, forwarded.GetPayloadDescriptorHandler())
	assert.True(t, forwarded.IsKeyFrame())
	assert.Equal(t, originalLen+1, forwarded.GetPayloadLength(), "one byte pictureId normalized")
}

func TestProducerPausedSwallowsPackets(t *testing.T) {
	f := newProducerFixture(t)
	require.NoError(t, f.producer.Receive(producerRtpParameters(0xAA000001)))

	f.producer.Pause()
	assert.Equal(t, 1, f.recorder.paused)

	packet := buildRtpPacket(t, 100, 9000, 0xAA000001, 101, vp8Payload(1, 1, 0, false, true))
	f.producer.ReceiveRtpPacket(packet)
	assert.Empty(t, f.recorder.packets)

	f.producer.Resume()
	assert.Equal(t, 1, f.recorder.resumed)

	// Pause notifications reached the controller too.
	events := f.harness.codec.notifications(400)
	require.Len(t, events, 2)
	assert.Equal(t, "paused", events[0]["event"])
	assert.Equal(t, "resumed", events[1]["event"])
}

func TestProducerNackGoesUpstream(t *testing.T) {
	f := newProducerFixture(t)
	require.NoError(t, f.producer.Receive(producerRtpParameters(0xAA000001)))

	// Packet 100, then 103: the gap triggers a NACK through the transport.
	f.producer.ReceiveRtpPacket(buildRtpPacket(t, 100, 9000, 0xAA000001, 101, vp8Payload(1, 1, 0, false, true)))
	f.producer.ReceiveRtpPacket(buildRtpPacket(t, 103, 9270, 0xAA000001, 101, vp8Payload(4, 1, 0, false, false)))

	require.NotEmpty(t, f.endpoint.datagrams)

	packets, err := rtcp.Unmarshal(f.endpoint.datagrams[len(f.endpoint.datagrams)-1])
	require.NoError(t, err)
	nack, ok := packets[0].(*rtcp.TransportLayerNack)
	require.True(t, ok)
	assert.Equal(t, uint32(0xAA000001), nack.MediaSSRC)
	assert.Equal(t, []uint16{101, 102}, nack.Nacks[0].PacketList())
}

func TestProducerFullFrameRequestSendsPli(t *testing.T) {
	f := newProducerFixture(t)
	require.NoError(t, f.producer.Receive(producerRtpParameters(0xAA000001)))

	f.producer.RequestFullFrame()

	require.NotEmpty(t, f.endpoint.datagrams)
	packets, err := rtcp.Unmarshal(f.endpoint.datagrams[len(f.endpoint.datagrams)-1])
	require.NoError(t, err)
	pli, ok := packets[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	assert.Equal(t, uint32(0xAA000001), pli.MediaSSRC)
}

func TestProducerReceiverReport(t *testing.T) {
	f := newProducerFixture(t)
	require.NoError(t, f.producer.Receive(producerRtpParameters(0xAA000001)))

	f.producer.ReceiveRtpPacket(buildRtpPacket(t, 100, 9000, 0xAA000001, 101, vp8Payload(1, 1, 0, false, true)))

	packets := f.producer.GetRtcp(nowMs())
	require.Len(t, packets, 1)
	rr, ok := packets[0].(*rtcp.ReceiverReport)
	require.True(t, ok)
	require.Len(t, rr.Reports, 1)
	assert.Equal(t, uint32(0xAA000001), rr.Reports[0].SSRC)
}
