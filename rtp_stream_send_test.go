package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStreamSend(bufferSize int) *RtpStreamSend {
	return NewRtpStreamSend(RtpStreamParams{
		Ssrc:        0x12345678,
		PayloadType: 101,
		MimeType:    "video/VP8",
		ClockRate:   90000,
		UseNack:     true,
	}, bufferSize, NewLogger("test"))
}

func TestRtpStreamSendStoreAndRetransmit(t *testing.T) {
	stream := newTestStreamSend(sendBufferSizeVideo)

	for seq := uint16(100); seq <= 120; seq++ {
		packet := buildRtpPacket(t, seq, uint32(seq)*90, 0x12345678, 101, []byte{1, 2, 3})
		require.True(t, stream.ReceivePacket(packet))
	}

	var container [retransmissionContainerSize]*RtpPacket

	// pid 105 plus bitmask 0x0003 selects 105, 106, 107.
	stream.RequestRtpRetransmission(105, 0x0003, container[:])

	require.NotNil(t, container[0])
	require.NotNil(t, container[1])
	require.NotNil(t, container[2])
	assert.Nil(t, container[3], "nil sentinel after the response")

	assert.Equal(t, uint16(105), container[0].GetSequenceNumber())
	assert.Equal(t, uint16(106), container[1].GetSequenceNumber())
	assert.Equal(t, uint16(107), container[2].GetSequenceNumber())
}

func TestRtpStreamSendRetransmitMissing(t *testing.T) {
	stream := newTestStreamSend(sendBufferSizeVideo)

	packet := buildRtpPacket(t, 100, 9000, 0x12345678, 101, []byte{1})
	require.True(t, stream.ReceivePacket(packet))

	var container [retransmissionContainerSize]*RtpPacket

	// 101 was never stored: the response stops at the first hole.
	stream.RequestRtpRetransmission(100, 0x0001, container[:])

	require.NotNil(t, container[0])
	assert.Equal(t, uint16(100), container[0].GetSequenceNumber())
	assert.Nil(t, container[1])
}

func TestRtpStreamSendClearRetransmissionBuffer(t *testing.T) {
	stream := newTestStreamSend(sendBufferSizeVideo)

	packet := buildRtpPacket(t, 100, 9000, 0x12345678, 101, []byte{1})
	require.True(t, stream.ReceivePacket(packet))

	stream.ClearRetransmissionBuffer()

	var container [retransmissionContainerSize]*RtpPacket
	stream.RequestRtpRetransmission(100, 0, container[:])
	assert.Nil(t, container[0])
}

func TestRtpStreamSendNoBuffer(t *testing.T) {
	stream := newTestStreamSend(0)

	packet := buildRtpPacket(t, 100, 9000, 0x12345678, 101, []byte{1})
	require.True(t, stream.ReceivePacket(packet))

	var container [retransmissionContainerSize]*RtpPacket
	stream.RequestRtpRetransmission(100, 0, container[:])
	assert.Nil(t, container[0], "streams without a ring store nothing")
}

func TestRtpStreamSendRtxEncode(t *testing.T) {
	stream := newTestStreamSend(sendBufferSizeVideo)
	stream.SetRtx(97, 0xAABBCCDD)
	require.True(t, stream.HasRtx())

	packet := buildRtpPacket(t, 1234, 9000, 0x12345678, 101, []byte{0xAA, 0xBB})

	var buf [MtuSize + 100]byte
	rtxPacket := packet.Clone(buf[:])
	stream.RtxEncode(rtxPacket)

	assert.Equal(t, uint32(0xAABBCCDD), rtxPacket.GetSsrc())
	assert.Equal(t, byte(97), rtxPacket.GetPayloadType())

	payload := rtxPacket.GetPayload()
	require.Equal(t, 4, len(payload))
	// Original sequence number leads the payload (RFC 4588).
	assert.Equal(t, byte(1234>>8), payload[0])
	assert.Equal(t, byte(1234&0xFF), payload[1])
	assert.Equal(t, byte(0xAA), payload[2])
	assert.Equal(t, byte(0xBB), payload[3])

	// The RTX stream has its own sequence space.
	first := rtxPacket.GetSequenceNumber()
	second := packet.Clone(buf[:])
	stream.RtxEncode(second)
	assert.Equal(t, uint16(1), second.GetSequenceNumber()-first)
}

func TestRtpStreamSendSenderReport(t *testing.T) {
	stream := newTestStreamSend(sendBufferSizeVideo)

	report := stream.GetRtcpSenderReport(nowMs())
	assert.Nil(t, report, "nothing sent yet")

	packet := buildRtpPacket(t, 100, 9000, 0x12345678, 101, []byte{1, 2, 3})
	require.True(t, stream.ReceivePacket(packet))

	report = stream.GetRtcpSenderReport(nowMs())
	require.NotNil(t, report)
	assert.Equal(t, uint32(0x12345678), report.SSRC)
	assert.Equal(t, uint32(1), report.PacketCount)
	assert.Equal(t, uint32(9000), report.RTPTime)

	// No new packets: no new report.
	assert.Nil(t, stream.GetRtcpSenderReport(nowMs()))
}
