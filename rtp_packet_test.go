package worker

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRtpPacketAccessorsRoundTrip(t *testing.T) {
	packet := buildRtpPacket(t, 1234, 5678, 0xCAFEBABE, 111, []byte{1, 2, 3, 4})

	assert.Equal(t, uint16(1234), packet.GetSequenceNumber())
	assert.Equal(t, uint32(5678), packet.GetTimestamp())
	assert.Equal(t, uint32(0xCAFEBABE), packet.GetSsrc())
	assert.Equal(t, byte(111), packet.GetPayloadType())
	assert.Equal(t, []byte{1, 2, 3, 4}, packet.GetPayload())

	packet.SetSequenceNumber(4321)
	assert.Equal(t, uint16(4321), packet.GetSequenceNumber())

	packet.SetTimestamp(99999)
	assert.Equal(t, uint32(99999), packet.GetTimestamp())

	packet.SetSsrc(0xDEADBEEF)
	assert.Equal(t, uint32(0xDEADBEEF), packet.GetSsrc())

	packet.SetPayloadType(96)
	assert.Equal(t, byte(96), packet.GetPayloadType())

	packet.SetMarker(true)
	assert.True(t, packet.HasMarker())
	assert.Equal(t, byte(96), packet.GetPayloadType(), "marker does not clobber the payload type")
	packet.SetMarker(false)
	assert.False(t, packet.HasMarker())

	// The mutations live in the underlying buffer: pion parses them back.
	var reparsed rtp.Packet
	require.NoError(t, reparsed.Unmarshal(packet.GetData()))
	assert.Equal(t, uint16(4321), reparsed.SequenceNumber)
	assert.Equal(t, uint32(0xDEADBEEF), reparsed.SSRC)
}

func TestParseRtpPacketRejectsGarbage(t *testing.T) {
	_, err := ParseRtpPacket([]byte{0x80, 0x60})
	assert.Error(t, err, "truncated packet")

	_, err = ParseRtpPacket(make([]byte, 12))
	assert.Error(t, err, "wrong version")

	rtcpLike := make([]byte, 12)
	rtcpLike[0] = 0x80
	rtcpLike[1] = 200 // SR packet type.
	_, err = ParseRtpPacket(rtcpLike)
	assert.Error(t, err, "RTCP is not RTP")
}

func TestIsRtpIsRtcp(t *testing.T) {
	packet := buildRtpPacket(t, 1, 2, 3, 100, []byte{0})
	assert.True(t, IsRtp(packet.GetData()))
	assert.False(t, IsRtcp(packet.GetData()))

	rtcpLike := make([]byte, 12)
	rtcpLike[0] = 0x80
	rtcpLike[1] = 201 // RR packet type.
	assert.True(t, IsRtcp(rtcpLike))
	assert.False(t, IsRtp(rtcpLike))
}

func TestShiftPayloadExpand(t *testing.T) {
	packet := buildRtpPacket(t, 1, 2, 3, 100, []byte{0xAA, 0xBB, 0xCC, 0xDD})

	require.NoError(t, packet.ShiftPayload(2, 1, true))

	payload := packet.GetPayload()
	assert.Equal(t, 5, len(payload))
	assert.Equal(t, byte(0xAA), payload[0])
	assert.Equal(t, byte(0xBB), payload[1])
	assert.Equal(t, byte(0xCC), payload[3], "tail moved forward")
	assert.Equal(t, byte(0xDD), payload[4])
}

func TestShiftPayloadShrink(t *testing.T) {
	packet := buildRtpPacket(t, 1, 2, 3, 100, []byte{0xAA, 0xBB, 0xCC, 0xDD})

	require.NoError(t, packet.ShiftPayload(1, 1, false))

	payload := packet.GetPayload()
	assert.Equal(t, []byte{0xAA, 0xCC, 0xDD}, payload)
}

func TestShiftPayloadBeyondCapacity(t *testing.T) {
	raw := buildRtpPacket(t, 1, 2, 3, 100, []byte{0xAA}).GetData()
	tight := make([]byte, len(raw))
	copy(tight, raw)

	packet, err := ParseRtpPacket(tight)
	require.NoError(t, err)

	assert.Error(t, packet.ShiftPayload(0, 1, true))
}

func TestClone(t *testing.T) {
	packet := buildRtpPacket(t, 77, 88, 99, 100, []byte{9, 8, 7})

	var buf [MtuSize]byte
	cloned := packet.Clone(buf[:])

	assert.Equal(t, packet.GetSequenceNumber(), cloned.GetSequenceNumber())
	assert.Equal(t, packet.GetSsrc(), cloned.GetSsrc())
	assert.Equal(t, packet.GetPayload(), cloned.GetPayload())

	// Mutating the clone leaves the original alone.
	cloned.SetSequenceNumber(1000)
	assert.Equal(t, uint16(77), packet.GetSequenceNumber())
}

func TestParseRtpPacketWithCsrcsAndExtension(t *testing.T) {
	p := &rtp.Packet{
		Header: rtp.Header{
			Version:          2,
			PayloadType:      100,
			SequenceNumber:   10,
			Timestamp:        20,
			SSRC:             30,
			CSRC:             []uint32{111, 222},
			Extension:        true,
			ExtensionProfile: 0xBEDE,
		},
		Payload: []byte{1, 2, 3},
	}
	require.NoError(t, p.Header.SetExtension(1, []byte{0x42}))

	raw, err := p.Marshal()
	require.NoError(t, err)

	packet, err := ParseRtpPacket(raw)
	require.NoError(t, err)

	assert.Equal(t, []uint32{111, 222}, packet.GetCsrcs())
	assert.True(t, packet.HasHeaderExtension())
	assert.Equal(t, []byte{1, 2, 3}, packet.GetPayload())
}
