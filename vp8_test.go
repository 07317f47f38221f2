package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVp8ParseTwoBytePictureId(t *testing.T) {
	pd := Vp8Parse(vp8Payload(4500, 33, 1, false, false))
	require.NotNil(t, pd)

	assert.True(t, pd.Extended)
	assert.True(t, pd.HasPictureId)
	assert.True(t, pd.HasTwoBytesPictureId)
	assert.Equal(t, uint16(4500), pd.PictureId)
	assert.True(t, pd.HasTl0PictureIndex)
	assert.Equal(t, uint8(33), pd.Tl0PictureIndex)
	assert.True(t, pd.HasTlIndex)
	assert.Equal(t, uint8(1), pd.TlIndex)
	assert.False(t, pd.Y)
	assert.False(t, pd.IsKeyFrame)
}

func TestVp8ParseOneBytePictureId(t *testing.T) {
	pd := Vp8Parse(vp8PayloadOneBytePid(17, 5, 0, true))
	require.NotNil(t, pd)

	assert.True(t, pd.HasOneBytePictureId)
	assert.Equal(t, uint16(17), pd.PictureId)
	assert.True(t, pd.IsKeyFrame)
}

func TestVp8ParseMalformed(t *testing.T) {
	assert.Nil(t, Vp8Parse(nil), "empty payload")
	assert.Nil(t, Vp8Parse([]byte{}), "empty payload")
	assert.Nil(t, Vp8Parse([]byte{0x10}), "non extended descriptor")
	assert.Nil(t, Vp8Parse([]byte{0x90}), "truncated extension byte")
	assert.Nil(t, Vp8Parse([]byte{0x90, 0x80}), "truncated pictureId")
	assert.Nil(t, Vp8Parse([]byte{0x90, 0x80, 0x80}), "truncated two byte pictureId")
	assert.Nil(t, Vp8Parse([]byte{0x90, 0x40}), "truncated tl0PictureIndex")
}

func TestVp8EncodeParseRoundTrip(t *testing.T) {
	payload := vp8Payload(1000, 10, 0, false, false)
	pd := Vp8Parse(payload)
	require.NotNil(t, pd)

	pd.Encode(payload, 2000, 42, NewLogger("test"))

	reparsed := Vp8Parse(payload)
	require.NotNil(t, reparsed)
	assert.Equal(t, uint16(2000), reparsed.PictureId)
	assert.Equal(t, uint8(42), reparsed.Tl0PictureIndex)
}

func TestVp8NormalizationExpandsOneBytePictureId(t *testing.T) {
	packet := buildRtpPacket(t, 100, 1000, 0x1111, 101, vp8PayloadOneBytePid(127, 1, 0, false))
	originalLen := packet.GetPayloadLength()

	Vp8ProcessRtpPacket(packet, NewLogger("test"))

	require.NotNil(t, packet.GetPayloadDescriptorHandler())
	assert.Equal(t, originalLen+1, packet.GetPayloadLength(), "payload expanded by one byte")

	pd := Vp8Parse(packet.GetPayload())
	require.NotNil(t, pd)
	assert.True(t, pd.HasTwoBytesPictureId)
	assert.Equal(t, uint16(127), pd.PictureId)
}

func TestVp8PictureIdOverflowToTwoBytes(t *testing.T) {
	// PictureId 127 arrives in one byte form; after normalization the
	// rewritten id may exceed 127 without changing the wire format again.
	packet := buildRtpPacket(t, 100, 1000, 0x1111, 101, vp8PayloadOneBytePid(127, 1, 0, false))
	Vp8ProcessRtpPacket(packet, NewLogger("test"))

	ctx := NewVp8EncodingContext(maxTemporalLayer)
	handler := packet.GetPayloadDescriptorHandler()
	require.True(t, handler.Process(ctx, packet.GetPayload()))

	// The first packet went out as 127: a fresh manager maps ids to themselves,
	// so the next one is forwarded as 128.
	next := buildRtpPacket(t, 101, 2000, 0x1111, 101, vp8Payload(128, 2, 0, false, false))
	Vp8ProcessRtpPacket(next, NewLogger("test"))
	require.True(t, next.GetPayloadDescriptorHandler().Process(ctx, next.GetPayload()))

	pd := Vp8Parse(next.GetPayload())
	require.NotNil(t, pd)
	assert.Greater(t, pd.PictureId, uint16(127))
}

func TestVp8TemporalLayerDrop(t *testing.T) {
	ctx := NewVp8EncodingContext(1)
	ctx.currentTemporalLayer = 1

	// Anchor the managers.
	base := vp8Payload(100, 10, 0, false, false)
	require.True(t, NewVp8PayloadDescriptorHandler(Vp8Parse(base), NewLogger("test")).Process(ctx, base))

	// TID above the target: dropped, both ids recorded.
	drop := vp8Payload(101, 11, 2, false, false)
	handler := NewVp8PayloadDescriptorHandler(Vp8Parse(drop), NewLogger("test"))
	assert.False(t, handler.Process(ctx, drop))

	_, ok := ctx.pictureIdManager.Input(101)
	assert.False(t, ok, "dropped pictureId stays dropped")
	_, ok = ctx.tl0PictureIndexManager.Input(11)
	assert.False(t, ok, "dropped tl0PictureIndex stays dropped")

	// The stream continues without a hole.
	next := vp8Payload(102, 12, 1, false, false)
	require.True(t, NewVp8PayloadDescriptorHandler(Vp8Parse(next), NewLogger("test")).Process(ctx, next))
	reparsed := Vp8Parse(next)
	assert.Equal(t, uint16(1), (reparsed.PictureId-Vp8Parse(base).PictureId)&0x7FFF)
}

func TestVp8UpgradeRequiresSyncPoint(t *testing.T) {
	ctx := NewVp8EncodingContext(2)
	// Currently at layer 0; target allows 2.
	base := vp8Payload(200, 20, 0, false, false)
	require.True(t, NewVp8PayloadDescriptorHandler(Vp8Parse(base), NewLogger("test")).Process(ctx, base))
	ctx.currentTemporalLayer = 0

	// TID 2 without the Y bit: not a sync point, dropped.
	noSync := vp8Payload(201, 21, 2, false, false)
	assert.False(t, NewVp8PayloadDescriptorHandler(Vp8Parse(noSync), NewLogger("test")).Process(ctx, noSync))

	// TID 2 with the Y bit: accepted, layer upgraded.
	sync := vp8Payload(202, 22, 2, true, false)
	assert.True(t, NewVp8PayloadDescriptorHandler(Vp8Parse(sync), NewLogger("test")).Process(ctx, sync))
	assert.Equal(t, uint8(2), ctx.GetCurrentTemporalLayer())
}

func TestVp8KeyFrameUpgradesLayer(t *testing.T) {
	ctx := NewVp8EncodingContext(1)
	ctx.currentTemporalLayer = 1

	base := vp8Payload(300, 30, 0, false, false)
	require.True(t, NewVp8PayloadDescriptorHandler(Vp8Parse(base), NewLogger("test")).Process(ctx, base))

	// Target raised to 2: TID 2 packets still dropped until a key frame.
	ctx.SetTargetTemporalLayer(2)
	nonKey := vp8Payload(301, 31, 2, false, false)
	assert.False(t, NewVp8PayloadDescriptorHandler(Vp8Parse(nonKey), NewLogger("test")).Process(ctx, nonKey))

	// A key frame moves the current layer to the target.
	key := vp8Payload(302, 32, 0, false, true)
	require.True(t, NewVp8PayloadDescriptorHandler(Vp8Parse(key), NewLogger("test")).Process(ctx, key))
	assert.Equal(t, uint8(2), ctx.GetCurrentTemporalLayer())

	// Subsequent TID 2 packets are accepted.
	tid2 := vp8Payload(303, 33, 2, false, false)
	assert.True(t, NewVp8PayloadDescriptorHandler(Vp8Parse(tid2), NewLogger("test")).Process(ctx, tid2))
}

func TestVp8HandlerRestore(t *testing.T) {
	ctx := NewVp8EncodingContext(maxTemporalLayer)
	// Prime the managers with an earlier stream, then re-anchor: the next
	// stream's identifiers get remapped.
	ctx.pictureIdManager.Input(9000)
	ctx.tl0PictureIndexManager.Input(200)
	ctx.pictureIdManager.Sync(999)
	ctx.tl0PictureIndexManager.Sync(9)
	ctx.syncRequired = false

	payload := vp8Payload(1000, 10, 0, false, false)
	handler := NewVp8PayloadDescriptorHandler(Vp8Parse(payload), NewLogger("test"))
	require.True(t, handler.Process(ctx, payload))

	rewritten := Vp8Parse(payload)
	assert.NotEqual(t, uint16(1000), rewritten.PictureId)

	handler.Restore(payload)
	restored := Vp8Parse(payload)
	assert.Equal(t, uint16(1000), restored.PictureId)
	assert.Equal(t, uint8(10), restored.Tl0PictureIndex)
}
