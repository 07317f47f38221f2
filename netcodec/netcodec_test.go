package netcodec

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferCloser struct {
	bytes.Buffer
}

func (b *bufferCloser) Close() error { return nil }

func TestNetStringRoundTrip(t *testing.T) {
	buf := &bufferCloser{}

	writer := NewNetStringCodec(buf, io.NopCloser(&bytes.Buffer{}))
	require.NoError(t, writer.WritePayload([]byte(`{"id":1}`)))
	require.NoError(t, writer.WritePayload([]byte(`hello`)))

	assert.Equal(t, `8:{"id":1},5:hello,`, buf.String())

	reader := NewNetStringCodec(&bufferCloser{}, io.NopCloser(bytes.NewReader(buf.Bytes())))

	payload, err := reader.ReadPayload()
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(payload))

	payload, err = reader.ReadPayload()
	require.NoError(t, err)
	assert.Equal(t, `hello`, string(payload))

	_, err = reader.ReadPayload()
	assert.Error(t, err, "EOF after the last payload")
}

func TestNetStringRejectsBadFraming(t *testing.T) {
	reader := NewNetStringCodec(&bufferCloser{}, io.NopCloser(bytes.NewReader([]byte("5:hello;"))))

	_, err := reader.ReadPayload()
	assert.Error(t, err, "wrong end symbol")

	reader = NewNetStringCodec(&bufferCloser{}, io.NopCloser(bytes.NewReader([]byte("x:hello,"))))
	_, err = reader.ReadPayload()
	assert.Error(t, err, "non numeric length")
}

func TestNetLVRoundTrip(t *testing.T) {
	buf := &bufferCloser{}

	writer := NewNetLVCodec(buf, io.NopCloser(&bytes.Buffer{}), binary.LittleEndian)
	require.NoError(t, writer.WritePayload([]byte("payload")))

	reader := NewNetLVCodec(&bufferCloser{}, io.NopCloser(bytes.NewReader(buf.Bytes())), binary.LittleEndian)
	payload, err := reader.ReadPayload()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(payload))
}

func TestNetLVSkipsEmptyPayload(t *testing.T) {
	buf := &bufferCloser{}
	writer := NewNetLVCodec(buf, io.NopCloser(&bytes.Buffer{}), binary.LittleEndian)

	require.NoError(t, writer.WritePayload(nil))
	assert.Zero(t, buf.Len())
}
