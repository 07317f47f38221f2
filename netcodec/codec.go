// Package netcodec frames the channel byte stream between the worker and its
// controller. Payloads are either netstring encoded or length prefixed with a
// native-endian uint32, matching what the controller side expects.
package netcodec

type Codec interface {
	WritePayload(payload []byte) error
	ReadPayload() ([]byte, error)
	Close() error
}
