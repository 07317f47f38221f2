package worker

import (
	"encoding/binary"

	"github.com/go-logr/logr"
)

// maxTemporalLayer is the sentinel target that disables temporal filtering:
// VP8 never signals a TID above 3.
const maxTemporalLayer = 3

// EncodingContext carries the per-Consumer rewrite state a codec handler
// needs across packets. Concrete contexts are codec specific.
type EncodingContext interface {
	// SetSyncRequired tells the context the next forwarded packet must
	// re-anchor the codec identifier spaces.
	SetSyncRequired()
}

// PayloadDescriptorHandler decides, per packet, whether to forward it and
// rewrites the codec descriptor in place. A handler is attached to a packet
// when its Producer ingests it and is shared by all Consumers of that packet,
// hence Restore.
type PayloadDescriptorHandler interface {
	Process(context EncodingContext, data []byte) bool
	Restore(data []byte)
	IsKeyFrame() bool
}

// Vp8PayloadDescriptor is the parsed form of the descriptor defined in
// RFC 7741 section 4.2.
type Vp8PayloadDescriptor struct {
	// First byte.
	Extended       bool
	NonReference   bool
	Start          bool
	PartitionIndex uint8

	// Extension byte.
	I bool
	L bool
	T bool
	K bool

	PictureId       uint16
	Tl0PictureIndex uint8
	TlIndex         uint8
	Y               bool
	KeyIndex        uint8

	IsKeyFrame           bool
	HasPictureId         bool
	HasOneBytePictureId  bool
	HasTwoBytesPictureId bool
	HasTl0PictureIndex   bool
	HasTlIndex           bool
}

// Vp8Parse extracts the payload descriptor from a VP8 payload. It returns nil
// for non-extended or truncated descriptors; the caller drops such packets
// from the rewrite path.
func Vp8Parse(data []byte) *Vp8PayloadDescriptor {
	if len(data) < 1 {
		return nil
	}

	pd := &Vp8PayloadDescriptor{}

	offset := 0
	b := data[offset]

	pd.Extended = b>>7&0x01 != 0
	pd.NonReference = b>>5&0x01 != 0
	pd.Start = b>>4&0x01 != 0
	pd.PartitionIndex = b & 0x07

	if !pd.Extended {
		return nil
	}

	offset++
	if len(data) < offset+1 {
		return nil
	}
	b = data[offset]

	pd.I = b>>7&0x01 != 0
	pd.L = b>>6&0x01 != 0
	pd.T = b>>5&0x01 != 0
	pd.K = b>>4&0x01 != 0

	if pd.I {
		offset++
		if len(data) < offset+1 {
			return nil
		}
		b = data[offset]

		if b>>7&0x01 != 0 {
			offset++
			if len(data) < offset+1 {
				return nil
			}
			pd.HasTwoBytesPictureId = true
			pd.PictureId = uint16(b&0x7F)<<8 | uint16(data[offset])
		} else {
			pd.HasOneBytePictureId = true
			pd.PictureId = uint16(b & 0x7F)
		}
		pd.HasPictureId = true
	}

	if pd.L {
		offset++
		if len(data) < offset+1 {
			return nil
		}
		pd.HasTl0PictureIndex = true
		pd.Tl0PictureIndex = data[offset]
	}

	if pd.T || pd.K {
		offset++
		if len(data) < offset+1 {
			return nil
		}
		b = data[offset]

		pd.HasTlIndex = true
		pd.TlIndex = b >> 6 & 0x03
		pd.Y = b>>5&0x01 != 0
		pd.KeyIndex = b & 0x1F
	}

	offset++
	if len(data) >= offset+1 && pd.Start && pd.PartitionIndex == 0 && data[offset]&0x01 == 0 {
		pd.IsKeyFrame = true
	}

	return pd
}

// Encode writes the mapped pictureId and tl0PictureIndex back into the raw
// descriptor. The M flag layout already present in data is preserved.
func (pd *Vp8PayloadDescriptor) Encode(data []byte, pictureId uint16, tl0PictureIndex uint8, logger logr.Logger) {
	if !pd.Extended {
		return
	}

	offset := 2

	if pd.I {
		if pd.HasTwoBytesPictureId {
			binary.BigEndian.PutUint16(data[offset:], pictureId)
			data[offset] |= 0x80
			offset += 2
		} else if pd.HasOneBytePictureId {
			data[offset] = byte(pictureId) & 0x7F
			offset++

			if pictureId > 127 {
				logger.V(1).Info("casting pictureId value to one byte", "pictureId", pictureId)
			}
		}
	}

	if pd.L {
		data[offset] = tl0PictureIndex
	}
}

// Restore rewrites the original identifiers, undoing a previous Encode.
func (pd *Vp8PayloadDescriptor) Restore(data []byte, logger logr.Logger) {
	pd.Encode(data, pd.PictureId, pd.Tl0PictureIndex, logger)
}

// Vp8EncodingContext tracks per-Consumer VP8 state: the target and current
// temporal layers plus the pictureId and tl0PictureIndex rewrite managers.
type Vp8EncodingContext struct {
	syncRequired           bool
	currentTemporalLayer   uint8
	targetTemporalLayer    uint8
	pictureIdManager       *SeqManager[uint16]
	tl0PictureIndexManager *SeqManager[uint8]
}

// NewVp8EncodingContext creates a context forwarding every temporal layer up
// to targetTemporalLayer. The pictureId manager is 15 bits wide per RFC 7741.
func NewVp8EncodingContext(targetTemporalLayer uint8) *Vp8EncodingContext {
	return &Vp8EncodingContext{
		syncRequired:           true,
		targetTemporalLayer:    targetTemporalLayer,
		pictureIdManager:       NewSeqManager[uint16](15),
		tl0PictureIndexManager: NewSeqManager[uint8](8),
	}
}

func (c *Vp8EncodingContext) SetSyncRequired() {
	c.syncRequired = true
}

func (c *Vp8EncodingContext) GetCurrentTemporalLayer() uint8 {
	return c.currentTemporalLayer
}

func (c *Vp8EncodingContext) GetTargetTemporalLayer() uint8 {
	return c.targetTemporalLayer
}

// SetTargetTemporalLayer changes the layer subscription. Upgrades take effect
// at the next sync point (Y bit or key frame).
func (c *Vp8EncodingContext) SetTargetTemporalLayer(layer uint8) {
	c.targetTemporalLayer = layer
}

// Vp8PayloadDescriptorHandler drives the forwarding decision for a single
// packet.
type Vp8PayloadDescriptorHandler struct {
	payloadDescriptor *Vp8PayloadDescriptor
	logger            logr.Logger
}

func NewVp8PayloadDescriptorHandler(pd *Vp8PayloadDescriptor, logger logr.Logger) *Vp8PayloadDescriptorHandler {
	return &Vp8PayloadDescriptorHandler{payloadDescriptor: pd, logger: logger}
}

func (h *Vp8PayloadDescriptorHandler) IsKeyFrame() bool {
	return h.payloadDescriptor.IsKeyFrame
}

// Process implements the temporal selection algorithm. It returns false when
// the packet must be dropped; in that case the descriptor identifiers have
// been recorded as dropped so later packets keep a continuous mapping.
func (h *Vp8PayloadDescriptorHandler) Process(context EncodingContext, data []byte) bool {
	ctx := context.(*Vp8EncodingContext)
	pd := h.payloadDescriptor

	if ctx.syncRequired && pd.HasPictureId && pd.HasTl0PictureIndex {
		ctx.pictureIdManager.Sync(pd.PictureId - 1)
		ctx.tl0PictureIndexManager.Sync(pd.Tl0PictureIndex - 1)

		ctx.syncRequired = false
	}

	// A key frame is a sync point for any layer.
	if pd.IsKeyFrame {
		ctx.currentTemporalLayer = ctx.targetTemporalLayer
	}

	// Incremental pictureId. Check the temporal layer.
	if pd.HasPictureId && pd.HasTlIndex && pd.HasTl0PictureIndex &&
		ctx.pictureIdManager.IsHigherThan(pd.PictureId, ctx.pictureIdManager.GetMaxInput()) {
		if pd.TlIndex > ctx.targetTemporalLayer {
			ctx.pictureIdManager.Drop(pd.PictureId)
			ctx.tl0PictureIndexManager.Drop(pd.Tl0PictureIndex)

			return false
		} else if pd.TlIndex > ctx.currentTemporalLayer && !pd.Y {
			// Upgrade requires a sync point.
			ctx.pictureIdManager.Drop(pd.PictureId)
			ctx.tl0PictureIndexManager.Drop(pd.Tl0PictureIndex)

			return false
		}
	}

	var pictureId uint16
	var tl0PictureIndex uint8

	// Do not send a dropped pictureId.
	if pd.HasPictureId {
		mapped, ok := ctx.pictureIdManager.Input(pd.PictureId)
		if !ok {
			return false
		}
		pictureId = mapped
	}

	// Do not send a dropped tl0PictureIndex.
	if pd.HasTl0PictureIndex {
		mapped, ok := ctx.tl0PictureIndexManager.Input(pd.Tl0PictureIndex)
		if !ok {
			return false
		}
		tl0PictureIndex = mapped
	}

	if pd.HasTlIndex && pd.TlIndex > ctx.currentTemporalLayer {
		ctx.currentTemporalLayer = pd.TlIndex
	}
	if ctx.currentTemporalLayer > ctx.targetTemporalLayer {
		ctx.currentTemporalLayer = ctx.targetTemporalLayer
	}

	if pd.HasPictureId && pd.HasTl0PictureIndex {
		pd.Encode(data, pictureId, tl0PictureIndex, h.logger)
	}

	return true
}

// Restore rewrites the original identifiers so the shared packet can be
// offered to the next Consumer untouched.
func (h *Vp8PayloadDescriptorHandler) Restore(data []byte) {
	pd := h.payloadDescriptor
	if pd.HasPictureId && pd.HasTl0PictureIndex {
		pd.Restore(data, h.logger)
	}
}

// Vp8ProcessRtpPacket parses the descriptor of an incoming VP8 packet,
// attaches the handler, and normalizes one byte pictureIds to the two byte
// form so downstream ids may exceed 127.
func Vp8ProcessRtpPacket(packet *RtpPacket, logger logr.Logger) {
	pd := Vp8Parse(packet.GetPayload())
	if pd == nil {
		return
	}

	packet.SetPayloadDescriptorHandler(NewVp8PayloadDescriptorHandler(pd, logger))

	if pd.HasOneBytePictureId {
		// Shift the payload one byte from the beginning of the pictureId field.
		if err := packet.ShiftPayload(2, 1, true); err != nil {
			packet.SetPayloadDescriptorHandler(nil)
			return
		}

		payload := packet.GetPayload()
		// Set the two byte pictureId marker bit and rewrite the value.
		binary.BigEndian.PutUint16(payload[2:], pd.PictureId)
		payload[2] |= 0x80

		pd.HasOneBytePictureId = false
		pd.HasTwoBytesPictureId = true
	}
}
