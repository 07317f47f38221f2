package worker

import (
	"encoding/json"
	"strings"
)

// Media kind ("audio" or "video").
type MediaKind string

const (
	MediaKind_Audio MediaKind = "audio"
	MediaKind_Video MediaKind = "video"
)

// Profile is a simulcast quality tier. Profiles are totally ordered so the
// Consumer can pick the best available tier at or below the preferred one.
type Profile int

const (
	Profile_None Profile = iota
	Profile_Low
	Profile_Medium
	Profile_High
)

var profile2String = map[Profile]string{
	Profile_None:   "none",
	Profile_Low:    "low",
	Profile_Medium: "medium",
	Profile_High:   "high",
}

var string2Profile = map[string]Profile{
	"none":   Profile_None,
	"low":    Profile_Low,
	"medium": Profile_Medium,
	"high":   Profile_High,
}

func (p Profile) String() string {
	return profile2String[p]
}

func (p Profile) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Profile) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	profile, ok := string2Profile[s]
	if !ok {
		return NewProtocolError("unknown profile %q", s)
	}
	*p = profile
	return nil
}

// RtpCapabilities define what the room or an endpoint can receive at media level.
type RtpCapabilities struct {
	// Codecs is the supported media and RTX codecs.
	Codecs []*RtpCodecParameters `json:"codecs,omitempty"`

	// HeaderExtensions is the supported RTP header extensions.
	HeaderExtensions []*RtpHeaderExtension `json:"headerExtensions,omitempty"`

	// FecMechanisms is the supported FEC mechanisms.
	FecMechanisms []string `json:"fecMechanisms,omitempty"`
}

// RtpHeaderExtension provides information relating to supported header extensions.
type RtpHeaderExtension struct {
	// Kind is media kind. If empty string, it's valid for all kinds.
	Kind MediaKind `json:"kind"`

	// URI of the RTP header extension, as defined in RFC 5285.
	Uri string `json:"uri"`

	// PreferredId is the preferred numeric identifier that goes in the RTP packet.
	PreferredId int `json:"preferredId"`

	// PreferredEncrypt if true, it is preferred that the value in the header be
	// encrypted as per RFC 6904. Default false.
	PreferredEncrypt bool `json:"preferredEncrypt,omitempty"`
}

// RtcpFeedback provides information on RTCP feedback messages for a specific
// codec. "nack" enables the retransmission buffer, "nack pli" the picture loss
// handling.
type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RtpCodecParameters provides information on codec settings within the RTP
// parameters.
type RtpCodecParameters struct {
	// Kind is the media kind. Only meaningful at room-capability scope.
	Kind MediaKind `json:"kind,omitempty"`

	// MimeType is the codec MIME media type/subtype (e.g. 'audio/opus', 'video/VP8').
	MimeType string `json:"mimeType"`

	// PayloadType identifies the codec payload type in RTP packets.
	PayloadType byte `json:"payloadType"`

	// ClockRate is the codec clock rate expressed in Hertz.
	ClockRate int `json:"clockRate"`

	// Channels is the number of channels supported (e.g. 2 for stereo). Just for audio.
	Channels int `json:"channels,omitempty"`

	// Parameters is codec-specific parameters available for signaling.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// RtcpFeedback is the transport layer and codec-specific feedback messages for this codec.
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

func (r RtpCodecParameters) isRtxCodec() bool {
	return strings.HasSuffix(strings.ToLower(r.MimeType), "/rtx")
}

func (r RtpCodecParameters) isFeatureCodec() bool {
	mimeType := strings.ToLower(r.MimeType)
	return r.isRtxCodec() ||
		strings.HasSuffix(mimeType, "/ulpfec") ||
		strings.HasSuffix(mimeType, "/flexfec-03") ||
		strings.HasSuffix(mimeType, "/red")
}

// Matches tells whether the given codec is compatible with this one. Used
// when a Producer's parameters are validated against the room capabilities.
func (r RtpCodecParameters) Matches(codec *RtpCodecParameters) bool {
	if !strings.EqualFold(r.MimeType, codec.MimeType) {
		return false
	}
	if r.ClockRate != codec.ClockRate {
		return false
	}
	if strings.HasPrefix(strings.ToLower(r.MimeType), "audio/") &&
		r.Channels > 0 && codec.Channels > 0 && r.Channels != codec.Channels {
		return false
	}
	return true
}

// RtxParameters holds the RTX stream ssrc associated to an encoding.
type RtxParameters struct {
	Ssrc uint32 `json:"ssrc"`
}

// RtpEncodingParameters provides information relating to an encoding, which
// represents a media RTP stream and its associated RTX stream (if any).
type RtpEncodingParameters struct {
	// Ssrc is the media SSRC.
	Ssrc uint32 `json:"ssrc,omitempty"`

	// Rid is the RTP stream id, for ssrc-less simulcast.
	Rid string `json:"rid,omitempty"`

	// CodecPayloadType maps the encoding to a codec in RtpParameters.Codecs.
	CodecPayloadType byte `json:"codecPayloadType,omitempty"`

	// Rtx holds the associated RTX stream parameters, if RTX is negotiated.
	Rtx *RtxParameters `json:"rtx,omitempty"`

	// Profile is the simulcast tier this encoding carries.
	Profile Profile `json:"profile,omitempty"`
}

// RtcpParameters provides information on RTCP settings within the RTP parameters.
type RtcpParameters struct {
	// Cname is the canonical name used by RTCP SDES.
	Cname string `json:"cname,omitempty"`

	// ReducedSize whether reduced size RTCP (RFC 5506) is configured.
	ReducedSize *bool `json:"reducedSize,omitempty"`
}

// RtpParameters describe a media stream as received by a Producer or emitted
// by a Consumer.
type RtpParameters struct {
	// Mid is the RTP stream mid value, if any.
	Mid string `json:"muxId,omitempty"`

	Codecs []*RtpCodecParameters `json:"codecs"`

	HeaderExtensions []*RtpHeaderExtension `json:"headerExtensions,omitempty"`

	Encodings []*RtpEncodingParameters `json:"encodings,omitempty"`

	Rtcp RtcpParameters `json:"rtcp,omitempty"`
}

// GetCodecForEncoding returns the media codec the encoding carries: the one
// referenced by codecPayloadType, else the first non-feature codec.
func (r *RtpParameters) GetCodecForEncoding(encoding *RtpEncodingParameters) *RtpCodecParameters {
	if encoding.CodecPayloadType != 0 {
		for _, codec := range r.Codecs {
			if codec.PayloadType == encoding.CodecPayloadType {
				return codec
			}
		}
	}
	for _, codec := range r.Codecs {
		if !codec.isFeatureCodec() {
			return codec
		}
	}
	return nil
}

// GetRtxCodecForEncoding returns the RTX codec whose "apt" parameter points at
// the encoding's media codec, or nil.
func (r *RtpParameters) GetRtxCodecForEncoding(encoding *RtpEncodingParameters) *RtpCodecParameters {
	mediaCodec := r.GetCodecForEncoding(encoding)
	if mediaCodec == nil {
		return nil
	}
	for _, codec := range r.Codecs {
		if !codec.isRtxCodec() {
			continue
		}
		if apt, ok := codec.Parameters["apt"]; ok {
			switch v := apt.(type) {
			case float64:
				if byte(v) == mediaCodec.PayloadType {
					return codec
				}
			case int:
				if byte(v) == mediaCodec.PayloadType {
					return codec
				}
			}
		}
	}
	return nil
}
