package worker

// dynamicPayloadTypes are the payload type values a Room may assign to its
// media codecs, in preference order. The upper dynamic range goes first, then
// the values usually taken by static assignments.
var dynamicPayloadTypes = []byte{
	100, 101, 102, 103, 104, 105, 106, 107, 108, 109,
	110, 111, 112, 113, 114, 115, 116, 117, 118, 119,
	120, 121, 122, 123, 124, 125, 126, 127,
	96, 97, 98, 99,
	77, 78, 79, 80, 81, 82, 83, 84, 85, 86,
	87, 88, 89, 90, 91, 92, 93, 94, 95,
	35, 36, 37, 38, 39, 40, 41, 42, 43, 44,
	45, 46, 47, 48, 49, 50, 51, 52, 53, 54,
	55, 56, 57, 58, 59, 60, 61, 62, 63, 64,
	65, 66, 67, 68, 69, 70, 71,
}

// supportedRtpCapabilities is the process-wide capability table merged into
// every Room's capabilities. Initialized at worker boot, not lazily.
var supportedRtpCapabilities = RtpCapabilities{
	HeaderExtensions: []*RtpHeaderExtension{
		{
			Kind:        "",
			Uri:         "urn:ietf:params:rtp-hdrext:sdes:mid",
			PreferredId: 1,
		},
		{
			Kind:        MediaKind_Audio,
			Uri:         "urn:ietf:params:rtp-hdrext:ssrc-audio-level",
			PreferredId: 2,
		},
		{
			Kind:        MediaKind_Video,
			Uri:         "urn:ietf:params:rtp-hdrext:toffset",
			PreferredId: 3,
		},
	},
	FecMechanisms: []string{},
}
