package engine

// DefaultMediaCodecs is the built-in router codec set. Deployments can
// replace it with a codec profile file; the list only seeds router
// creation, negotiation uses whatever the router advertises.
func DefaultMediaCodecs() []RTPCodecCapability {
	return []RTPCodecCapability{
		{
			Kind:                 KindAudio,
			MimeType:             "audio/opus",
			PreferredPayloadType: 111,
			ClockRate:            48000,
			Channels:             2,
			Parameters:           map[string]any{"minptime": 10, "useinbandfec": 1},
		},
		{
			Kind:                 KindAudio,
			MimeType:             "audio/PCMU",
			PreferredPayloadType: 0,
			ClockRate:            8000,
			Channels:             1,
		},
		{
			Kind:                 KindAudio,
			MimeType:             "audio/PCMA",
			PreferredPayloadType: 8,
			ClockRate:            8000,
			Channels:             1,
		},
		{
			Kind:                 KindVideo,
			MimeType:             "video/VP8",
			PreferredPayloadType: 96,
			ClockRate:            90000,
			RTCPFeedback: []RTCPFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
				{Type: "goog-remb"},
			},
		},
		{
			Kind:                 KindVideo,
			MimeType:             "video/VP9",
			PreferredPayloadType: 98,
			ClockRate:            90000,
			Parameters:           map[string]any{"profile-id": 0},
			RTCPFeedback: []RTCPFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
				{Type: "goog-remb"},
			},
		},
		{
			Kind:                 KindVideo,
			MimeType:             "video/H264",
			PreferredPayloadType: 102,
			ClockRate:            90000,
			Parameters: map[string]any{
				"level-asymmetry-allowed": 1,
				"packetization-mode":      1,
				"profile-level-id":        "42001f",
			},
			RTCPFeedback: []RTCPFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
				{Type: "goog-remb"},
			},
		},
	}
}

// DefaultHeaderExtensions is the router's advertised header extension set.
func DefaultHeaderExtensions() []RTPHeaderExtension {
	return []RTPHeaderExtension{
		{Kind: KindAudio, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", PreferredID: 1},
		{Kind: KindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 4},
		{Kind: KindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 4},
		{Kind: KindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id", PreferredID: 5},
	}
}
