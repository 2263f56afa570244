package pion

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/roomcast/roomcast/internal/media/engine"
)

// toPionCodec converts an engine codec capability into pion registration
// parameters.
func toPionCodec(c engine.RTPCodecCapability) (webrtc.RTPCodecParameters, webrtc.RTPCodecType, error) {
	var kind webrtc.RTPCodecType
	switch c.Kind {
	case engine.KindAudio:
		kind = webrtc.RTPCodecTypeAudio
	case engine.KindVideo:
		kind = webrtc.RTPCodecTypeVideo
	default:
		return webrtc.RTPCodecParameters{}, 0, fmt.Errorf("unknown media kind %q", c.Kind)
	}

	feedback := make([]webrtc.RTCPFeedback, 0, len(c.RTCPFeedback))
	for _, fb := range c.RTCPFeedback {
		feedback = append(feedback, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}

	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    uint32(c.ClockRate),
			Channels:     uint16(c.Channels),
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: feedback,
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}, kind, nil
}

// fmtpLine renders codec parameters as a deterministic fmtp string.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}
