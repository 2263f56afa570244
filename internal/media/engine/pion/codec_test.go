package pion

import (
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/roomcast/roomcast/internal/media/engine"
)

func TestToPionCodec(t *testing.T) {
	params, kind, err := toPionCodec(engine.RTPCodecCapability{
		Kind:                 engine.KindAudio,
		MimeType:             "audio/opus",
		PreferredPayloadType: 111,
		ClockRate:            48000,
		Channels:             2,
		Parameters:           map[string]any{"useinbandfec": 1, "minptime": 10},
		RTCPFeedback:         []engine.RTCPFeedback{{Type: "transport-cc"}},
	})
	if err != nil {
		t.Fatalf("to pion codec: %v", err)
	}
	if kind != webrtc.RTPCodecTypeAudio {
		t.Errorf("kind = %v, want audio", kind)
	}
	if params.PayloadType != 111 || params.ClockRate != 48000 || params.Channels != 2 {
		t.Errorf("unexpected params %+v", params)
	}
	if params.SDPFmtpLine != "minptime=10;useinbandfec=1" {
		t.Errorf("fmtp = %q", params.SDPFmtpLine)
	}
	if len(params.RTCPFeedback) != 1 || params.RTCPFeedback[0].Type != "transport-cc" {
		t.Errorf("feedback = %+v", params.RTCPFeedback)
	}
}

func TestToPionCodecRejectsUnknownKind(t *testing.T) {
	_, _, err := toPionCodec(engine.RTPCodecCapability{
		Kind:      engine.MediaKind("screen"),
		MimeType:  "video/VP8",
		ClockRate: 90000,
	})
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestFmtpLineDeterministic(t *testing.T) {
	params := map[string]any{"b": 2, "a": 1, "c": "x"}
	want := "a=1;b=2;c=x"
	for i := 0; i < 8; i++ {
		if got := fmtpLine(params); got != want {
			t.Fatalf("fmtp = %q, want %q", got, want)
		}
	}
	if fmtpLine(nil) != "" {
		t.Error("empty params must render empty fmtp")
	}
}

func TestWorkerConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  WorkerConfig
		ok   bool
	}{
		{"valid", WorkerConfig{RTCMinPort: 40000, RTCMaxPort: 40999}, true},
		{"zero min", WorkerConfig{RTCMinPort: 0, RTCMaxPort: 40999}, false},
		{"inverted range", WorkerConfig{RTCMinPort: 41000, RTCMaxPort: 40999}, false},
		{"bad listen ip", WorkerConfig{RTCMinPort: 40000, RTCMaxPort: 40999, ListenIP: "nope"}, false},
		{"bad announced ip", WorkerConfig{RTCMinPort: 40000, RTCMaxPort: 40999, AnnouncedIP: "nope"}, false},
		{"announced ip", WorkerConfig{RTCMinPort: 40000, RTCMaxPort: 40999, AnnouncedIP: "203.0.113.7"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, err := NewWorker(tc.cfg)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
			if w != nil {
				w.Close()
			}
		})
	}
}
