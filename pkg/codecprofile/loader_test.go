package codecprofile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/roomcast/roomcast/internal/media/engine"
)

const sampleProfile = `
name: audio-only
codecs:
  - kind: audio
    mimeType: audio/opus
    payloadType: 111
    clockRate: 48000
    channels: 2
    parameters:
      useinbandfec: "1"
  - kind: video
    mimeType: video/VP8
    payloadType: 96
    clockRate: 90000
    rtcpFeedback:
      - nack
      - nack pli
`

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func TestLoaderDefaultsWithoutPath(t *testing.T) {
	l := NewLoader("")
	if err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(l.Codecs()) == 0 {
		t.Fatal("no default codecs")
	}
}

func TestLoaderParsesProfile(t *testing.T) {
	l := NewLoader(writeProfile(t, sampleProfile))
	if err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	codecs := l.Codecs()
	if len(codecs) != 2 {
		t.Fatalf("codecs = %d, want 2", len(codecs))
	}

	opus := codecs[0]
	if opus.Kind != engine.KindAudio || opus.MimeType != "audio/opus" || opus.ClockRate != 48000 || opus.Channels != 2 {
		t.Errorf("unexpected opus entry %+v", opus)
	}
	if opus.Parameters["useinbandfec"] != "1" {
		t.Errorf("opus parameters = %+v", opus.Parameters)
	}

	vp8 := codecs[1]
	if vp8.Kind != engine.KindVideo || len(vp8.RTCPFeedback) != 2 {
		t.Fatalf("unexpected vp8 entry %+v", vp8)
	}
	if vp8.RTCPFeedback[1].Type != "nack" || vp8.RTCPFeedback[1].Parameter != "pli" {
		t.Errorf("vp8 feedback = %+v", vp8.RTCPFeedback)
	}
}

func TestLoaderRejectsBadProfiles(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"no codecs", "name: empty\ncodecs: []\n"},
		{"bad kind", "codecs:\n  - kind: screen\n    mimeType: video/VP8\n    clockRate: 90000\n"},
		{"kind mismatch", "codecs:\n  - kind: audio\n    mimeType: video/VP8\n    clockRate: 90000\n"},
		{"missing clock rate", "codecs:\n  - kind: audio\n    mimeType: audio/opus\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := NewLoader(writeProfile(t, tc.content))
			if err := l.Load(); err == nil {
				t.Fatal("expected load error")
			}
		})
	}
}

func TestLoaderKeepsLastGoodProfileOnBadReload(t *testing.T) {
	path := writeProfile(t, sampleProfile)
	l := NewLoader(path)
	if err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := os.WriteFile(path, []byte("codecs: []\n"), 0o600); err != nil {
		t.Fatalf("rewrite profile: %v", err)
	}
	if err := l.Load(); err == nil {
		t.Fatal("expected reload error")
	}
	if len(l.Codecs()) != 2 {
		t.Errorf("codecs after failed reload = %d, want 2", len(l.Codecs()))
	}
}
