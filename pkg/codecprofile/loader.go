// Package codecprofile loads router codec profiles from YAML. A profile
// names the codecs routers negotiate; operators tune it without rebuilding
// the server. Reloads apply to rooms created after the reload.
package codecprofile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/roomcast/roomcast/internal/media/engine"
)

// Profile is the YAML shape of one codec profile file.
type Profile struct {
	Name   string  `yaml:"name"`
	Codecs []Codec `yaml:"codecs"`
}

// Codec is one codec entry in a profile.
type Codec struct {
	Kind         string            `yaml:"kind"`
	MimeType     string            `yaml:"mimeType"`
	PayloadType  uint8             `yaml:"payloadType"`
	ClockRate    int               `yaml:"clockRate"`
	Channels     int               `yaml:"channels"`
	Parameters   map[string]string `yaml:"parameters"`
	RTCPFeedback []string          `yaml:"rtcpFeedback"`
}

// Loader loads and optionally hot-reloads a codec profile file. With no
// path configured it serves the built-in default codec set.
type Loader struct {
	path string

	mu     sync.RWMutex
	codecs []engine.RTPCodecCapability
}

// NewLoader creates a loader for the given profile path. An empty path
// means defaults only.
func NewLoader(path string) *Loader {
	return &Loader{
		path:   path,
		codecs: engine.DefaultMediaCodecs(),
	}
}

// Load reads and applies the profile file.
func (l *Loader) Load() error {
	if l.path == "" {
		return nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read codec profile %q: %w", l.path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse codec profile %q: %w", l.path, err)
	}

	codecs, err := p.capabilities()
	if err != nil {
		return fmt.Errorf("codec profile %q: %w", l.path, err)
	}

	l.mu.Lock()
	l.codecs = codecs
	l.mu.Unlock()
	return nil
}

// Codecs returns the current codec set. Safe for concurrent use.
func (l *Loader) Codecs() []engine.RTPCodecCapability {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]engine.RTPCodecCapability, len(l.codecs))
	copy(out, l.codecs)
	return out
}

func (p *Profile) capabilities() ([]engine.RTPCodecCapability, error) {
	if len(p.Codecs) == 0 {
		return nil, fmt.Errorf("profile %q lists no codecs", p.Name)
	}

	out := make([]engine.RTPCodecCapability, 0, len(p.Codecs))
	for i, c := range p.Codecs {
		kind := engine.MediaKind(c.Kind)
		if kind != engine.KindAudio && kind != engine.KindVideo {
			return nil, fmt.Errorf("codec %d: kind must be audio or video, got %q", i, c.Kind)
		}
		if c.MimeType == "" {
			return nil, fmt.Errorf("codec %d: mimeType is required", i)
		}
		if !strings.HasPrefix(strings.ToLower(c.MimeType), string(kind)+"/") {
			return nil, fmt.Errorf("codec %d: mimeType %q does not match kind %q", i, c.MimeType, c.Kind)
		}
		if c.ClockRate <= 0 {
			return nil, fmt.Errorf("codec %d: clockRate is required", i)
		}

		var params map[string]any
		if len(c.Parameters) > 0 {
			params = make(map[string]any, len(c.Parameters))
			for k, v := range c.Parameters {
				params[k] = v
			}
		}
		var feedback []engine.RTCPFeedback
		for _, fb := range c.RTCPFeedback {
			typ, param, _ := strings.Cut(fb, " ")
			feedback = append(feedback, engine.RTCPFeedback{Type: typ, Parameter: param})
		}

		out = append(out, engine.RTPCodecCapability{
			Kind:                 kind,
			MimeType:             c.MimeType,
			PreferredPayloadType: c.PayloadType,
			ClockRate:            c.ClockRate,
			Channels:             c.Channels,
			Parameters:           params,
			RTCPFeedback:         feedback,
		})
	}
	return out, nil
}

// WatchAndReload watches the profile file for changes and reloads it.
// Blocks until the done channel is closed. A reload that fails to parse is
// skipped, keeping the last good profile.
func (l *Loader) WatchAndReload(done <-chan struct{}, onErr func(error)) error {
	if l.path == "" {
		<-done
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which drops a
	// watch held on the file itself.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("watch dir %q: %w", filepath.Dir(l.path), err)
	}

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(l.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := l.Load(); err != nil && onErr != nil {
					onErr(err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
