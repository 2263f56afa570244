// Package pion implements the engine contract on top of pion/webrtc's ORTC
// API. Workers are in-process: each one owns a UDP port slice and hosts the
// routers placed on it. The ICE/DTLS/RTP stacks are pion's; the package
// only adapts them to the parameter-object model the signaling core speaks.
package pion

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"

	"github.com/roomcast/roomcast/internal/media/engine"
)

// WorkerConfig carries the per-worker network settings.
type WorkerConfig struct {
	// RTCMinPort and RTCMaxPort bound this worker's UDP allocation range.
	RTCMinPort uint16
	RTCMaxPort uint16

	// ListenIP restricts candidate gathering to one local address.
	// Empty or "0.0.0.0" gathers on all interfaces.
	ListenIP string

	// AnnouncedIP, when set, replaces the host address in ICE candidates.
	// Required when peers connect across NAT.
	AnnouncedIP string
}

// Worker hosts routers over one slice of the UDP port range.
type Worker struct {
	id   string
	cfg  WorkerConfig
	died chan error

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool
}

// NewWorker validates the port range and returns a ready worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.RTCMinPort == 0 || cfg.RTCMaxPort < cfg.RTCMinPort {
		return nil, fmt.Errorf("invalid rtc port range %d-%d", cfg.RTCMinPort, cfg.RTCMaxPort)
	}
	if cfg.ListenIP != "" && net.ParseIP(cfg.ListenIP) == nil {
		return nil, fmt.Errorf("invalid listen ip %q", cfg.ListenIP)
	}
	if cfg.AnnouncedIP != "" && net.ParseIP(cfg.AnnouncedIP) == nil {
		return nil, fmt.Errorf("invalid announced ip %q", cfg.AnnouncedIP)
	}

	return &Worker{
		id:      xid.New().String(),
		cfg:     cfg,
		died:    make(chan error, 1),
		routers: make(map[string]*Router),
	}, nil
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.id }

// Died reports unrecoverable worker failure. The channel delivers at most
// one error; the pool turns it into a process exit.
func (w *Worker) Died() <-chan error { return w.died }

// Closed returns whether the worker has been closed.
func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// CreateRouter builds a router with its own media engine registered from
// the given codec list.
func (w *Worker) CreateRouter(_ context.Context, opts engine.RouterOptions) (engine.Router, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, engine.ErrClosed
	}
	w.mu.Unlock()

	codecs := opts.MediaCodecs
	if len(codecs) == 0 {
		codecs = engine.DefaultMediaCodecs()
	}

	api, err := w.newAPI(codecs)
	if err != nil {
		return nil, fmt.Errorf("build webrtc api: %w", err)
	}

	r := newRouter(w, api, codecs)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		r.Close()
		return nil, engine.ErrClosed
	}
	w.routers[r.ID()] = r
	w.mu.Unlock()

	return r, nil
}

// Close closes the worker and every router on it.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.routers = make(map[string]*Router)
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	close(w.died)
}

func (w *Worker) removeRouter(id string) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

// newAPI assembles a webrtc.API with this worker's network settings and a
// media engine registered from the router codec list.
func (w *Worker) newAPI(codecs []engine.RTPCodecCapability) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := se.SetEphemeralUDPPortRange(w.cfg.RTCMinPort, w.cfg.RTCMaxPort); err != nil {
		return nil, fmt.Errorf("set udp port range: %w", err)
	}
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	se.SetLite(true)

	if w.cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{w.cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if ip := w.cfg.ListenIP; ip != "" && ip != "0.0.0.0" {
		want := net.ParseIP(ip)
		se.SetIPFilter(func(candidate net.IP) bool {
			return candidate.Equal(want)
		})
	}

	me := &webrtc.MediaEngine{}
	for _, c := range codecs {
		params, kind, err := toPionCodec(c)
		if err != nil {
			return nil, err
		}
		if err := me.RegisterCodec(params, kind); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	for _, ext := range engine.DefaultHeaderExtensions() {
		kind := webrtc.RTPCodecTypeAudio
		if ext.Kind == engine.KindVideo {
			kind = webrtc.RTPCodecTypeVideo
		}
		_ = me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.URI}, kind)
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)), nil
}
