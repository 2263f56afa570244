// Package config holds the environment-driven service configuration.
package config

import (
	"fmt"
	"time"

	"github.com/pitabwire/frame/config"
)

// RoomcastConfig configures the signaling coordinator and its media workers.
type RoomcastConfig struct {
	config.ConfigurationDefault

	// Media workers.
	NumWorkers int    `envDefault:"2"       env:"NUM_WORKERS"`
	RTCMinPort int    `envDefault:"40000"   env:"RTC_MIN_PORT"`
	RTCMaxPort int    `envDefault:"49999"   env:"RTC_MAX_PORT"`
	ListenIP   string `envDefault:"0.0.0.0" env:"LISTEN_IP"`
	// AnnouncedIP replaces the host address in ICE candidates; set it to
	// the public address when the server sits behind NAT.
	AnnouncedIP string `envDefault:"" env:"ANNOUNCED_IP"`

	// Signaling.
	MaxIncomingBitrate              int `envDefault:"1500000" env:"MAX_INCOMING_BITRATE"`
	InitialAvailableOutgoingBitrate int `envDefault:"600000"  env:"INITIAL_AVAILABLE_OUTGOING_BITRATE"`
	MinimumAvailableOutgoingBitrate int `envDefault:"100000"  env:"MINIMUM_AVAILABLE_OUTGOING_BITRATE"`
	EngineCallTimeoutMs             int `envDefault:"10000"   env:"ENGINE_CALL_TIMEOUT_MS"`

	// Codec profile, optional. Empty runs the built-in codec set.
	CodecProfilePath string `envDefault:"" env:"CODEC_PROFILE_PATH"`

	// Operator API listen address.
	AdminListenAddr string `envDefault:":8281" env:"ADMIN_LISTEN_ADDR"`

	// Session history persistence.
	HistoryEnabled bool `envDefault:"false" env:"HISTORY_ENABLED"`

	// Lifecycle event queue reference, resolved by frame's queue manager.
	EventQueueRef string `envDefault:"roomcast.events" env:"EVENT_QUEUE_REF"`
}

// Validate rejects settings the worker pool cannot run with.
func (c *RoomcastConfig) Validate() error {
	if c.NumWorkers <= 0 {
		return fmt.Errorf("NUM_WORKERS must be positive, got %d", c.NumWorkers)
	}
	if c.RTCMinPort <= 0 || c.RTCMinPort > 65535 || c.RTCMaxPort > 65535 || c.RTCMaxPort < c.RTCMinPort {
		return fmt.Errorf("invalid rtc port range %d-%d", c.RTCMinPort, c.RTCMaxPort)
	}
	if span := c.RTCMaxPort - c.RTCMinPort + 1; span < c.NumWorkers {
		return fmt.Errorf("rtc port range %d-%d too small for %d workers", c.RTCMinPort, c.RTCMaxPort, c.NumWorkers)
	}
	return nil
}

// EngineCallTimeout returns the per-call engine deadline.
func (c *RoomcastConfig) EngineCallTimeout() time.Duration {
	return time.Duration(c.EngineCallTimeoutMs) * time.Millisecond
}

// WorkerPortRange slices the configured UDP range into per-worker windows
// so workers never contend for ports. Worker i gets the i-th slice.
func (c *RoomcastConfig) WorkerPortRange(i int) (uint16, uint16) {
	span := (c.RTCMaxPort - c.RTCMinPort + 1) / c.NumWorkers
	min := c.RTCMinPort + i*span
	max := min + span - 1
	if i == c.NumWorkers-1 {
		max = c.RTCMaxPort
	}
	return uint16(min), uint16(max)
}
