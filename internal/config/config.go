// Package config loads the agent configuration from a YAML or TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/gg-glitch-88/desklink/internal/audio"
)

var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration written as a string ("15s") in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

type Config struct {
	Device        DeviceConfig        `yaml:"device" toml:"device"`
	Network       NetworkConfig       `yaml:"network" toml:"network"`
	Radio         RadioConfig         `yaml:"radio" toml:"radio"`
	Audio         AudioConfig         `yaml:"audio" toml:"audio"`
	Reconnect     ReconnectConfig     `yaml:"reconnect" toml:"reconnect"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications"`
	Store         StoreConfig         `yaml:"store" toml:"store"`
	API           APIConfig           `yaml:"api" toml:"api"`
	Log           LogConfig           `yaml:"log" toml:"log"`
}

// DeviceConfig identifies this device in the registration handshake. An
// empty ID uses the one generated on first start.
type DeviceConfig struct {
	ID         string `yaml:"id" toml:"id"`
	Name       string `yaml:"name" toml:"name"`
	AppVersion string `yaml:"app_version" toml:"app_version"`
}

type NetworkConfig struct {
	Service           string   `yaml:"service" toml:"service"`
	Domain            string   `yaml:"domain" toml:"domain"`
	Path              string   `yaml:"path" toml:"path"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	DiscoveryTimeout  Duration `yaml:"discovery_timeout" toml:"discovery_timeout"`
	DialTimeout       Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	WriteTimeout      Duration `yaml:"write_timeout" toml:"write_timeout"`
}

type RadioConfig struct {
	Adapter        string   `yaml:"adapter" toml:"adapter"`
	NameFilter     string   `yaml:"name_filter" toml:"name_filter"`
	ServiceUUID    string   `yaml:"service_uuid" toml:"service_uuid"`
	Channel        int      `yaml:"channel" toml:"channel"`
	MaxAttempts    int      `yaml:"max_attempts" toml:"max_attempts"`
	RetryBaseDelay Duration `yaml:"retry_base_delay" toml:"retry_base_delay"`
	ReadBuffer     int      `yaml:"read_buffer" toml:"read_buffer"`
}

type AudioConfig struct {
	audio.Format `yaml:",inline"`

	ChunkBytes      int      `yaml:"chunk_bytes" toml:"chunk_bytes"`
	CaptureCommand  []string `yaml:"capture_command" toml:"capture_command"`
	PlaybackCommand []string `yaml:"playback_command" toml:"playback_command"`
}

type ReconnectConfig struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	InitialDelay Duration `yaml:"initial_delay" toml:"initial_delay"`
	Multiplier   float64  `yaml:"multiplier" toml:"multiplier"`
	MaxDelay     Duration `yaml:"max_delay" toml:"max_delay"`
	Jitter       bool     `yaml:"jitter" toml:"jitter"`
	MaxAttempts  int      `yaml:"max_attempts" toml:"max_attempts"`
}

type NotificationsConfig struct {
	IgnoreApps []string `yaml:"ignore_apps" toml:"ignore_apps"`
}

// StoreConfig points at the SQLite file. An empty path keeps everything in
// memory.
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type APIConfig struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
}

type LogConfig struct {
	Level       string `yaml:"level" toml:"level"`
	Development bool   `yaml:"development" toml:"development"`
}

// Default returns the stock configuration.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "desklink"
	}
	return &Config{
		Device: DeviceConfig{Name: host, AppVersion: "1.0"},
		Network: NetworkConfig{
			Service:           "_desklink._tcp",
			Domain:            "local.",
			Path:              "/ws",
			HeartbeatInterval: Duration(15 * time.Second),
			DiscoveryTimeout:  Duration(30 * time.Second),
			DialTimeout:       Duration(10 * time.Second),
			WriteTimeout:      Duration(10 * time.Second),
		},
		Radio: RadioConfig{
			Adapter:        "hci0",
			NameFilter:     "desklink",
			ServiceUUID:    "00001101-0000-1000-8000-00805F9B34FB",
			Channel:        1,
			MaxAttempts:    3,
			RetryBaseDelay: Duration(2 * time.Second),
			ReadBuffer:     1024,
		},
		Audio: AudioConfig{
			Format:     audio.DefaultFormat(),
			ChunkBytes: audio.DefaultChunkBytes,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: Duration(2 * time.Second),
			Multiplier:   2,
			MaxDelay:     Duration(time.Minute),
			Jitter:       true,
		},
		Notifications: NotificationsConfig{IgnoreApps: []string{"android", "com.android.systemui"}},
		Store:         StoreConfig{Path: "desklink.db"},
		API:           APIConfig{ListenAddr: "127.0.0.1:8765"},
		Log:           LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .toml for TOML, anything else YAML. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(raw), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges. Every problem is reported, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}
	check(strings.TrimSpace(c.Device.Name) != "", "device.name must not be empty")
	check(strings.HasPrefix(c.Network.Path, "/"), "network.path must start with /")
	check(c.Network.HeartbeatInterval > 0, "network.heartbeat_interval must be positive")
	check(c.Network.DiscoveryTimeout >= 0, "network.discovery_timeout must not be negative")
	check(c.Network.DialTimeout > 0, "network.dial_timeout must be positive")
	check(c.Network.WriteTimeout > 0, "network.write_timeout must be positive")
	check(strings.TrimSpace(c.Radio.NameFilter) != "", "radio.name_filter must not be empty")
	check(c.Radio.Channel >= 1 && c.Radio.Channel <= 30, "radio.channel must be 1-30")
	check(c.Radio.MaxAttempts >= 1, "radio.max_attempts must be at least 1")
	check(c.Radio.RetryBaseDelay >= 0, "radio.retry_base_delay must not be negative")
	check(c.Radio.ReadBuffer > 0, "radio.read_buffer must be positive")
	if err := c.Audio.Format.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	check(c.Audio.ChunkBytes > 0, "audio.chunk_bytes must be positive")
	if c.Reconnect.Enabled {
		check(c.Reconnect.InitialDelay > 0, "reconnect.initial_delay must be positive")
		check(c.Reconnect.Multiplier >= 1, "reconnect.multiplier must be at least 1")
		check(c.Reconnect.MaxDelay >= c.Reconnect.InitialDelay, "reconnect.max_delay must not be below initial_delay")
	}
	check(c.Reconnect.MaxAttempts >= 0, "reconnect.max_attempts must not be negative")
	check(strings.TrimSpace(c.API.ListenAddr) != "", "api.listen_addr must not be empty")
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
