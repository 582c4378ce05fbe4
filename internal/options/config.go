// Package options is the engine's option store.
//
// Options are loaded with viper from defaults, an optional YAML file and
// FTPENGINE_* environment variables, decoded with mapstructure and validated
// with go-playground/validator. The engine only reads options, by key.
package options

import (
	"time"
)

// Config is the decoded and validated option set.
type Config struct {
	Transfer   TransferConfig   `mapstructure:"transfer"`
	SpeedLimit SpeedLimitConfig `mapstructure:"speedlimit"`
	TLS        TLSConfig        `mapstructure:"tls"`
	ExternalIP ExternalIPConfig `mapstructure:"externalip"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Cache      CacheConfig      `mapstructure:"cache"`
}

// TransferConfig controls data connections.
type TransferConfig struct {
	// LimitPorts restricts active mode listeners to [LimitPortsLow, LimitPortsHigh].
	LimitPorts     bool `mapstructure:"limit_ports"`
	LimitPortsLow  int  `mapstructure:"limit_ports_low" validate:"min=1,max=65535"`
	LimitPortsHigh int  `mapstructure:"limit_ports_high" validate:"min=1,max=65535,gtefield=LimitPortsLow"`
	// LimitPortsOffset is added to the advertised port, for NAT port forwarding.
	LimitPortsOffset int `mapstructure:"limit_ports_offset" validate:"min=-65535,max=65535"`

	// Socket buffer sizes in bytes, 0 keeps the OS default.
	SocketRecvBuffer int `mapstructure:"socket_recv_buffer" validate:"min=0"`
	SocketSendBuffer int `mapstructure:"socket_send_buffer" validate:"min=0"`

	UsePasv           bool `mapstructure:"use_pasv"`
	AllowModeFallback bool `mapstructure:"allow_mode_fallback"`

	// BufferSize and BufferCount size the shared transfer buffer pool.
	BufferSize  int `mapstructure:"buffer_size" validate:"min=4096"`
	BufferCount int `mapstructure:"buffer_count" validate:"min=2"`
}

// SpeedLimitConfig holds bandwidth limits in bytes per second, 0 = unlimited.
type SpeedLimitConfig struct {
	Inbound  int64 `mapstructure:"inbound" validate:"min=0"`
	Outbound int64 `mapstructure:"outbound" validate:"min=0"`
	Burst    int   `mapstructure:"burst" validate:"min=0"`
}

// TLSConfig holds data and control channel TLS settings.
type TLSConfig struct {
	MinVersion string `mapstructure:"min_version" validate:"oneof=1.0 1.1 1.2 1.3"`
}

// External IP modes.
const (
	ExternalIPModeLocal    = 0
	ExternalIPModeFixed    = 1
	ExternalIPModeResolver = 2
)

// ExternalIPConfig selects the address advertised in active mode.
type ExternalIPConfig struct {
	Mode              int    `mapstructure:"mode" validate:"min=0,max=2"`
	Address           string `mapstructure:"address" validate:"omitempty,ip"`
	ResolverURL       string `mapstructure:"resolver_url"`
	NoExternalOnLocal bool   `mapstructure:"no_external_on_local"`
}

// ConnectionConfig holds control connection timing.
type ConnectionConfig struct {
	// Timeout resets a connection that made no progress for this long, 0 disables it.
	Timeout time.Duration `mapstructure:"timeout" validate:"min=0"`
	// Keepalive sends NOOP after this much idle time, 0 disables it.
	Keepalive time.Duration `mapstructure:"keepalive" validate:"min=0"`
}

// LoggingConfig controls engine log verbosity.
type LoggingConfig struct {
	DebugLevel int  `mapstructure:"debug_level" validate:"min=0,max=4"`
	RawListing bool `mapstructure:"raw_listing"`
}

// CacheConfig locates persistent caches.
type CacheConfig struct {
	// CapabilitiesPath is a badger directory; empty keeps capabilities in memory.
	CapabilitiesPath string `mapstructure:"capabilities_path"`
}

// defaults mirrors Config with the values used when nothing else is set.
var defaults = map[string]any{
	"transfer.limit_ports":            false,
	"transfer.limit_ports_low":        6000,
	"transfer.limit_ports_high":       7000,
	"transfer.limit_ports_offset":     0,
	"transfer.socket_recv_buffer":     4 * 1024 * 1024,
	"transfer.socket_send_buffer":     256 * 1024,
	"transfer.use_pasv":               true,
	"transfer.allow_mode_fallback":    true,
	"transfer.buffer_size":            128 * 1024,
	"transfer.buffer_count":           8,
	"speedlimit.inbound":              0,
	"speedlimit.outbound":             0,
	"speedlimit.burst":                0,
	"tls.min_version":                 "1.2",
	"externalip.mode":                 ExternalIPModeLocal,
	"externalip.address":              "",
	"externalip.resolver_url":         "http://ip.filezilla-project.org/ip.php",
	"externalip.no_external_on_local": true,
	"connection.timeout":              "20s",
	"connection.keepalive":            "0s",
	"logging.debug_level":             0,
	"logging.raw_listing":             false,
	"cache.capabilities_path":         "",
}
