package options

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var validate = validator.New()

// Store serves options by key from the last valid configuration.
// It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	v         *viper.Viper
	cur       atomic.Pointer[Config]
	listeners []func(*Config)
}

// Load reads defaults, the file at path (if not empty) and FTPENGINE_*
// environment variables, then decodes and validates the result.
func Load(path string) (*Store, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	s := &Store{v: v}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	s.cur.Store(cfg)
	return s, nil
}

// Defaults returns a store holding only the built-in defaults and environment overrides.
func Defaults() *Store {
	s, err := Load("")
	if err != nil {
		// The defaults are valid; only a malformed environment can get here.
		panic(err)
	}
	return s
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("FTPENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// sizeHook accepts human readable sizes such as "1 MiB" for integer fields.
func sizeHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	if f.Kind() != reflect.String {
		return data, nil
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int64:
	default:
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if s == "" {
		return data, nil
	}
	if strings.HasPrefix(s, "-") {
		return data, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return data, nil
	}
	return int64(n), nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			sizeHook,
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to decode options: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if err := validateRules(&cfg); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	return &cfg, nil
}

// validateRules checks constraints that struct tags cannot express.
func validateRules(cfg *Config) error {
	switch cfg.ExternalIP.Mode {
	case ExternalIPModeFixed:
		if cfg.ExternalIP.Address == "" {
			return fmt.Errorf("externalip.address is required when externalip.mode is %d", ExternalIPModeFixed)
		}
	case ExternalIPModeResolver:
		if cfg.ExternalIP.ResolverURL == "" {
			return fmt.Errorf("externalip.resolver_url is required when externalip.mode is %d", ExternalIPModeResolver)
		}
	}
	return nil
}

// Config returns the current configuration. Callers must not modify it.
func (s *Store) Config() *Config {
	return s.cur.Load()
}

// Set overrides a single key. The change is rejected if the result does not validate.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := getters[key]; !ok {
		return fmt.Errorf("unknown option %q", key)
	}
	old := s.v.Get(key)
	s.v.Set(key, value)
	cfg, err := decode(s.v)
	if err != nil {
		s.v.Set(key, old)
		return err
	}
	s.cur.Store(cfg)
	s.notify(cfg)
	return nil
}

// OnChange registers fn to run after every successful reload or Set.
func (s *Store) OnChange(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(cfg *Config) {
	for _, fn := range s.listeners {
		fn(cfg)
	}
}

// Watch reloads the configuration file whenever it changes on disk. Invalid
// edits are reported to onError and the previous configuration stays active.
func (s *Store) Watch(onError func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		cfg, err := decode(s.v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload of %s: %w", e.Name, err))
			}
			return
		}
		s.cur.Store(cfg)
		s.notify(cfg)
	})
	s.v.WatchConfig()
}

var getters = map[string]func(*Config) any{
	"transfer.limit_ports":            func(c *Config) any { return c.Transfer.LimitPorts },
	"transfer.limit_ports_low":        func(c *Config) any { return c.Transfer.LimitPortsLow },
	"transfer.limit_ports_high":       func(c *Config) any { return c.Transfer.LimitPortsHigh },
	"transfer.limit_ports_offset":     func(c *Config) any { return c.Transfer.LimitPortsOffset },
	"transfer.socket_recv_buffer":     func(c *Config) any { return c.Transfer.SocketRecvBuffer },
	"transfer.socket_send_buffer":     func(c *Config) any { return c.Transfer.SocketSendBuffer },
	"transfer.use_pasv":               func(c *Config) any { return c.Transfer.UsePasv },
	"transfer.allow_mode_fallback":    func(c *Config) any { return c.Transfer.AllowModeFallback },
	"transfer.buffer_size":            func(c *Config) any { return c.Transfer.BufferSize },
	"transfer.buffer_count":           func(c *Config) any { return c.Transfer.BufferCount },
	"speedlimit.inbound":              func(c *Config) any { return c.SpeedLimit.Inbound },
	"speedlimit.outbound":             func(c *Config) any { return c.SpeedLimit.Outbound },
	"speedlimit.burst":                func(c *Config) any { return c.SpeedLimit.Burst },
	"tls.min_version":                 func(c *Config) any { return c.TLS.MinVersion },
	"externalip.mode":                 func(c *Config) any { return c.ExternalIP.Mode },
	"externalip.address":              func(c *Config) any { return c.ExternalIP.Address },
	"externalip.resolver_url":         func(c *Config) any { return c.ExternalIP.ResolverURL },
	"externalip.no_external_on_local": func(c *Config) any { return c.ExternalIP.NoExternalOnLocal },
	"connection.timeout":              func(c *Config) any { return c.Connection.Timeout },
	"connection.keepalive":            func(c *Config) any { return c.Connection.Keepalive },
	"logging.debug_level":             func(c *Config) any { return c.Logging.DebugLevel },
	"logging.raw_listing":             func(c *Config) any { return c.Logging.RawListing },
	"cache.capabilities_path":         func(c *Config) any { return c.Cache.CapabilitiesPath },
}

// Int returns an integer option. Durations are returned in milliseconds.
// Unknown keys and non-numeric options return 0.
func (s *Store) Int(key string) int64 {
	get, ok := getters[key]
	if !ok {
		return 0
	}
	switch v := get(s.Config()).(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case time.Duration:
		return v.Milliseconds()
	case bool:
		if v {
			return 1
		}
	}
	return 0
}

// String returns a string option, or "" for unknown or non-string keys.
func (s *Store) String(key string) string {
	get, ok := getters[key]
	if !ok {
		return ""
	}
	if v, ok := get(s.Config()).(string); ok {
		return v
	}
	return ""
}

// Bool returns a boolean option; numeric options are true when non-zero.
func (s *Store) Bool(key string) bool {
	get, ok := getters[key]
	if !ok {
		return false
	}
	if v, ok := get(s.Config()).(bool); ok {
		return v
	}
	return s.Int(key) != 0
}
