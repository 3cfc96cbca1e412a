// Package config loads the server configuration. Sources are applied in
// order of increasing precedence: Default, an optional TOML file, a .env
// file, and TURNSERVER_* environment variables. Command-line flags are
// applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TURNSERVER_"

// Duration is a time.Duration written as a Go duration string ("90s", "5m")
// in TOML files and environment variables.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Game      GameConfig      `toml:"game"`
	Admin     AdminConfig     `toml:"admin"`
	WebSocket WebSocketConfig `toml:"websocket"`
	Storage   StorageConfig   `toml:"storage"`
	Log       LogConfig       `toml:"log"`
}

// ServerConfig configures the TCP game listener.
type ServerConfig struct {
	Host            string   `toml:"host" validate:"required"`
	Port            int      `toml:"port" validate:"gte=0,lte=65535"`
	MaxConnections  int      `toml:"max_connections" validate:"gte=0"`
	MaxMessageSize  int      `toml:"max_message_size" validate:"gte=64"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	OutboundBuffer  int      `toml:"outbound_buffer" validate:"gte=1"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// GameConfig configures session policy.
type GameConfig struct {
	JoinTimeout              Duration `toml:"join_timeout"`
	GracePeriod              Duration `toml:"grace_period"`
	Retention                Duration `toml:"retention"`
	ReapInterval             Duration `toml:"reap_interval"`
	MaxSessions              int      `toml:"max_sessions" validate:"gte=0"`
	MaxSessionsPerConnection int      `toml:"max_sessions_per_connection" validate:"gte=0"`
	AllowObservers           bool     `toml:"allow_observers"`
	Types                    []string `toml:"types" validate:"dive,oneof=chess tictactoe connect4 gomoku"`
}

// AdminConfig configures the HTTP status API.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr" validate:"required_if=Enabled true"`
}

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	Enabled        bool     `toml:"enabled"`
	Addr           string   `toml:"addr" validate:"required_if=Enabled true"`
	Path           string   `toml:"path" validate:"omitempty,startswith=/"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// StorageConfig selects the snapshot store.
type StorageConfig struct {
	Backend        string   `toml:"backend" validate:"oneof=none memory redis"`
	RedisURL       string   `toml:"redis_url" validate:"required_if=Backend redis"`
	SnapshotTTL    Duration `toml:"snapshot_ttl"`
	RecoverOnStart bool     `toml:"recover_on_start"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level   string `toml:"level" validate:"oneof=trace debug info warn warning error"`
	Dir     string `toml:"dir"`
	Service string `toml:"service" validate:"required"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			MaxConnections:  1000,
			MaxMessageSize:  1 << 20,
			IdleTimeout:     Duration(90 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			OutboundBuffer:  64,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Game: GameConfig{
			JoinTimeout:              Duration(5 * time.Minute),
			GracePeriod:              Duration(60 * time.Second),
			Retention:                Duration(5 * time.Minute),
			ReapInterval:             Duration(5 * time.Minute),
			MaxSessions:              10000,
			MaxSessionsPerConnection: 5,
			AllowObservers:           true,
		},
		Admin: AdminConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8081",
		},
		WebSocket: WebSocketConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8082",
			Path:    "/ws",
		},
		Storage: StorageConfig{
			Backend:        "none",
			SnapshotTTL:    Duration(24 * time.Hour),
			RecoverOnStart: true,
		},
		Log: LogConfig{
			Level:   "info",
			Service: "turnserver",
		},
	}
}

// Load builds a Config from defaults, the optional TOML file at path, the
// optional envFile and the process environment, then validates it.
//
// Parameters:
//   - path: TOML file; empty skips it
//   - envFile: .env file; empty or missing is ignored
//
// Returns:
//   - The validated Config, or an error naming the failing source
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFile overlays the TOML file at path onto c. Unknown keys are errors.
func (c *Config) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("failed to read config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	return nil
}

// ApplyEnv overlays TURNSERVER_* variables found by lookup onto c.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	vars := []struct {
		key string
		set func(string) error
	}{
		{"SERVER_HOST", setString(&c.Server.Host)},
		{"SERVER_PORT", setInt(&c.Server.Port)},
		{"SERVER_MAX_CONNECTIONS", setInt(&c.Server.MaxConnections)},
		{"SERVER_MAX_MESSAGE_SIZE", setInt(&c.Server.MaxMessageSize)},
		{"SERVER_IDLE_TIMEOUT", setDuration(&c.Server.IdleTimeout)},
		{"SERVER_WRITE_TIMEOUT", setDuration(&c.Server.WriteTimeout)},
		{"SERVER_OUTBOUND_BUFFER", setInt(&c.Server.OutboundBuffer)},
		{"SERVER_SHUTDOWN_TIMEOUT", setDuration(&c.Server.ShutdownTimeout)},
		{"GAME_JOIN_TIMEOUT", setDuration(&c.Game.JoinTimeout)},
		{"GAME_GRACE_PERIOD", setDuration(&c.Game.GracePeriod)},
		{"GAME_RETENTION", setDuration(&c.Game.Retention)},
		{"GAME_REAP_INTERVAL", setDuration(&c.Game.ReapInterval)},
		{"GAME_MAX_SESSIONS", setInt(&c.Game.MaxSessions)},
		{"GAME_MAX_SESSIONS_PER_CONNECTION", setInt(&c.Game.MaxSessionsPerConnection)},
		{"GAME_ALLOW_OBSERVERS", setBool(&c.Game.AllowObservers)},
		{"GAME_TYPES", setList(&c.Game.Types)},
		{"ADMIN_ENABLED", setBool(&c.Admin.Enabled)},
		{"ADMIN_ADDR", setString(&c.Admin.Addr)},
		{"WEBSOCKET_ENABLED", setBool(&c.WebSocket.Enabled)},
		{"WEBSOCKET_ADDR", setString(&c.WebSocket.Addr)},
		{"WEBSOCKET_PATH", setString(&c.WebSocket.Path)},
		{"WEBSOCKET_ALLOWED_ORIGINS", setList(&c.WebSocket.AllowedOrigins)},
		{"STORAGE_BACKEND", setString(&c.Storage.Backend)},
		{"STORAGE_REDIS_URL", setString(&c.Storage.RedisURL)},
		{"STORAGE_SNAPSHOT_TTL", setDuration(&c.Storage.SnapshotTTL)},
		{"STORAGE_RECOVER_ON_START", setBool(&c.Storage.RecoverOnStart)},
		{"LOG_LEVEL", setString(&c.Log.Level)},
		{"LOG_DIR", setString(&c.Log.Dir)},
	}

	for _, v := range vars {
		raw, ok := lookup(EnvPrefix + v.key)
		if !ok {
			continue
		}
		if err := v.set(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, v.key, err)
		}
	}

	return nil
}

func setString(p *string) func(string) error {
	return func(s string) error {
		*p = s
		return nil
	}
}

func setInt(p *int) func(string) error {
	return func(s string) error {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

func setBool(p *bool) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

func setDuration(p *Duration) func(string) error {
	return func(s string) error {
		return p.UnmarshalText([]byte(s))
	}
}

func setList(p *[]string) func(string) error {
	return func(s string) error {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*p = out
		return nil
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the relations between fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	positive := []struct {
		name string
		d    Duration
	}{
		{"server.idle_timeout", c.Server.IdleTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"game.join_timeout", c.Game.JoinTimeout},
		{"game.grace_period", c.Game.GracePeriod},
		{"game.retention", c.Game.Retention},
		{"game.reap_interval", c.Game.ReapInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("invalid config: %s must be positive", p.name)
		}
	}

	if c.Storage.SnapshotTTL < 0 {
		return fmt.Errorf("invalid config: storage.snapshot_ttl must not be negative")
	}

	return nil
}

// ListenAddr returns the TCP game listener address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
