package config

import (
	"strings"
	"time"

	"github.com/go-go-golems/sapcad/pkg/eventbus"
	"github.com/go-go-golems/sapcad/pkg/logging"
	"github.com/go-go-golems/sapcad/pkg/modelapi"
	"github.com/go-go-golems/sapcad/pkg/session"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "SAPCAD"

type Config struct {
	Backend    BackendConfig     `mapstructure:"backend"`
	Connection ConnectionConfig  `mapstructure:"connection"`
	Session    SessionConfig     `mapstructure:"session"`
	Render     RenderConfig      `mapstructure:"render"`
	Transcript TranscriptConfig  `mapstructure:"transcript"`
	EventBus   eventbus.Settings `mapstructure:"eventbus"`
	Log        logging.Settings  `mapstructure:"log"`
}

type BackendConfig struct {
	WSURL      string        `mapstructure:"ws-url"`
	UploadURL  string        `mapstructure:"upload-url"`
	RefreshURL string        `mapstructure:"refresh-url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type ReconnectConfig struct {
	MaxAttempts     int           `mapstructure:"max-attempts"`
	InitialInterval time.Duration `mapstructure:"initial-interval"`
	MaxInterval     time.Duration `mapstructure:"max-interval"`
}

type ConnectionConfig struct {
	PingInterval   time.Duration   `mapstructure:"ping-interval"`
	PongWait       time.Duration   `mapstructure:"pong-wait"`
	WriteWait      time.Duration   `mapstructure:"write-wait"`
	MaxMessageSize int64           `mapstructure:"max-message-size"`
	Reconnect      ReconnectConfig `mapstructure:"reconnect"`
}

type SessionConfig struct {
	TokenBudget int `mapstructure:"token-budget"`
}

type RenderConfig struct {
	SceneDir string `mapstructure:"scene-dir"`
}

type TranscriptConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.ws-url", "ws://localhost:8000/ws")
	v.SetDefault("backend.upload-url", "http://localhost:8000/upload/")
	v.SetDefault("backend.refresh-url", "")
	v.SetDefault("backend.timeout", 30*time.Second)

	v.SetDefault("connection.ping-interval", 30*time.Second)
	v.SetDefault("connection.pong-wait", 60*time.Second)
	v.SetDefault("connection.write-wait", 10*time.Second)
	v.SetDefault("connection.max-message-size", 1<<20)
	v.SetDefault("connection.reconnect.max-attempts", 0)
	v.SetDefault("connection.reconnect.initial-interval", 500*time.Millisecond)
	v.SetDefault("connection.reconnect.max-interval", 10*time.Second)

	v.SetDefault("session.token-budget", 3584)
	v.SetDefault("render.scene-dir", "./.sapcad/scene")
	v.SetDefault("transcript.enabled", false)
	v.SetDefault("transcript.dsn", "./.sapcad/transcript.db")

	eb := eventbus.DefaultSettings()
	v.SetDefault("eventbus.enabled", eb.Enabled)
	v.SetDefault("eventbus.redis-addr", eb.RedisAddr)
	v.SetDefault("eventbus.stream-prefix", eb.StreamPrefix)
	v.SetDefault("eventbus.group", eb.Group)
	v.SetDefault("eventbus.consumer", eb.Consumer)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.json", false)
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"ws-url":         "backend.ws-url",
	"upload-url":     "backend.upload-url",
	"refresh-url":    "backend.refresh-url",
	"reconnect":      "connection.reconnect.max-attempts",
	"token-budget":   "session.token-budget",
	"scene-dir":      "render.scene-dir",
	"transcript":     "transcript.enabled",
	"transcript-dsn": "transcript.dsn",
	"eventbus":       "eventbus.enabled",
	"redis-addr":     "eventbus.redis-addr",
	"log-level":      "log.level",
	"log-file":       "log.file",
	"log-json":       "log.json",
}

// AddFlags registers the persistent flags understood by Load.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a sapcad.yaml config file")
	fs.String("ws-url", "", "Backend websocket endpoint")
	fs.String("upload-url", "", "Backend upload endpoint")
	fs.String("refresh-url", "", "Backend refresh endpoint (defaults to the upload endpoint)")
	fs.Int("reconnect", 0, "Reconnect attempts after the channel drops (0 disables)")
	fs.Int("token-budget", 0, "Warn when an outbound message exceeds this many tokens")
	fs.String("scene-dir", "", "Directory holding the rendered model")
	fs.Bool("transcript", false, "Archive turns to sqlite")
	fs.String("transcript-dsn", "", "Transcript database path")
	fs.Bool("eventbus", false, "Mirror session events to Redis Streams")
	fs.String("redis-addr", "", "Redis address for the event mirror")
	fs.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	fs.String("log-file", "", "Also write logs to this file")
	fs.Bool("log-json", false, "Log as JSON instead of console output")
}

// Load resolves configuration from defaults, an optional config file,
// SAPCAD_* environment variables and flags, in increasing precedence. Only
// flags that were set on the command line override other sources.
func Load(v *viper.Viper, fs *pflag.FlagSet) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	configFile := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Wrapf(err, "bind flag %s", name)
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
	} else {
		v.SetConfigName("sapcad")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/sapcad")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.WSURL) == "" {
		return errors.New("backend.ws-url must be set")
	}
	if strings.TrimSpace(c.Backend.UploadURL) == "" {
		return errors.New("backend.upload-url must be set")
	}
	if c.Connection.Reconnect.MaxAttempts < 0 {
		return errors.New("connection.reconnect.max-attempts must not be negative")
	}
	if c.Connection.PingInterval > 0 && c.Connection.PongWait <= c.Connection.PingInterval {
		return errors.New("connection.pong-wait must be longer than connection.ping-interval")
	}
	return nil
}

// ConnectionOptions translates the connection section for the connection manager.
func (c *Config) ConnectionOptions() []session.ConnectionOption {
	return []session.ConnectionOption{
		session.WithKeepalive(c.Connection.PingInterval, c.Connection.PongWait),
		session.WithWriteWait(c.Connection.WriteWait),
		session.WithMaxMessageSize(c.Connection.MaxMessageSize),
		session.WithReconnect(session.ReconnectPolicy{
			MaxAttempts:     c.Connection.Reconnect.MaxAttempts,
			InitialInterval: c.Connection.Reconnect.InitialInterval,
			MaxInterval:     c.Connection.Reconnect.MaxInterval,
		}),
	}
}

func (c *Config) ModelAPIOptions() []modelapi.Option {
	return []modelapi.Option{
		modelapi.WithRefreshURL(c.Backend.RefreshURL),
		modelapi.WithTimeout(c.Backend.Timeout),
	}
}
