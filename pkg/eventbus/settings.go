package eventbus

// Settings holds the event mirror transport configuration. When Enabled is
// false events stay in process on a Go channel pub/sub.
type Settings struct {
	Enabled      bool   `mapstructure:"enabled"`
	RedisAddr    string `mapstructure:"redis-addr"`
	StreamPrefix string `mapstructure:"stream-prefix"`
	Group        string `mapstructure:"group"`
	Consumer     string `mapstructure:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:      false,
		RedisAddr:    "localhost:6379",
		StreamPrefix: "sapcad",
		Group:        "sapcad-tail",
		Consumer:     "tail-1",
	}
}

// Topic is the stream every session mirrors into. Records carry the session id
// so one topic serves all sessions.
func Topic(prefix string) string {
	if prefix == "" {
		prefix = "sapcad"
	}
	return prefix + ":session-events"
}
