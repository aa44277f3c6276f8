package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "HUDDLE"

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	LogLevel   string `mapstructure:"log_level"`
	// NodeID is the server's endpoint id in the glare tie-break.
	NodeID string `mapstructure:"node_id"`

	CORS   CORSConfig   `mapstructure:"cors"`
	Rooms  RoomsConfig  `mapstructure:"rooms"`
	Signal SignalConfig `mapstructure:"signal"`
	WebRTC WebRTCConfig `mapstructure:"webrtc"`
	MDNS   MDNSConfig   `mapstructure:"mdns"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RoomsConfig struct {
	CloseOnCreatorLeave bool `mapstructure:"close_on_creator_leave"`
}

type SignalConfig struct {
	ReadLimit         int64   `mapstructure:"read_limit"`
	SendBuffer        int     `mapstructure:"send_buffer"`
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	MessageBurst      int     `mapstructure:"message_burst"`
	JoinsPerMinute    int     `mapstructure:"joins_per_minute"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type WebRTCConfig struct {
	ICEServers  []ICEServer   `mapstructure:"ice_servers"`
	PLIInterval time.Duration `mapstructure:"pli_interval"`
}

// PionICEServers converts the configured servers for pion.
func (c WebRTCConfig) PionICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

type MDNSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
	Service string `mapstructure:"service"`
	Domain  string `mapstructure:"domain"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "huddle-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("node_id", "")

	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("rooms.close_on_creator_leave", false)

	v.SetDefault("signal.read_limit", 65536)
	v.SetDefault("signal.send_buffer", 64)
	v.SetDefault("signal.messages_per_second", 50)
	v.SetDefault("signal.message_burst", 100)
	v.SetDefault("signal.joins_per_minute", 10)

	v.SetDefault("webrtc.ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
	v.SetDefault("webrtc.pli_interval", "3s")

	v.SetDefault("mdns.enabled", false)
	v.SetDefault("mdns.name", "Huddle")
	v.SetDefault("mdns.service", "_huddle._tcp")
	v.SetDefault("mdns.domain", "local")
}

// Load reads config/config.<CONFIG_ENV>.yaml unless file is set, then applies
// HUDDLE_* environment variables and any changed flags.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if file == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		file = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(file)

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", file, err)
			}
		}
		log.Warn().Str("module", "config").Str("file", file).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", file).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("static", cfg.StaticPath).Str("node_id", cfg.NodeID).Msg("config ready")
	return &cfg, nil
}
