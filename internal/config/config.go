package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type VoiceConfig struct {
	ICEServers        []ICEServer   `mapstructure:"ice_servers"`
	UDPPortMin        uint16        `mapstructure:"udp_port_min"`
	UDPPortMax        uint16        `mapstructure:"udp_port_max"`
	AnnouncedIP       string        `mapstructure:"announced_ip"`
	EngineTimeout     time.Duration `mapstructure:"engine_timeout"`
	EventBuffer       int           `mapstructure:"event_buffer"`
	StatsInterval     time.Duration `mapstructure:"stats_interval"`
	DestroyEmptyRooms bool          `mapstructure:"destroy_empty_rooms"`
	JoinRate          float64       `mapstructure:"join_rate"`
	JoinBurst         int           `mapstructure:"join_burst"`
	// Backpressure is "kick" or "tolerant"; SlowLimit is the number of lost
	// events a tolerant member survives.
	Backpressure string `mapstructure:"backpressure"`
	SlowLimit    int64  `mapstructure:"slow_limit"`
}

type Config struct {
	Mode        string        `mapstructure:"mode"`
	Port        int           `mapstructure:"port"`
	StaticPath  string        `mapstructure:"static_path"`
	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	Secret      string        `mapstructure:"secret"`
	LogLevel    string        `mapstructure:"log_level"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
	Voice       VoiceConfig   `mapstructure:"voice"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_origins", []string{"*"})

	v.SetDefault("voice.ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
	v.SetDefault("voice.udp_port_min", 0)
	v.SetDefault("voice.udp_port_max", 0)
	v.SetDefault("voice.announced_ip", "")
	v.SetDefault("voice.engine_timeout", "10s")
	v.SetDefault("voice.event_buffer", 64)
	v.SetDefault("voice.stats_interval", "1s")
	v.SetDefault("voice.destroy_empty_rooms", true)
	v.SetDefault("voice.join_rate", 2.0)
	v.SetDefault("voice.join_burst", 5)
	v.SetDefault("voice.backpressure", "kick")
	v.SetDefault("voice.slow_limit", 256)
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). Every key can
// be overridden from the environment with a VOICE_ prefix, e.g.
// VOICE_VOICE_ANNOUNCED_IP.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("voice")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Static: %s\n", cfg.Mode, cfg.Port, cfg.StaticPath)
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	vc := c.Voice
	if (vc.UDPPortMin == 0) != (vc.UDPPortMax == 0) || vc.UDPPortMin > vc.UDPPortMax {
		return fmt.Errorf("invalid udp port range %d-%d", vc.UDPPortMin, vc.UDPPortMax)
	}
	if vc.EngineTimeout <= 0 {
		return fmt.Errorf("voice.engine_timeout must be positive")
	}
	switch vc.Backpressure {
	case "", "kick", "tolerant":
	default:
		return fmt.Errorf("unknown voice.backpressure %q", vc.Backpressure)
	}
	return nil
}
