package scoreboard

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	cfg := DefaultConfig()
	if err = toml.NewDecoder(file).Decode(cfg); err != nil {
		return nil, err
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a config pre-filled with the defaults every
// deployment shares; LoadConfig overlays the TOML file on top of it.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Token: TokenConfig{
			TTL:            Duration(5 * time.Minute),
			RetentionGrace: Duration(24 * time.Hour),
			SweepInterval:  Duration(10 * time.Minute),
		},
		RateLimit: RateLimitConfig{
			Window:              Duration(60 * time.Second),
			Limit:               10,
			SuspensionThreshold: 5,
			SuspensionCooldown:  Duration(15 * time.Minute),
		},
		Leaderboard: LeaderboardConfig{
			SnapshotSize:      10,
			ReconcileInterval: Duration(5 * time.Minute),
			NameCacheSize:     4096,
		},
		Broadcast: BroadcastConfig{
			QueueSize:         64,
			HeartbeatInterval: Duration(30 * time.Second),
		},
	}
}

type Config struct {
	Log         LogConfig         `toml:"log"`
	Server      ServerConfig      `toml:"server"`
	DB          DBConfig          `toml:"db"`
	Auth        AuthConfig        `toml:"auth"`
	Token       TokenConfig       `toml:"token"`
	RateLimit   RateLimitConfig   `toml:"ratelimit"`
	Leaderboard LeaderboardConfig `toml:"leaderboard"`
	Broadcast   BroadcastConfig   `toml:"broadcast"`
}

type LogConfig struct {
	Level     slog.Level `toml:"level"`
	Format    string     `toml:"format"`
	AddSource bool       `toml:"add_source"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type DBConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Database     string `toml:"database"`
	PoolSize     int    `toml:"pool_size"`
	MaxIdleConns int    `toml:"max_idle_conns"`
	MaxLifetime  int    `toml:"max_lifetime"`
}

type AuthConfig struct {
	SessionSecret string `toml:"session_secret"`
}

// TokenConfig controls the action token authority. Bounds maps an action
// type to the delta range a trusted issuer may grant for it; an action type
// missing from the map is not issuable at all.
type TokenConfig struct {
	Secret         string                  `toml:"secret"`
	TTL            Duration                `toml:"ttl"`
	RetentionGrace Duration                `toml:"retention_grace"`
	SweepInterval  Duration                `toml:"sweep_interval"`
	Bounds         map[string]ActionBounds `toml:"bounds"`
}

type ActionBounds struct {
	MinDelta int64 `toml:"min_delta"`
	MaxDelta int64 `toml:"max_delta"`
}

type RateLimitConfig struct {
	Window              Duration `toml:"window"`
	Limit               int      `toml:"limit"`
	SuspensionThreshold int      `toml:"suspension_threshold"`
	SuspensionCooldown  Duration `toml:"suspension_cooldown"`
}

type LeaderboardConfig struct {
	SnapshotSize      int      `toml:"snapshot_size"`
	ReconcileInterval Duration `toml:"reconcile_interval"`
	NameCacheSize     int      `toml:"name_cache_size"`
}

type BroadcastConfig struct {
	QueueSize         int      `toml:"queue_size"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
}

func (c *Config) Validate() error {
	if c.Token.Secret == "" {
		return fmt.Errorf("config: token.secret is required")
	}
	if c.Auth.SessionSecret == "" {
		return fmt.Errorf("config: auth.session_secret is required")
	}
	if len(c.Token.Bounds) == 0 {
		return fmt.Errorf("config: token.bounds must declare at least one action type")
	}
	for action, b := range c.Token.Bounds {
		if b.MinDelta < 0 || b.MaxDelta < b.MinDelta {
			return fmt.Errorf("config: token.bounds.%s has invalid delta range [%d, %d]", action, b.MinDelta, b.MaxDelta)
		}
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: ratelimit window and limit must be positive")
	}
	if c.Broadcast.QueueSize <= 0 {
		return fmt.Errorf("config: broadcast.queue_size must be positive")
	}
	return nil
}

// Duration wraps time.Duration so TOML values can be written as "30s", "5m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
