package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	BusNone  = "none"
	BusRedis = "redis"
	BusNATS  = "nats"
)

type Config struct {
	DBFile        string `env:"CHATSYNC_DB"     envDefault:"chatsync.db"`
	AdminAddr     string `env:"ADMIN_ADDR"      envDefault:"localhost:8081"`
	APIAddr       string `env:"API_ADDR"        envDefault:":8080"`
	UploadsPath   string `env:"UPLOADS_PATH"    envDefault:"uploads"`
	MaxUploadSize int64  `env:"MAX_UPLOAD_SIZE" envDefault:"10485760"`
	LogLevel      string `env:"LOG_LEVEL"       envDefault:"info"`

	AuthSecret  string        `env:"AUTH_SECRET"`
	TokenExpiry time.Duration `env:"TOKEN_EXPIRY" envDefault:"24h"`

	QueueSize    int           `env:"ROUTER_QUEUE_SIZE"    envDefault:"256"`
	IdleAfter    time.Duration `env:"PRESENCE_IDLE_AFTER"  envDefault:"1m"`
	OfflineAfter time.Duration `env:"PRESENCE_OFFLINE_AFTER" envDefault:"5m"`
	TypingTTL    time.Duration `env:"TYPING_TTL"           envDefault:"5s"`

	// Bus selects the cross-process event relay: none, redis or nats.
	Bus        string `env:"BUS"         envDefault:"none"`
	BusChannel string `env:"BUS_CHANNEL" envDefault:"chatsync.events"`
	RedisURL   string `env:"REDIS_URL"   envDefault:"redis://localhost:6379/0"`
	NATSURL    string `env:"NATS_URL"    envDefault:"nats://localhost:4222"`

	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubscriber string `env:"VAPID_SUBSCRIBER" envDefault:"admin@localhost"`
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load(cliMode bool) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.QueueSize < 1 {
		return fmt.Errorf("ROUTER_QUEUE_SIZE must be at least 1")
	}

	if c.IdleAfter <= 0 || c.OfflineAfter <= c.IdleAfter {
		return fmt.Errorf("PRESENCE_OFFLINE_AFTER must be greater than PRESENCE_IDLE_AFTER")
	}

	if c.TypingTTL <= 0 {
		return fmt.Errorf("TYPING_TTL must be greater than 0")
	}

	switch c.Bus {
	case BusNone, BusRedis, BusNATS:
	default:
		return fmt.Errorf("BUS must be one of %s, %s, %s", BusNone, BusRedis, BusNATS)
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}
