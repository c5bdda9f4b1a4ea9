package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rpattn/cvsync/internal/auth"
	"github.com/rpattn/cvsync/internal/backend"
	"github.com/rpattn/cvsync/internal/db"
	"github.com/rpattn/cvsync/internal/logging"
	"github.com/rpattn/cvsync/internal/realtime"
)

const envPrefix = "CVSYNC"

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Server     ServerConfig
	Database   db.Config
	Storage    StorageConfig
	Auth       auth.Config
	Portfolio  backend.Config
	Enrichment backend.Config
	Push       PushConfig
	Realtime   RealtimeConfig
	Redis      RedisConfig
	Log        logging.Config

	// Source is the config file that was read, empty when only defaults and env were used.
	Source string
}

type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

type StorageConfig struct {
	Driver string
}

type PushConfig struct {
	JobTimeout time.Duration
	// RunnerID scopes restart recovery to the jobs this instance started. Replicas sharing one
	// database need distinct values; it defaults to the host name.
	RunnerID string
}

type RealtimeConfig struct {
	Retention time.Duration
	Timing    realtime.Timing
}

// RedisConfig enables the cross-instance job relay when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

func setDefaults(v *viper.Viper) {
	dbDefaults := db.DefaultConfig()
	timing := realtime.DefaultTiming()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("database.host", dbDefaults.Host)
	v.SetDefault("database.port", dbDefaults.Port)
	v.SetDefault("database.user", dbDefaults.User)
	v.SetDefault("database.password", dbDefaults.Password)
	v.SetDefault("database.dbname", dbDefaults.DBName)
	v.SetDefault("database.sslmode", dbDefaults.SSLMode)

	v.SetDefault("storage.driver", StoragePostgres)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "cvsync")
	v.SetDefault("auth.disabled", false)

	v.SetDefault("portfolio.base_url", "")
	v.SetDefault("portfolio.token", "")
	v.SetDefault("portfolio.timeout", 2*time.Minute)
	v.SetDefault("enrichment.base_url", "")
	v.SetDefault("enrichment.token", "")
	v.SetDefault("enrichment.timeout", 2*time.Minute)

	v.SetDefault("push.job_timeout", 15*time.Minute)
	hostname, _ := os.Hostname()
	v.SetDefault("push.runner_id", hostname)

	v.SetDefault("realtime.retention", 10*time.Minute)
	v.SetDefault("realtime.write_wait", timing.WriteWait)
	v.SetDefault("realtime.pong_wait", timing.PongWait)
	v.SetDefault("realtime.ping_period", timing.PingPeriod)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "cvsync:jobs")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads config.yaml from configPath (if present), then environment variables prefixed CVSYNC_,
// after loading envFile into the environment when it exists.
func Load(configPath, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		cfg.Source = v.ConfigFileUsed()
	}

	cfg.Server = ServerConfig{
		Addr:           v.GetString("server.addr"),
		ReadTimeout:    v.GetDuration("server.read_timeout"),
		WriteTimeout:   v.GetDuration("server.write_timeout"),
		IdleTimeout:    v.GetDuration("server.idle_timeout"),
		AllowedOrigins: splitList(v.GetStringSlice("server.allowed_origins")),
	}
	cfg.Database = db.Config{
		Host:     v.GetString("database.host"),
		Port:     v.GetInt("database.port"),
		User:     v.GetString("database.user"),
		Password: v.GetString("database.password"),
		DBName:   v.GetString("database.dbname"),
		SSLMode:  v.GetString("database.sslmode"),
	}
	cfg.Storage = StorageConfig{Driver: strings.ToLower(strings.TrimSpace(v.GetString("storage.driver")))}
	cfg.Auth = auth.Config{
		Secret:   v.GetString("auth.secret"),
		Issuer:   v.GetString("auth.issuer"),
		Disabled: v.GetBool("auth.disabled"),
	}
	cfg.Portfolio = backendConfig(v, "portfolio")
	cfg.Enrichment = backendConfig(v, "enrichment")
	cfg.Push = PushConfig{
		JobTimeout: v.GetDuration("push.job_timeout"),
		RunnerID:   strings.TrimSpace(v.GetString("push.runner_id")),
	}
	cfg.Realtime = RealtimeConfig{
		Retention: v.GetDuration("realtime.retention"),
		Timing: realtime.Timing{
			WriteWait:  v.GetDuration("realtime.write_wait"),
			PongWait:   v.GetDuration("realtime.pong_wait"),
			PingPeriod: v.GetDuration("realtime.ping_period"),
		},
	}
	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
		Channel:  v.GetString("redis.channel"),
	}
	cfg.Log = logging.Config{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
	}

	return cfg, cfg.Validate()
}

func backendConfig(v *viper.Viper, section string) backend.Config {
	return backend.Config{
		BaseURL: v.GetString(section + ".base_url"),
		Token:   v.GetString(section + ".token"),
		Timeout: v.GetDuration(section + ".timeout"),
	}
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if !c.Auth.Disabled && c.Auth.Secret == "" {
		return errors.New("auth.secret is required unless auth.disabled is set")
	}
	if c.Realtime.Timing.PingPeriod >= c.Realtime.Timing.PongWait {
		return fmt.Errorf("realtime.ping_period (%s) must be shorter than realtime.pong_wait (%s)",
			c.Realtime.Timing.PingPeriod, c.Realtime.Timing.PongWait)
	}
	return nil
}

// env values arrive as a single comma separated string
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
