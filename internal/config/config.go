// Package config loads service settings from config.yml and LOTTERY_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"lotteryresults/internal/workflow"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	REST       RESTConfig       `mapstructure:"rest"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Lock       LockConfig       `mapstructure:"lock"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Janitor    JanitorConfig    `mapstructure:"janitor"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type LogConfig struct {
	Verbose bool   `mapstructure:"verbose"`
	File    string `mapstructure:"file"`
}

type RepositoryConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=memory postgres rest"`
}

type PostgresConfig struct {
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

type RESTConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
}

type LockConfig struct {
	Driver string        `mapstructure:"driver" validate:"oneof=local redis"`
	TTL    time.Duration `mapstructure:"ttl" validate:"gt=0"`
	Prefix string        `mapstructure:"prefix"`
}

type WorkflowConfig struct {
	FailurePolicy string             `mapstructure:"failure_policy" validate:"oneof=revert require-refresh"`
	StrictCount   bool               `mapstructure:"strict_count"`
	Approvers     workflow.Approvers `mapstructure:"approvers"`
	// AutoLockAfter locks published results this long after publication. Zero disables it.
	AutoLockAfter time.Duration `mapstructure:"auto_lock_after" validate:"min=0"`
}

type JanitorConfig struct {
	Schedule   string        `mapstructure:"schedule" validate:"required"`
	SessionTTL time.Duration `mapstructure:"session_ttl" validate:"gt=0"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" validate:"min=0"`
	Burst int     `mapstructure:"burst" validate:"min=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.verbose", false)
	v.SetDefault("repository.driver", "memory")
	v.SetDefault("postgres.migrate", true)
	v.SetDefault("rest.timeout", 10*time.Second)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("lock.driver", "local")
	v.SetDefault("lock.ttl", 10*time.Second)
	v.SetDefault("lock.prefix", "lottery:results:lock:")
	v.SetDefault("workflow.failure_policy", string(workflow.PolicyRevert))
	v.SetDefault("workflow.strict_count", true)
	v.SetDefault("workflow.approvers.admins", workflow.DefaultApprovers().Admins)
	v.SetDefault("workflow.approvers.super_admins", workflow.DefaultApprovers().SuperAdmins)
	v.SetDefault("workflow.auto_lock_after", 0)
	v.SetDefault("janitor.schedule", "@every 10m")
	v.SetDefault("janitor.session_ttl", 30*time.Minute)
	v.SetDefault("ratelimit.rps", 20)
	v.SetDefault("ratelimit.burst", 40)
}

// Load reads the file at path, when given, then applies environment overrides
// such as LOTTERY_SERVER_ADDR. A missing default config file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOTTERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field rules and the cross-field requirements of the chosen drivers.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch {
	case c.Repository.Driver == "postgres" && c.Postgres.DSN == "":
		return errors.New("invalid config: postgres.dsn is required for the postgres repository")
	case c.Repository.Driver == "rest" && c.REST.BaseURL == "":
		return errors.New("invalid config: rest.base_url is required for the rest repository")
	case c.Lock.Driver == "redis" && c.Redis.Addr == "":
		return errors.New("invalid config: redis.addr is required for redis locks")
	}
	return nil
}
