package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Redis    RedisConfig     `mapstructure:"redis" validate:"required"`
	Daemon   DaemonConfig    `mapstructure:"daemon" validate:"required"`
	Transfer TransferConfig  `mapstructure:"transfer" validate:"required"`
	HTTP     HTTPConfig      `mapstructure:"http" validate:"required"`
	Sessions []SessionConfig `mapstructure:"sessions"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0,max=15"`
}

type DaemonConfig struct {
	LogLevel               string `mapstructure:"log_level" validate:"required,oneof=debug info warn error fatal"`
	Concurrency            int    `mapstructure:"concurrency" validate:"min=1,max=64"`
	RefreshCommand         string `mapstructure:"refresh_command"`
	RefreshDebounceSeconds int    `mapstructure:"refresh_debounce_seconds" validate:"min=1"`
	RefreshTimeoutSeconds  int    `mapstructure:"refresh_timeout_seconds" validate:"min=1"`
	EnableRefreshTask      bool   `mapstructure:"enable_refresh_task"`
}

type TransferConfig struct {
	ProgressIntervalMs   int    `mapstructure:"progress_interval_ms" validate:"min=1,max=10000"`
	MaxConcurrentBatches int    `mapstructure:"max_concurrent_batches" validate:"min=1,max=64"`
	TaskTimeoutMinutes   int    `mapstructure:"task_timeout_minutes" validate:"min=1"`
	TempDir              string `mapstructure:"temp_dir"`
	// LocalRoot confines local reads and writes; empty means unrestricted.
	LocalRoot string `mapstructure:"local_root"`
}

func (t TransferConfig) ProgressInterval() time.Duration {
	return time.Duration(t.ProgressIntervalMs) * time.Millisecond
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required,hostname_port"`
}

// SessionConfig declares one remote session the daemon can transfer to and from.
type SessionConfig struct {
	ID   string      `mapstructure:"id" validate:"required"`
	Type string      `mapstructure:"type" validate:"required,oneof=s3 sftp"`
	S3   *S3Config   `mapstructure:"s3"`
	SFTP *SFTPConfig `mapstructure:"sftp"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint" validate:"required,url"`
	Region    string `mapstructure:"region" validate:"required,min=1"`
	Bucket    string `mapstructure:"bucket" validate:"required,min=1"`
	AccessKey string `mapstructure:"access_key" validate:"required,min=1"`
	SecretKey string `mapstructure:"secret_key" validate:"required,min=1"`

	MaxRetries           int `mapstructure:"max_retries" validate:"min=0,max=10"`
	RetryDelaySeconds    int `mapstructure:"retry_delay_seconds" validate:"min=0,max=30"`
	MaxRetryDelaySeconds int `mapstructure:"max_retry_delay_seconds" validate:"min=0,max=300"`
	ReadTimeoutSeconds   int `mapstructure:"read_timeout_seconds" validate:"min=1,max=3600"`

	UploadTimeoutSeconds int `mapstructure:"upload_timeout_seconds" validate:"min=1,max=100000"`
}

type SFTPConfig struct {
	Host              string `mapstructure:"host" validate:"required"`
	Port              int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	Username          string `mapstructure:"username" validate:"required"`
	Password          string `mapstructure:"password"`
	PrivateKey        string `mapstructure:"private_key"`
	ConnectionTimeout int    `mapstructure:"connection_timeout" validate:"min=1,max=300"`
}

func LoadFromFile(filename string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(filename)
	v.SetConfigType("toml")

	v.SetEnvPrefix("DROPXFER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applySessionDefaults(config.Sessions)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("daemon.log_level", "info")
	v.SetDefault("daemon.concurrency", 4)
	v.SetDefault("daemon.refresh_command", "")
	v.SetDefault("daemon.refresh_debounce_seconds", 30)
	v.SetDefault("daemon.refresh_timeout_seconds", 60)
	v.SetDefault("daemon.enable_refresh_task", false)

	v.SetDefault("transfer.progress_interval_ms", 16)
	v.SetDefault("transfer.max_concurrent_batches", 2)
	v.SetDefault("transfer.task_timeout_minutes", 240)
	v.SetDefault("transfer.temp_dir", "")
	v.SetDefault("transfer.local_root", "")

	v.SetDefault("http.addr", ":8080")
}

// applySessionDefaults fills per-session defaults; viper defaults do not reach into
// array tables.
func applySessionDefaults(sessions []SessionConfig) {
	for i := range sessions {
		if s := sessions[i].SFTP; s != nil {
			if s.Port == 0 {
				s.Port = 22
			}
			if s.ConnectionTimeout == 0 {
				s.ConnectionTimeout = 30
			}
		}
		if s := sessions[i].S3; s != nil {
			if s.Region == "" {
				s.Region = "us-east-1"
			}
			if s.MaxRetries == 0 {
				s.MaxRetries = 3
			}
			if s.ReadTimeoutSeconds == 0 {
				s.ReadTimeoutSeconds = 60
			}
			if s.UploadTimeoutSeconds == 0 {
				s.UploadTimeoutSeconds = 4 * 60 * 60 // 4 hours
			}
		}
	}
}

func validateConfig(config *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	if err := validate.StructExcept(config, "Sessions"); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(config.Sessions))
	for i := range config.Sessions {
		session := &config.Sessions[i]
		if err := validate.StructExcept(session, "S3", "SFTP"); err != nil {
			return fmt.Errorf("session %d: %w", i, err)
		}
		if _, dup := seen[session.ID]; dup {
			return fmt.Errorf("duplicate session id %q", session.ID)
		}
		seen[session.ID] = struct{}{}

		// Conditionally validate session configuration based on type
		switch session.Type {
		case "s3":
			if session.S3 == nil {
				return fmt.Errorf("s3 configuration is required for session %q", session.ID)
			}
			if err := validate.Struct(session.S3); err != nil {
				return fmt.Errorf("session %q: %w", session.ID, err)
			}
		case "sftp":
			if session.SFTP == nil {
				return fmt.Errorf("sftp configuration is required for session %q", session.ID)
			}
			if err := validate.Struct(session.SFTP); err != nil {
				return fmt.Errorf("session %q: %w", session.ID, err)
			}
			if session.SFTP.Password == "" && session.SFTP.PrivateKey == "" {
				return fmt.Errorf("session %q: either password or private key must be provided", session.ID)
			}
		}
	}

	return nil
}

// Session returns the session with the given id.
func (c *Config) Session(id string) (*SessionConfig, bool) {
	for i := range c.Sessions {
		if c.Sessions[i].ID == id {
			return &c.Sessions[i], true
		}
	}
	return nil, false
}
