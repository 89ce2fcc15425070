package server

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var validate = validator.New()

// Config is the gateway configuration, loaded from config.yaml and
// environment variables (env wins).
type Config struct {
	// Port to listen on. The default is 8080.
	Port int `validate:"required,gte=1,lte=65535"`
	// Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	Auth     struct {
		// Secret signs JWT tokens. Must be a base64 encoded string; a random
		// 32 byte secret is generated when none is configured.
		Secret Base64Encoded `validate:"required"`
		// TokenExp is the token lifetime. The default is 24h.
		TokenExp time.Duration `validate:"required"`
	}
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `validate:"required"`
		// Migrations is the directory holding the migration files.
		Migrations string `validate:"required"`
	}
	// UploadDir is where message attachments are written.
	UploadDir string `validate:"required"`
	// AllowedOrigins for CORS and websocket upgrades. The default is ["*"].
	AllowedOrigins []string
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

// LoadConfig reads the configuration. A missing config file is fine; the
// defaults plus environment variables make a runnable gateway.
func LoadConfig() (*Config, error) {
	// .env is optional
	godotenv.Load()

	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	viper.SetDefault("port", 8080)
	viper.SetDefault("hostname", "0.0.0.0")
	viper.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	viper.SetDefault("auth.tokenexp", "24h")
	viper.SetDefault("sqlite.file", "./tutorlink.db")
	viper.SetDefault("sqlite.migrations", "./migrations")
	viper.SetDefault("uploaddir", "./uploads")
	viper.SetDefault("allowedorigins", []string{"*"})

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	return validate.Struct(c)
}
