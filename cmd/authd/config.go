package main

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// serviceConfig is the deployment-level configuration of authd, loaded from
// the environment with an optional .env file. Engine tunables that are not
// deployment-specific keep their library defaults.
type serviceConfig struct {
	ListenAddr  string `mapstructure:"LISTEN_ADDR"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`

	// JWTSigningMethod is "ed25519" or "hs256"; the key is base64.
	JWTSigningMethod string `mapstructure:"JWT_SIGNING_METHOD"`
	JWTPrivateKey    string `mapstructure:"JWT_PRIVATE_KEY"`
	JWTIssuer        string `mapstructure:"JWT_ISSUER"`
	JWTAccessTTL     string `mapstructure:"JWT_ACCESS_TTL"`
	JWTRefreshTTL    string `mapstructure:"JWT_REFRESH_TTL"`

	// KafkaBrokers is comma-separated; empty disables the Kafka sink and
	// events go to stdout as JSON lines.
	KafkaBrokers     string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopicPrefix string `mapstructure:"KAFKA_TOPIC_PREFIX"`
}

func loadConfig() (*serviceConfig, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing .env is fine; the environment wins anyway

	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("JWT_SIGNING_METHOD", "ed25519")
	// Every mapped key needs a default: AutomaticEnv only resolves keys viper
	// already knows about, so a key without one is invisible to Unmarshal in
	// an env-only deployment.
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_ISSUER", "authcore")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "720h")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC_PREFIX", "auth")

	var cfg serviceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("config: DATABASE_URL must be set")
	}
	if cfg.JWTPrivateKey == "" {
		return nil, errors.New("config: JWT_PRIVATE_KEY must be set")
	}
	return &cfg, nil
}

func (c *serviceConfig) signingKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.JWTPrivateKey)
	if err != nil {
		return nil, errors.New("config: JWT_PRIVATE_KEY must be base64")
	}
	return key, nil
}

func (c *serviceConfig) accessTTL() (time.Duration, error) {
	return time.ParseDuration(c.JWTAccessTTL)
}

func (c *serviceConfig) refreshTTL() (time.Duration, error) {
	return time.ParseDuration(c.JWTRefreshTTL)
}

func (c *serviceConfig) brokerList() []string {
	if c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}
