package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerBaseURL  string        `mapstructure:"server_base_url"`
	AppID          string        `mapstructure:"app_id"`
	AuthToken      string        `mapstructure:"auth_token"`
	SessionKey     string        `mapstructure:"session_key"`
	DeepLinkSecret string        `mapstructure:"deep_link_secret"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	LogLevel       string        `mapstructure:"log_level"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("server_base_url", "https://ekyc.example.com")
	v.SetDefault("connect_timeout", "30s")
	v.SetDefault("reconnect_delay", "5s")
	v.SetDefault("heartbeat", "5s")
	v.SetDefault("health_interval", "3s")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
