package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration knobs for the alert service.
type Config struct {
	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"http"`
	Gateway struct {
		BaseURL        string        `mapstructure:"base_url"`
		AccessToken    string        `mapstructure:"access_token"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		RateLimit      float64       `mapstructure:"rate_limit"`
		Burst          int           `mapstructure:"burst"`
	} `mapstructure:"gateway"`
	Geocoder struct {
		BaseURL        string        `mapstructure:"base_url"`
		UserAgent      string        `mapstructure:"user_agent"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"geocoder"`
	Dispatch struct {
		MaxConcurrency   int           `mapstructure:"max_concurrency"`
		SendTimeout      time.Duration `mapstructure:"send_timeout"`
		StoreTimeout     time.Duration `mapstructure:"store_timeout"`
		DedupeWindow     time.Duration `mapstructure:"dedupe_window"`
		ImageURLTemplate string        `mapstructure:"image_url_template"`
	} `mapstructure:"dispatch"`
	Storage struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"storage"`
	MQTT struct {
		Enabled        bool          `mapstructure:"enabled"`
		Broker         string        `mapstructure:"broker"`
		ClientID       string        `mapstructure:"client_id"`
		Topic          string        `mapstructure:"topic"`
		Username       string        `mapstructure:"username"`
		Password       string        `mapstructure:"password"`
		QoS            byte          `mapstructure:"qos"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	} `mapstructure:"mqtt"`
	Auth struct {
		Enabled   bool   `mapstructure:"enabled"`
		Username  string `mapstructure:"username"`
		Password  string `mapstructure:"password"`
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"metrics"`
}

// Load reads the configuration from disk/environment using Viper.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("trapmos")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// a missing file is fine, env-only deployments are supported
		if !isNotFound(err) {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

func (c *Config) validate() error {
	if c.Dispatch.MaxConcurrency <= 0 {
		return fmt.Errorf("dispatch.max_concurrency must be positive, got %d", c.Dispatch.MaxConcurrency)
	}
	if c.Dispatch.SendTimeout <= 0 {
		return fmt.Errorf("dispatch.send_timeout must be positive")
	}
	if c.Geocoder.RequestTimeout <= 0 {
		return fmt.Errorf("geocoder.request_timeout must be positive")
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("gateway.base_url", "https://exp.host/--/api/v2/push/send")
	v.SetDefault("gateway.access_token", "")
	v.SetDefault("gateway.request_timeout", "10s")
	v.SetDefault("gateway.rate_limit", 0)
	v.SetDefault("gateway.burst", 10)

	v.SetDefault("geocoder.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocoder.user_agent", "trapmos-alerts/1.0")
	v.SetDefault("geocoder.request_timeout", "5s")
	v.SetDefault("geocoder.cache_ttl", "24h")

	v.SetDefault("dispatch.max_concurrency", 16)
	v.SetDefault("dispatch.send_timeout", "10s")
	v.SetDefault("dispatch.store_timeout", "5s")
	v.SetDefault("dispatch.dedupe_window", "10m")
	v.SetDefault("dispatch.image_url_template", "")

	v.SetDefault("storage.path", "./data/trapmos.db")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "trapmos-alerts")
	v.SetDefault("mqtt.topic", "trapmos/detections")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.connect_timeout", "30s")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password", "admin123")
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
