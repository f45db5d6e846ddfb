package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Broker BrokerConfig `mapstructure:"broker"`
	Fleet  FleetConfig  `mapstructure:"fleet"`
}

type ServerConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	FrontendURL string `mapstructure:"frontend_url"`
}

type BrokerConfig struct {
	URL       string     `mapstructure:"url"`
	Endpoints []string   `mapstructure:"endpoints"`
	TLS       TLSConfig  `mapstructure:"tls"`
	Auth      AuthConfig `mapstructure:"auth"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
}

type AuthConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// FleetConfig carries the statically configured scatter-gather parameters.
// Instances is the expected reply count for a global membership query; it
// must be reconfigured (and all instances restarted) when the fleet resizes.
type FleetConfig struct {
	Instances    int           `mapstructure:"instances"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("chatbridge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":3000")
	v.SetDefault("fleet.instances", 1)
	v.SetDefault("fleet.query_timeout", "5s")
}

func (c Config) Validate() error {
	if c.Broker.URL == "" && len(c.Broker.Endpoints) == 0 {
		return fmt.Errorf("broker.url or broker.endpoints is required")
	}
	if c.Fleet.Instances < 1 {
		return fmt.Errorf("fleet.instances must be >= 1")
	}
	if c.Fleet.QueryTimeout <= 0 {
		return fmt.Errorf("fleet.query_timeout must be positive")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	return nil
}
