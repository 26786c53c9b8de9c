// Package config loads the relayhub service configuration from a YAML file,
// an optional .env file and RELAYHUB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the configuration file structure
type Config struct {
	HTTP struct {
		ListenAddr string `yaml:"listen_addr"`
		JWTSecret  string `yaml:"jwt_secret"`
		TokenTTL   int    `yaml:"token_ttl"` // seconds
		BcryptCost int    `yaml:"bcrypt_cost"`
	} `yaml:"http"`

	Bus struct {
		Transport string `yaml:"transport"` // mqtt or zmq
		BrokerURL string `yaml:"broker_url"`
		ClientID  string `yaml:"client_id"`
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
		QoS       byte   `yaml:"qos"`

		// zmq transport only
		SubEndpoint string `yaml:"sub_endpoint"`
		PubEndpoint string `yaml:"pub_endpoint"`

		Topics Topics `yaml:"topics"`
	} `yaml:"bus"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	// Schedules are evaluated once per wall-clock minute; only the zone is configurable
	Scheduler struct {
		Timezone string `yaml:"timezone"` // IANA name, empty for host local
	} `yaml:"scheduler"`

	Status struct {
		Retention int `yaml:"retention"` // seconds
	} `yaml:"status"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"logging"`
}

// Topics names the bus topics
type Topics struct {
	Registration string `yaml:"registration"`
	RelayStatus  string `yaml:"relay_status"`
	DeviceStatus string `yaml:"device_status"`
	RelayControl string `yaml:"relay_control"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.ListenAddr = ":8080"
	cfg.HTTP.TokenTTL = 24 * 3600
	cfg.HTTP.BcryptCost = 10

	cfg.Bus.Transport = "mqtt"
	cfg.Bus.BrokerURL = "tcp://localhost:1883"
	cfg.Bus.ClientID = "relayhub"
	cfg.Bus.QoS = 1
	cfg.Bus.SubEndpoint = "tcp://localhost:5556"
	cfg.Bus.PubEndpoint = "tcp://localhost:5557"
	cfg.Bus.Topics = Topics{
		Registration: "relayhub/device/register",
		RelayStatus:  "relayhub/relay/status",
		DeviceStatus: "relayhub/device/status",
		RelayControl: "relayhub/relay/control",
	}

	cfg.Database.Path = "/var/lib/relayhub/relayhub.db"
	cfg.Status.Retention = 3600
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// Load reads path over the defaults, then applies .env and environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	c.HTTP.ListenAddr = getenv("RELAYHUB_LISTEN_ADDR", c.HTTP.ListenAddr)
	c.HTTP.JWTSecret = getenv("RELAYHUB_JWT_SECRET", c.HTTP.JWTSecret)
	c.Bus.Transport = getenv("RELAYHUB_BUS_TRANSPORT", c.Bus.Transport)
	c.Bus.BrokerURL = getenv("RELAYHUB_BROKER_URL", c.Bus.BrokerURL)
	c.Bus.ClientID = getenv("RELAYHUB_BROKER_CLIENT_ID", c.Bus.ClientID)
	c.Bus.Username = getenv("RELAYHUB_BROKER_USERNAME", c.Bus.Username)
	c.Bus.Password = getenv("RELAYHUB_BROKER_PASSWORD", c.Bus.Password)
	c.Database.Path = getenv("RELAYHUB_DATABASE_PATH", c.Database.Path)
	c.Scheduler.Timezone = getenv("RELAYHUB_TIMEZONE", c.Scheduler.Timezone)
	c.Logging.Level = getenv("RELAYHUB_LOG_LEVEL", c.Logging.Level)

	if v := os.Getenv("RELAYHUB_TOKEN_TTL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RELAYHUB_TOKEN_TTL: %w", err)
		}
		c.HTTP.TokenTTL = n
	}
	return nil
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	if c.HTTP.JWTSecret == "" {
		return fmt.Errorf("http.jwt_secret is required")
	}
	if c.HTTP.TokenTTL <= 0 {
		return fmt.Errorf("http.token_ttl must be positive")
	}

	switch c.Bus.Transport {
	case "mqtt":
		if c.Bus.BrokerURL == "" {
			return fmt.Errorf("bus.broker_url is required for mqtt transport")
		}
		if c.Bus.QoS > 2 {
			return fmt.Errorf("bus.qos must be 0, 1 or 2")
		}
	case "zmq":
		if c.Bus.SubEndpoint == "" || c.Bus.PubEndpoint == "" {
			return fmt.Errorf("bus.sub_endpoint and bus.pub_endpoint are required for zmq transport")
		}
	default:
		return fmt.Errorf("unknown bus transport %q", c.Bus.Transport)
	}

	t := c.Bus.Topics
	if t.Registration == "" || t.RelayStatus == "" || t.DeviceStatus == "" || t.RelayControl == "" {
		return fmt.Errorf("all bus topics must be set")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the scheduler timezone
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler.timezone: %w", err)
	}
	return loc, nil
}

// TokenTTL returns the token lifetime
func (c *Config) TokenTTL() time.Duration {
	return secondsToDuration(c.HTTP.TokenTTL)
}

// StatusRetention returns how long device status records are kept
func (c *Config) StatusRetention() time.Duration {
	return secondsToDuration(c.Status.Retention)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
