package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/icos-project/polman/pkg/enforcer"
	"github.com/icos-project/polman/pkg/gateway"
	"github.com/icos-project/polman/pkg/stores"
	"github.com/icos-project/polman/pkg/telemetry"
	"github.com/icos-project/polman/pkg/watcher"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POLMAN_"

// MongoDB connection defaults applied when no url is given.
const (
	DefaultMongoHost = "localhost"
	DefaultMongoPort = 27017
	DefaultMongoName = "polman"
)

var validate = validator.New()

// DefaultConfig returns the configuration used when no file and no
// environment override is given.
func DefaultConfig() *Config {
	return &Config{
		DB: DBConfig{
			Type:    string(stores.TypeInMemory),
			Timeout: 10 * time.Second,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8000,
			Root: "/polman",
		},
		Prometheus: PrometheusConfig{
			BackendName: watcher.DefaultBackendName,
			Timeout:     gateway.DefaultTimeout,
		},
		Enforcer: EnforcerConfig{
			MaxRetries: enforcer.DefaultMaxRetries,
			RetryDelay: enforcer.DefaultRetryDelay,
			Timeout:    enforcer.DefaultTimeout,
		},
		Authn: AuthnConfig{
			Realm: "icos",
		},
		Admission: AdmissionConfig{
			Enabled: true,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration with priority env > file > defaults. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := loadFromEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// applyDefaults fills the MongoDB connection fields left empty.
func (c *Config) applyDefaults() {
	if c.DB.Type == string(stores.TypeMongoDB) && c.DB.URL == "" {
		if c.DB.Host == "" {
			c.DB.Host = DefaultMongoHost
		}
		if c.DB.Port == 0 {
			c.DB.Port = DefaultMongoPort
		}
		if c.DB.Name == "" {
			c.DB.Name = DefaultMongoName
		}
	}
	c.API.Root = strings.TrimRight(c.API.Root, "/")
}

// Validate checks the struct constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%s", strings.Join(msgs, "; "))
		}
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// Address is the listen address of the API server.
func (c *Config) Address() string {
	return net.JoinHostPort(c.API.Host, strconv.Itoa(c.API.Port))
}

// StoreConfig converts the db section for stores.New.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{
		Type:     stores.Type(c.DB.Type),
		Path:     c.DB.Path,
		URL:      c.DB.URL,
		Host:     c.DB.Host,
		Port:     c.DB.Port,
		User:     c.DB.User,
		Password: c.DB.Password,
		Name:     c.DB.Name,
		Timeout:  c.DB.Timeout,
	}
}

// EnforcerConfig converts the enforcer section for enforcer.New.
func (c *Config) EnforcerConfig() enforcer.Config {
	return enforcer.Config{
		MaxRetries: c.Enforcer.MaxRetries,
		RetryDelay: c.Enforcer.RetryDelay,
		Timeout:    c.Enforcer.Timeout,
	}
}

// AuthConfig converts the authn section for enforcer.WithAuth.
func (c *Config) AuthConfig() enforcer.AuthConfig {
	return enforcer.AuthConfig{
		Server:       c.Authn.Server,
		Realm:        c.Authn.Realm,
		ClientID:     c.Authn.ClientID,
		ClientSecret: c.Authn.ClientSecret,
	}
}

// Redacted returns a copy safe to print, with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.DB.Password != "" {
		out.DB.Password = "********"
	}
	if out.Authn.ClientSecret != "" {
		out.Authn.ClientSecret = "********"
	}
	if out.DB.URL != "" {
		out.DB.URL = redactURL(out.DB.URL)
	}
	return &out
}

func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return raw
	}
	user, _, _ := strings.Cut(creds, ":")
	return scheme + "://" + user + ":********@" + host
}

// YAML renders the configuration as a YAML document.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
