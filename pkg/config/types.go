package config

import (
	"time"

	"github.com/icos-project/polman/pkg/telemetry"
)

// Config is the polman configuration document.
type Config struct {
	// DB selects and configures the policy store.
	DB DBConfig `yaml:"db"`

	// API configures the HTTP server.
	API APIConfig `yaml:"api"`

	// Prometheus points at the rule API of the measurement backend.
	Prometheus PrometheusConfig `yaml:"prometheus"`

	// Enforcer configures webhook delivery.
	Enforcer EnforcerConfig `yaml:"enforcer"`

	// Authn holds the client credentials used for includeAccessToken.
	Authn AuthnConfig `yaml:"authn"`

	// Admission configures the Rego admission rules.
	Admission AdmissionConfig `yaml:"admission"`

	// Catalog extends the builtin template catalog.
	Catalog CatalogConfig `yaml:"catalog"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// DBConfig selects the policy store.
type DBConfig struct {
	// Type is one of inmemory, file, sqlite, badger and mongodb.
	Type string `yaml:"type" validate:"required,oneof=inmemory file sqlite badger mongodb"`

	// Path is the data file or directory of the file, sqlite and badger
	// stores.
	Path string `yaml:"path" validate:"required_if=Type file,required_if=Type sqlite,required_if=Type badger"`

	// URL is a full MongoDB connection string. It takes precedence over
	// host, port, user and password.
	URL string `yaml:"url" validate:"omitempty,url"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// Name is the MongoDB database name.
	Name string `yaml:"name"`

	// Timeout bounds connection setup for networked stores.
	Timeout time.Duration `yaml:"timeout"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gt=0,lte=65535"`

	// Root is the path prefix of every route.
	Root string `yaml:"root" validate:"omitempty,startswith=/"`

	// AllowedCorsOrigins enables CORS for the listed origins. "*" allows
	// every origin.
	AllowedCorsOrigins []string `yaml:"allowedCorsOrigins"`

	// EnableDebugCalls exposes the forced violate and resolve routes.
	EnableDebugCalls bool `yaml:"enableDebugCalls"`
}

// PrometheusConfig locates the measurement backend.
type PrometheusConfig struct {
	// RulesAPIURL is the base URL of the rule file API.
	RulesAPIURL string `yaml:"rulesApiUrl" validate:"omitempty,url"`

	// BackendName keys the backend status inside each policy.
	BackendName string `yaml:"backendName" validate:"required"`

	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// EnforcerConfig configures webhook delivery.
type EnforcerConfig struct {
	MaxRetries int           `yaml:"maxRetries" validate:"gte=1"`
	RetryDelay time.Duration `yaml:"retryDelay" validate:"gte=0"`
	Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`
}

// AuthnConfig holds the OpenID Connect client credentials of polman.
type AuthnConfig struct {
	Server       string `yaml:"server" validate:"omitempty,url"`
	Realm        string `yaml:"realm"`
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
}

// Configured reports whether client credentials are available.
func (a AuthnConfig) Configured() bool {
	return a.Server != "" && a.ClientID != ""
}

// AdmissionConfig configures the admission rules.
type AdmissionConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths lists .rego and .json rule files or directories.
	Paths []string `yaml:"paths"`

	// Watch reloads the rules when their files change.
	Watch bool `yaml:"watch"`
}

// CatalogConfig configures the template catalog.
type CatalogConfig struct {
	// Path is an optional YAML file of extra templates.
	Path string `yaml:"path"`
}
