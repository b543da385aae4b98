package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type lookupFunc func(key string) (string, bool)

// envReader applies POLMAN_* variables and remembers the first malformed
// value.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (r *envReader) get(key string) (string, bool) {
	v, ok := r.lookup(EnvPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (r *envReader) fail(key, v string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%s%s=%q: %w", EnvPrefix, key, v, err)
	}
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *envReader) int(key string, dst *int) {
	if v, ok := r.get(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = i
	}
}

func (r *envReader) float(key string, dst *float64) {
	if v, ok := r.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) bool(key string, dst *bool) {
	if v, ok := r.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = b
	}
}

// duration accepts Go durations and plain seconds.
func (r *envReader) duration(key string, dst *time.Duration) {
	if v, ok := r.get(key); ok {
		if secs, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(secs) * time.Second
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = d
	}
}

// list splits on whitespace and commas.
func (r *envReader) list(key string, dst *[]string) {
	if v, ok := r.get(key); ok {
		*dst = strings.FieldsFunc(v, func(c rune) bool {
			return c == ',' || c == ' ' || c == '\t' || c == '\n'
		})
	}
}

func loadFromEnv(cfg *Config, lookup lookupFunc) error {
	r := &envReader{lookup: lookup}

	// Database
	r.str("DB_TYPE", &cfg.DB.Type)
	r.str("DB_PATH", &cfg.DB.Path)
	r.str("DB_URL", &cfg.DB.URL)
	r.str("DB_HOST", &cfg.DB.Host)
	r.int("DB_PORT", &cfg.DB.Port)
	r.str("DB_USER", &cfg.DB.User)
	r.str("DB_PASSWORD", &cfg.DB.Password)
	r.str("DB_NAME", &cfg.DB.Name)
	r.duration("DB_TIMEOUT", &cfg.DB.Timeout)

	// API
	r.str("API_HOST", &cfg.API.Host)
	r.int("API_PORT", &cfg.API.Port)
	r.str("API_ROOT", &cfg.API.Root)
	r.list("API_ALLOWED_CORS_ORIGINS", &cfg.API.AllowedCorsOrigins)
	r.bool("API_ENABLE_DEBUG_CALLS", &cfg.API.EnableDebugCalls)

	// Measurement backend
	r.str("PROMETHEUS_RULES_API_URL", &cfg.Prometheus.RulesAPIURL)
	r.str("PROMETHEUS_BACKEND_NAME", &cfg.Prometheus.BackendName)
	r.duration("PROMETHEUS_TIMEOUT", &cfg.Prometheus.Timeout)

	// Enforcer
	r.int("ENFORCER_MAX_RETRIES", &cfg.Enforcer.MaxRetries)
	r.duration("ENFORCER_RETRY_DELAY", &cfg.Enforcer.RetryDelay)
	r.duration("ENFORCER_TIMEOUT", &cfg.Enforcer.Timeout)

	// Authentication
	r.str("AUTHN_SERVER", &cfg.Authn.Server)
	r.str("AUTHN_REALM", &cfg.Authn.Realm)
	r.str("AUTHN_CLIENT_ID", &cfg.Authn.ClientID)
	r.str("AUTHN_CLIENT_SECRET", &cfg.Authn.ClientSecret)

	// Admission
	r.bool("ADMISSION_ENABLED", &cfg.Admission.Enabled)
	r.list("ADMISSION_PATHS", &cfg.Admission.Paths)
	r.bool("ADMISSION_WATCH", &cfg.Admission.Watch)

	r.str("CATALOG_PATH", &cfg.Catalog.Path)

	// Telemetry
	r.str("LOG_LEVEL", &cfg.Telemetry.Logging.Level)
	r.str("LOG_FORMAT", &cfg.Telemetry.Logging.Format)
	r.str("ENVIRONMENT", &cfg.Telemetry.Environment)
	r.bool("TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	r.str("TRACING_EXPORTER", &cfg.Telemetry.Tracing.Exporter)
	r.str("TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	r.float("TRACING_SAMPLING_RATE", &cfg.Telemetry.Tracing.SamplingRate)
	r.bool("METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	r.str("METRICS_LISTEN_ADDRESS", &cfg.Telemetry.Metrics.ListenAddress)

	return r.err
}
