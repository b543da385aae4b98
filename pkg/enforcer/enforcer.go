// Package enforcer runs the action of a violated policy.
//
// The only action is an HTTP webhook. Delivery is retried a fixed number of
// times with a fixed delay and failures are logged, never returned: a
// violation is recorded whether or not its action could be delivered.
package enforcer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/icos-project/polman/pkg/model"
	"github.com/icos-project/polman/pkg/telemetry"
)

const (
	// DefaultMaxRetries is the number of delivery attempts.
	DefaultMaxRetries = 2

	// DefaultRetryDelay is the pause between two attempts.
	DefaultRetryDelay = 2 * time.Second

	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 30 * time.Second
)

// Config controls webhook delivery.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// DefaultConfig returns the delivery defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
		Timeout:    DefaultTimeout,
	}
}

// AuthConfig identifies the polman client at the OpenID Connect provider.
type AuthConfig struct {
	Server       string
	Realm        string
	ClientID     string
	ClientSecret string
}

// TokenURL is the client-credentials token endpoint of the realm.
func (a AuthConfig) TokenURL() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", strings.TrimRight(a.Server, "/"), a.Realm)
}

// Executor runs the action of a violated policy.
type Executor interface {
	Execute(ctx context.Context, p *model.Policy, v *model.Violation) error
}

// Option is a functional option for configuring an Enforcer.
type Option func(*Enforcer)

// WithAuth enables bearer tokens for actions that ask for one. Tokens are
// fetched with the client-credentials grant and reused until they expire.
func WithAuth(auth AuthConfig) Option {
	return func(e *Enforcer) {
		e.auth = &auth
	}
}

// WithTelemetry records deliveries as spans and metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(e *Enforcer) {
		e.tel = tel
	}
}

// WithHTTPClient replaces the HTTP client used for deliveries and tokens.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Enforcer) {
		e.httpClient = c
	}
}

// Enforcer delivers webhook actions.
type Enforcer struct {
	config     Config
	logger     zerolog.Logger
	httpClient *http.Client
	auth       *AuthConfig
	tokens     oauth2.TokenSource
	tel        *telemetry.Telemetry
}

// New creates an Enforcer. Zero values in cfg take the defaults.
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Enforcer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	e := &Enforcer{
		config: cfg,
		logger: logger.With().Str("component", "enforcer").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.httpClient == nil {
		e.httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if e.tel == nil {
		e.tel = telemetry.Nop()
	}

	if e.auth != nil {
		cc := &clientcredentials.Config{
			ClientID:     e.auth.ClientID,
			ClientSecret: e.auth.ClientSecret,
			TokenURL:     e.auth.TokenURL(),
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, e.httpClient)
		e.tokens = cc.TokenSource(ctx)
		e.logger.Info().Str("client_id", e.auth.ClientID).Msg("Access tokens enabled for webhook actions")
	}

	return e
}

// Execute runs the action of p for violation v. It returns an error only
// when the action cannot be run at all; delivery failures are logged.
func (e *Enforcer) Execute(ctx context.Context, p *model.Policy, v *model.Violation) error {
	action, ok := p.Action.(*model.WebhookAction)
	if !ok {
		return model.NewInternalError("not executable action", nil).WithPolicy(p.ID)
	}

	params, err := Params(v, action.ExtraParams)
	if err != nil {
		return model.NewInternalError("failed to build webhook payload", err).WithPolicy(p.ID)
	}

	ctx, span := e.tel.Tracer.StartEnforcementSpan(ctx, p.ID, v.ID, action.HTTPMethod)
	defer span.End()

	logger := e.logger.With().
		Str("policy_id", p.ID).
		Str("violation_id", v.ID).
		Str("method", action.HTTPMethod).
		Str("url", action.URL).
		Logger()
	logger.Debug().Interface("params", params).Msg("Executing violation action")

	timer := telemetry.NewTimer()
	err = e.deliver(ctx, logger, action, params)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		telemetry.RecordError(span, err)
		logger.Error().Err(err).Int("attempts", e.config.MaxRetries).Msg("Max retry reached, giving up")
	} else {
		telemetry.RecordSuccess(span)
	}
	e.tel.Metrics.RecordEnforcement(action.HTTPMethod, outcome, timer.Duration())

	return nil
}

func (e *Enforcer) deliver(ctx context.Context, logger zerolog.Logger, action *model.WebhookAction, params map[string]interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= e.config.MaxRetries; attempt++ {
		lastErr = e.attempt(ctx, logger, action, params)
		if lastErr == nil {
			return nil
		}
		logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("Webhook action failed, retrying")

		if attempt == e.config.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.config.RetryDelay):
		}
	}
	return lastErr
}

func (e *Enforcer) attempt(ctx context.Context, logger zerolog.Logger, action *model.WebhookAction, params map[string]interface{}) error {
	var (
		req *http.Request
		err error
	)
	switch action.HTTPMethod {
	case http.MethodGet:
		u, perr := url.Parse(action.URL)
		if perr != nil {
			return fmt.Errorf("invalid url: %w", perr)
		}
		query := u.Query()
		for k, v := range Flatten(params) {
			query.Set(k, v)
		}
		u.RawQuery = query.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	case http.MethodPost:
		body, merr := json.Marshal(params)
		if merr != nil {
			return fmt.Errorf("failed to encode payload: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, action.URL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		return fmt.Errorf("unsupported method %q", action.HTTPMethod)
	}
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if action.IncludeAccessToken {
		if e.tokens == nil {
			logger.Warn().Msg("Action requires an access token but authentication is not configured")
		} else {
			token, terr := e.tokens.Token()
			if terr != nil {
				return fmt.Errorf("failed to get access token: %w", terr)
			}
			token.SetAuthHeader(req)
		}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		logger.Debug().Str("body", string(body)).Msg("Webhook response content")
		return fmt.Errorf("received status %s", resp.Status)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Params is the webhook payload: the violation document with the action's
// extra parameters merged on top.
func Params(v *model.Violation, extra map[string]string) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	params := make(map[string]interface{})
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, err
	}
	for k, val := range extra {
		params[k] = val
	}
	return params, nil
}

// Flatten turns nested maps into dotted keys for use as query parameters.
// Null values are dropped.
func Flatten(params map[string]interface{}) map[string]string {
	out := make(map[string]string)
	flatten("", params, out)
	return out
}

func flatten(prefix string, m map[string]interface{}, out map[string]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			flatten(key, val, out)
		case nil:
		case string:
			out[key] = val
		case float64:
			out[key] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[key] = strconv.FormatBool(val)
		default:
			out[key] = fmt.Sprintf("%v", val)
		}
	}
}
