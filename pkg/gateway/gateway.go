// Package gateway is a client for the rule management API of a measurement
// backend. Rules are registered as single-rule alerting groups; the backend
// assigns a rule file to each group and that file is the only handle polman
// keeps.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/icos-project/polman/pkg/model"
)

const (
	// AnnotationPolicyID carries the policy id on every registered rule.
	AnnotationPolicyID = "plm_id"

	// AnnotationExprValue is substituted by the backend with the measured value.
	AnnotationExprValue = "plm_expr_value"

	// AnnotationBackend names the measurement backend that registered a rule.
	AnnotationBackend = "plm_measurement_backend"

	exprValuePlaceholder = "{{ $value }}"

	// DefaultTimeout bounds every call to the rule API.
	DefaultTimeout = 60 * time.Second
)

// Rule is one alerting rule as posted to the rule API.
type Rule struct {
	Alert       string            `json:"alert"`
	Expr        string            `json:"expr"`
	For         string            `json:"for,omitempty"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
}

// Group is a rule group. File is only set on groups returned by the backend.
type Group struct {
	Name     string          `json:"name"`
	File     string          `json:"file,omitempty"`
	Interval json.RawMessage `json:"interval,omitempty"`
	Rules    []Rule          `json:"rules,omitempty"`
}

// AddRuleRequest describes the rule to register for a policy.
type AddRuleRequest struct {
	PolicyName  string
	PolicyID    string
	Expr        string
	For         string
	Interval    string
	Labels      map[string]string
	Annotations map[string]string
}

// Client wraps exactly one rule API endpoint.
type Client struct {
	url        string
	httpClient *http.Client
}

// New creates a client for the rule API at url. A zero timeout selects
// DefaultTimeout.
func New(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:        strings.TrimRight(url, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// URL returns the endpoint the client talks to.
func (c *Client) URL() string {
	return c.url
}

// RuleName returns the name of the single alerting rule of a policy.
func RuleName(policyName string) string {
	return policyName + ":rule-0"
}

// AddRule registers one alerting rule and returns the rule file assigned by
// the backend.
func (c *Client) AddRule(ctx context.Context, req AddRuleRequest) (string, error) {
	annotations := map[string]string{
		AnnotationPolicyID:  req.PolicyID,
		AnnotationExprValue: exprValuePlaceholder,
	}
	for k, v := range req.Annotations {
		annotations[k] = v
	}
	labels := map[string]string{}
	for k, v := range req.Labels {
		labels[k] = v
	}

	group := Group{
		Name: req.PolicyName,
		Rules: []Rule{{
			Alert:       RuleName(req.PolicyName),
			Expr:        req.Expr,
			For:         req.For,
			Labels:      labels,
			Annotations: annotations,
		}},
	}
	if req.Interval != "" {
		group.Interval, _ = json.Marshal(req.Interval)
	}

	body, err := json.Marshal(map[string]interface{}{
		"data": map[string]interface{}{"groups": []Group{group}},
	})
	if err != nil {
		return "", model.NewBackendError("failed to encode rule group", err)
	}

	respBody, status, err := c.do(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return "", model.NewBackendError("failed to register rule", err).WithPolicy(req.PolicyID)
	}
	if !isSuccess(status) {
		return "", model.NewBackendError(fmt.Sprintf("rule api returned status %d: %s", status, truncate(respBody)), nil).
			WithPolicy(req.PolicyID)
	}

	var resp struct {
		File string `json:"file"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", model.NewBackendError("failed to decode rule api response", err).WithPolicy(req.PolicyID)
	}
	if resp.File == "" {
		return "", model.NewBackendError("rule api response has no file", nil).WithPolicy(req.PolicyID)
	}
	return resp.File, nil
}

// DeleteRule removes the rule file. A rule that no longer exists is not an
// error.
func (c *Client) DeleteRule(ctx context.Context, file string) error {
	name := path.Base(file)
	respBody, status, err := c.do(ctx, http.MethodDelete, c.url+"/"+name, nil)
	if err != nil {
		return model.NewBackendError(fmt.Sprintf("failed to delete rule file %s", name), err)
	}
	if status == http.StatusNotFound || isSuccess(status) {
		return nil
	}
	return model.NewBackendError(fmt.Sprintf("rule api returned status %d deleting %s: %s", status, name, truncate(respBody)), nil)
}

// ListRules returns every rule group known to the backend.
func (c *Client) ListRules(ctx context.Context) ([]Group, error) {
	respBody, status, err := c.do(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, model.NewBackendError("failed to list rules", err)
	}
	if !isSuccess(status) {
		return nil, model.NewBackendError(fmt.Sprintf("rule api returned status %d: %s", status, truncate(respBody)), nil)
	}

	var resp struct {
		Data struct {
			Groups []Group `json:"groups"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, model.NewBackendError("failed to decode rule list", err)
	}
	return resp.Data.Groups, nil
}

// PurgeRules deletes every rule group and returns how many were removed.
func (c *Client) PurgeRules(ctx context.Context) (int, error) {
	groups, err := c.ListRules(ctx)
	if err != nil {
		return 0, err
	}
	for i, g := range groups {
		if err := c.DeleteRule(ctx, g.File); err != nil {
			return i, err
		}
	}
	return len(groups), nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, int, error) {
	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
