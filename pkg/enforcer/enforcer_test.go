package enforcer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/icos-project/polman/pkg/model"
)

func testViolation() *model.Violation {
	threshold := "critical"
	return &model.Violation{
		ID:                 "v1",
		CurrentValue:       "600",
		Threshold:          &threshold,
		PolicyName:         "cpu",
		PolicyID:           "p1",
		MeasurementBackend: "prom-1",
		ExtraLabels:        map[string]string{"instance": "node-1"},
		Subject:            model.HostSubject{HostID: "h1", AgentID: "a1"},
	}
}

func testPolicy(url, method string, token bool) *model.Policy {
	return model.NewPolicy("p1", &model.PolicyCreate{
		Name:    "cpu",
		Subject: model.HostSubject{HostID: "h1", AgentID: "a1"},
		Spec:    &model.TelemetrySpec{Expr: "up"},
		Action: &model.WebhookAction{
			URL:                url,
			HTTPMethod:         method,
			ExtraParams:        map[string]string{"team": "ops", "policyName": "overridden"},
			IncludeAccessToken: token,
		},
	})
}

func fastConfig() Config {
	return Config{MaxRetries: 2, RetryDelay: time.Millisecond, Timeout: time.Second}
}

func TestExecutePost(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	e := New(fastConfig(), zerolog.Nop())
	if err := e.Execute(context.Background(), testPolicy(server.URL, "POST", false), testViolation()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got["currentValue"] != "600" || got["threshold"] != "critical" || got["team"] != "ops" {
		t.Errorf("unexpected payload: %v", got)
	}
	if got["policyName"] != "overridden" {
		t.Errorf("expected extra params to win, got %v", got["policyName"])
	}
	subject, ok := got["subject"].(map[string]interface{})
	if !ok || subject["hostId"] != "h1" {
		t.Errorf("expected nested subject, got %v", got["subject"])
	}
}

func TestExecuteGetFlattensParams(t *testing.T) {
	var query map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	e := New(fastConfig(), zerolog.Nop())
	if err := e.Execute(context.Background(), testPolicy(server.URL+"/hook?static=1", "GET", false), testViolation()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	for key, want := range map[string]string{
		"static":               "1",
		"subject.hostId":       "h1",
		"subject.type":         "host",
		"extraLabels.instance": "node-1",
		"currentValue":         "600",
		"team":                 "ops",
	} {
		if v := query[key]; len(v) != 1 || v[0] != want {
			t.Errorf("query %s = %v, want %q", key, v, want)
		}
	}
}

func TestExecuteRetries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
	}{
		{"first attempt succeeds", []int{200}, 1},
		{"second attempt succeeds", []int{500, 200}, 2},
		{"gives up after max retries", []int{500, 503, 200}, 2},
		{"client errors are retried", []int{404, 404}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer server.Close()

			e := New(fastConfig(), zerolog.Nop())
			if err := e.Execute(context.Background(), testPolicy(server.URL, "POST", false), testViolation()); err != nil {
				t.Fatalf("delivery failures must not be returned, got %v", err)
			}
			if got := atomic.LoadInt32(&calls); got != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, got)
			}
		})
	}
}

func TestExecuteUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	e := New(fastConfig(), zerolog.Nop())
	if err := e.Execute(context.Background(), testPolicy(url, "POST", false), testViolation()); err != nil {
		t.Errorf("expected unreachable target to be logged only, got %v", err)
	}
}

type otherAction struct{}

func (otherAction) Type() model.ActionType     { return "other" }
func (otherAction) CloneAction() model.Action { return otherAction{} }

func TestExecuteUnsupportedAction(t *testing.T) {
	p := testPolicy("http://example.com", "POST", false)
	p.Action = otherAction{}

	e := New(fastConfig(), zerolog.Nop())
	if err := e.Execute(context.Background(), p, testViolation()); err == nil {
		t.Error("expected an error for a non executable action")
	}
}

func TestExecuteWithAccessToken(t *testing.T) {
	var tokenCalls int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realms/icos/protocol/openid-connect/token" {
			t.Errorf("unexpected token path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "client_credentials" {
			t.Errorf("unexpected grant type %q", r.Form.Get("grant_type"))
		}
		atomic.AddInt32(&tokenCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":300}`))
	}))
	defer idp.Close()

	var (
		mu      sync.Mutex
		headers []string
	)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = append(headers, r.Header.Get("Authorization"))
		mu.Unlock()
	}))
	defer target.Close()

	e := New(fastConfig(), zerolog.Nop(), WithAuth(AuthConfig{
		Server:       idp.URL + "/",
		Realm:        "icos",
		ClientID:     "polman",
		ClientSecret: "secret",
	}))

	for i := 0; i < 2; i++ {
		if err := e.Execute(context.Background(), testPolicy(target.URL, "POST", true), testViolation()); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	if err := e.Execute(context.Background(), testPolicy(target.URL, "POST", false), testViolation()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"Bearer tok-1", "Bearer tok-1", ""}
	if len(headers) != len(want) {
		t.Fatalf("expected %d deliveries, got %d", len(want), len(headers))
	}
	for i := range want {
		if headers[i] != want[i] {
			t.Errorf("delivery %d: Authorization = %q, want %q", i, headers[i], want[i])
		}
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 1 {
		t.Errorf("expected the token to be cached, got %d token requests", n)
	}
}

func TestFlatten(t *testing.T) {
	got := Flatten(map[string]interface{}{
		"a":    "x",
		"n":    1.5,
		"b":    true,
		"skip": nil,
		"m": map[string]interface{}{
			"k": "v",
			"deep": map[string]interface{}{
				"z": float64(3),
			},
			"empty": map[string]interface{}{},
		},
	})
	want := map[string]string{"a": "x", "n": "1.5", "b": "true", "m.k": "v", "m.deep.z": "3"}
	if len(got) != len(want) {
		t.Fatalf("Flatten() = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Flatten()[%s] = %q, want %q", k, got[k], v)
		}
	}
}
