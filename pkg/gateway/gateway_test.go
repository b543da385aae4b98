package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/icos-project/polman/pkg/model"
)

type fakeRuleAPI struct {
	mu      sync.Mutex
	posted  []map[string]interface{}
	deleted []string
	groups  []Group
	status  int
}

func (f *fakeRuleAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.status != 0 {
			w.WriteHeader(f.status)
			return
		}

		switch r.Method {
		case http.MethodPost:
			var body map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode body: %v", err)
			}
			f.posted = append(f.posted, body)
			_ = json.NewEncoder(w).Encode(map[string]string{"file": "/rules/abc.yml"})
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "success",
				"data":   map[string]interface{}{"groups": f.groups},
			})
		case http.MethodDelete:
			f.deleted = append(f.deleted, r.URL.Path)
			if r.URL.Path == "/api/missing.yml" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		}
	})
}

func newTestClient(t *testing.T, f *fakeRuleAPI) *Client {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New(srv.URL+"/api", 0)
}

func TestAddRule(t *testing.T) {
	f := &fakeRuleAPI{}
	c := newTestClient(t, f)

	file, err := c.AddRule(context.Background(), AddRuleRequest{
		PolicyName:  "cpu",
		PolicyID:    "p1",
		Expr:        "up > 1",
		For:         "1m",
		Interval:    "30s",
		Annotations: map[string]string{AnnotationBackend: "prom-1"},
	})
	if err != nil {
		t.Fatalf("add rule: %v", err)
	}
	if file != "/rules/abc.yml" {
		t.Errorf("unexpected file %s", file)
	}

	if len(f.posted) != 1 {
		t.Fatalf("expected one post, got %d", len(f.posted))
	}
	groups := f.posted[0]["data"].(map[string]interface{})["groups"].([]interface{})
	group := groups[0].(map[string]interface{})
	if group["name"] != "cpu" || group["interval"] != "30s" {
		t.Errorf("unexpected group %v", group)
	}
	rule := group["rules"].([]interface{})[0].(map[string]interface{})
	if rule["alert"] != "cpu:rule-0" {
		t.Errorf("unexpected alert name %v", rule["alert"])
	}
	if rule["expr"] != "up > 1" || rule["for"] != "1m" {
		t.Errorf("unexpected rule %v", rule)
	}
	annotations := rule["annotations"].(map[string]interface{})
	if annotations[AnnotationPolicyID] != "p1" {
		t.Errorf("missing policy id annotation: %v", annotations)
	}
	if annotations[AnnotationExprValue] != "{{ $value }}" {
		t.Errorf("missing value placeholder: %v", annotations)
	}
	if annotations[AnnotationBackend] != "prom-1" {
		t.Errorf("missing extra annotation: %v", annotations)
	}
}

func TestAddRuleBackendFailure(t *testing.T) {
	f := &fakeRuleAPI{status: http.StatusInternalServerError}
	c := newTestClient(t, f)

	_, err := c.AddRule(context.Background(), AddRuleRequest{PolicyName: "x", PolicyID: "p1", Expr: "up"})
	if !errors.Is(err, model.ErrBackend) {
		t.Errorf("expected backend error, got %v", err)
	}
}

func TestAddRuleUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, 0).AddRule(context.Background(), AddRuleRequest{PolicyName: "x", PolicyID: "p1", Expr: "up"})
	if !model.IsBackend(err) {
		t.Errorf("expected backend error, got %v", err)
	}
}

func TestDeleteRule(t *testing.T) {
	f := &fakeRuleAPI{}
	c := newTestClient(t, f)

	if err := c.DeleteRule(context.Background(), "/rules/abc.yml"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.DeleteRule(context.Background(), "/rules/missing.yml"); err != nil {
		t.Errorf("deleting a missing rule must succeed: %v", err)
	}

	want := []string{"/api/abc.yml", "/api/missing.yml"}
	for i, p := range want {
		if f.deleted[i] != p {
			t.Errorf("expected delete of %s, got %s", p, f.deleted[i])
		}
	}
}

func TestListAndPurgeRules(t *testing.T) {
	f := &fakeRuleAPI{groups: []Group{
		{Name: "a", File: "/rules/a.yml"},
		{Name: "b", File: "/rules/b.yml"},
	}}
	c := newTestClient(t, f)

	groups, err := c.ListRules(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(groups) != 2 || groups[1].File != "/rules/b.yml" {
		t.Errorf("unexpected groups %+v", groups)
	}

	n, err := c.PurgeRules(context.Background())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 || len(f.deleted) != 2 {
		t.Errorf("expected 2 deletions, got %d (%v)", n, f.deleted)
	}
}
