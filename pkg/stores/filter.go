package stores

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/icos-project/polman/pkg/model"
)

// Match reports whether the JSON document of p satisfies every filter.
func Match(p *model.Policy, filters Filters) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("failed to encode policy %s: %w", p.ID, err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("failed to decode policy %s: %w", p.ID, err)
	}

	for path, want := range filters {
		v, ok := lookup(doc, path)
		if !ok || !equalValue(v, want) {
			return false, nil
		}
	}
	return true, nil
}

func lookup(doc map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equalValue(v interface{}, want string) bool {
	switch val := v.(type) {
	case string:
		return val == want
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64) == want
	case bool:
		return strconv.FormatBool(val) == want
	case nil:
		return want == "null"
	default:
		return false
	}
}

func filterPolicies(policies []*model.Policy, filters Filters) ([]*model.Policy, error) {
	out := make([]*model.Policy, 0, len(policies))
	for _, p := range policies {
		ok, err := Match(p, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}
