package model

import (
	"encoding/json"
	"fmt"
	"sort"
)

// SubjectType is the discriminator of the Subject union.
type SubjectType string

const (
	SubjectTypeApp    SubjectType = "app"
	SubjectTypeHost   SubjectType = "host"
	SubjectTypeCustom SubjectType = "custom"
)

// Subject identifies what a policy governs. Implementations are AppSubject,
// HostSubject and CustomSubject.
type Subject interface {
	// Type returns the variant discriminator.
	Type() SubjectType

	// Fields returns the explicitly set fields, keyed by field name. The
	// type discriminator is never included.
	Fields() map[string]string

	// CloneSubject returns an independent copy.
	CloneSubject() Subject
}

// AppSubject targets an application component instance.
type AppSubject struct {
	AppName      string `json:"appName"`
	AppInstance  string `json:"appInstance"`
	AppComponent string `json:"appComponent"`
}

// HostSubject targets a host and its telemetry agent.
type HostSubject struct {
	HostID  string `json:"hostId"`
	AgentID string `json:"agentId"`
}

// CustomSubject is an open bag of label values.
type CustomSubject map[string]string

func (AppSubject) Type() SubjectType    { return SubjectTypeApp }
func (HostSubject) Type() SubjectType   { return SubjectTypeHost }
func (CustomSubject) Type() SubjectType { return SubjectTypeCustom }

func (s AppSubject) Fields() map[string]string {
	return map[string]string{
		"appName":      s.AppName,
		"appInstance":  s.AppInstance,
		"appComponent": s.AppComponent,
	}
}

func (s HostSubject) Fields() map[string]string {
	return map[string]string{
		"hostId":  s.HostID,
		"agentId": s.AgentID,
	}
}

func (s CustomSubject) Fields() map[string]string {
	fields := make(map[string]string, len(s))
	for k, v := range s {
		if k == "type" {
			continue
		}
		fields[k] = v
	}
	return fields
}

func (s AppSubject) CloneSubject() Subject  { return s }
func (s HostSubject) CloneSubject() Subject { return s }

func (s CustomSubject) CloneSubject() Subject {
	return CustomSubject(s.Fields())
}

// MarshalJSON adds the type discriminator.
func (s AppSubject) MarshalJSON() ([]byte, error) {
	type alias AppSubject
	return json.Marshal(struct {
		Type SubjectType `json:"type"`
		alias
	}{SubjectTypeApp, alias(s)})
}

// MarshalJSON adds the type discriminator.
func (s HostSubject) MarshalJSON() ([]byte, error) {
	type alias HostSubject
	return json.Marshal(struct {
		Type SubjectType `json:"type"`
		alias
	}{SubjectTypeHost, alias(s)})
}

// MarshalJSON adds the type discriminator.
func (s CustomSubject) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(s)+1)
	for k, v := range s.Fields() {
		out[k] = v
	}
	out["type"] = string(SubjectTypeCustom)
	return json.Marshal(out)
}

// NewSubject builds a subject of the given variant from a field map. Every
// required field of the variant must be present.
func NewSubject(t SubjectType, fields map[string]string) (Subject, error) {
	switch t {
	case SubjectTypeApp:
		s := AppSubject{
			AppName:      fields["appName"],
			AppInstance:  fields["appInstance"],
			AppComponent: fields["appComponent"],
		}
		if missing := missingFields(fields, "appName", "appInstance", "appComponent"); len(missing) > 0 {
			return nil, NewValidationError(fmt.Sprintf("app subject is missing %v", missing), nil)
		}
		return s, nil
	case SubjectTypeHost:
		if missing := missingFields(fields, "hostId", "agentId"); len(missing) > 0 {
			return nil, NewValidationError(fmt.Sprintf("host subject is missing %v", missing), nil)
		}
		return HostSubject{HostID: fields["hostId"], AgentID: fields["agentId"]}, nil
	case SubjectTypeCustom:
		s := make(CustomSubject, len(fields))
		for k, v := range fields {
			if k != "type" {
				s[k] = v
			}
		}
		return s, nil
	default:
		return nil, NewValidationError(fmt.Sprintf("unknown subject type %q", t), nil)
	}
}

func missingFields(fields map[string]string, names ...string) []string {
	var missing []string
	for _, n := range names {
		if _, ok := fields[n]; !ok {
			missing = append(missing, n)
		}
	}
	sort.Strings(missing)
	return missing
}

// DecodeSubject decodes a JSON subject. With an explicit type the matching
// variant is used; otherwise App and Host are tried in order and Custom is
// the fallback.
func DecodeSubject(data []byte) (Subject, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, NewValidationError("invalid subject", err)
	}
	if raw == nil {
		return nil, NewValidationError("subject is required", nil)
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		if k == "type" {
			continue
		}
		switch val := v.(type) {
		case string:
			fields[k] = val
		case nil:
		default:
			fields[k] = fmt.Sprintf("%v", val)
		}
	}

	if t, ok := raw["type"].(string); ok && t != "" {
		return NewSubject(SubjectType(t), fields)
	}

	for _, t := range []SubjectType{SubjectTypeApp, SubjectTypeHost} {
		if s, err := NewSubject(t, fields); err == nil {
			return s, nil
		}
	}
	return NewSubject(SubjectTypeCustom, fields)
}
