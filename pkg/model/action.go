package model

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ActionType is the discriminator of the Action union.
type ActionType string

const (
	ActionTypeWebhook ActionType = "webhook"
)

// Action is the enforcement action run when a policy is violated.
type Action interface {
	Type() ActionType
	CloneAction() Action
}

// WebhookAction calls an HTTP endpoint with the violation as payload.
type WebhookAction struct {
	URL                string            `json:"url" validate:"required,url"`
	HTTPMethod         string            `json:"httpMethod" validate:"required,oneof=GET POST"`
	ExtraParams        map[string]string `json:"extraParams"`
	IncludeAccessToken bool              `json:"includeAccessToken"`
}

func (*WebhookAction) Type() ActionType { return ActionTypeWebhook }

func (a *WebhookAction) CloneAction() Action {
	c := *a
	c.ExtraParams = cloneStringMap(a.ExtraParams)
	return &c
}

// MarshalJSON adds the type discriminator.
func (a *WebhookAction) MarshalJSON() ([]byte, error) {
	type alias WebhookAction
	return json.Marshal(struct {
		Type ActionType `json:"type"`
		*alias
	}{ActionTypeWebhook, (*alias)(a)})
}

// DecodeAction decodes a JSON action. The type defaults to webhook.
func DecodeAction(data []byte) (Action, error) {
	var probe struct {
		Type ActionType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, NewValidationError("invalid action", err)
	}

	switch probe.Type {
	case ActionTypeWebhook, "":
		var a WebhookAction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, NewValidationError("invalid webhook action", err)
		}
		a.HTTPMethod = strings.ToUpper(a.HTTPMethod)
		if a.HTTPMethod == "" {
			a.HTTPMethod = http.MethodPost
		}
		if a.ExtraParams == nil {
			a.ExtraParams = map[string]string{}
		}
		return &a, nil
	default:
		return nil, NewValidationError(fmt.Sprintf("unknown action type %q", probe.Type), nil)
	}
}
