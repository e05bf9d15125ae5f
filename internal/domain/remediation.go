package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionType enumerates supported remediation actions.
const (
	ActionSwitchModel             = "switch_model"
	ActionIncreaseSafetyThreshold = "increase_safety_threshold"
	ActionDisableEndpoint         = "disable_endpoint"
	ActionResetSettings           = "reset_settings"
	ActionChangeSystemPrompt      = "change_system_prompt"
	ActionRateLimitUser           = "rate_limit_user"
)

// ValidActionType reports whether t is a known action type.
func ValidActionType(t string) bool {
	switch t {
	case ActionSwitchModel, ActionIncreaseSafetyThreshold, ActionDisableEndpoint,
		ActionResetSettings, ActionChangeSystemPrompt, ActionRateLimitUser:
		return true
	}
	return false
}

// SwitchModelParams forces future traffic onto a specific model.
type SwitchModelParams struct {
	NewModel string
}

// SafetyThresholdParams lowers the maximum tolerated risk score.
type SafetyThresholdParams struct {
	NewThreshold float64
}

// DisableEndpointParams blocks one endpoint entirely.
type DisableEndpointParams struct {
	Endpoint string
}

// SystemPromptParams overrides the system prompt on future calls.
type SystemPromptParams struct {
	NewPrompt string
}

// RateLimitUserParams throttles the user named on the incident.
type RateLimitUserParams struct {
	RequestsPerMinute int
}

// ActionParams holds the typed parameters of a remediation action. At most
// one variant is populated, matching the action type; reset_settings
// carries none.
type ActionParams struct {
	SwitchModel     *SwitchModelParams
	SafetyThreshold *SafetyThresholdParams
	DisableEndpoint *DisableEndpointParams
	SystemPrompt    *SystemPromptParams
	RateLimit       *RateLimitUserParams
}

// DecodeActionParams parses the wire-form parameter object for the given
// action type into its typed variant. Unknown fields are ignored; schema
// validation happens in the remediation service.
func DecodeActionParams(actionType string, raw json.RawMessage) (ActionParams, error) {
	var params ActionParams
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	switch actionType {
	case ActionSwitchModel:
		var wire struct {
			NewModel string `json:"newModel"`
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			return params, err
		}
		params.SwitchModel = &SwitchModelParams{NewModel: wire.NewModel}
	case ActionIncreaseSafetyThreshold:
		var wire struct {
			NewThreshold float64 `json:"newThreshold"`
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			return params, err
		}
		params.SafetyThreshold = &SafetyThresholdParams{NewThreshold: wire.NewThreshold}
	case ActionDisableEndpoint:
		var wire struct {
			Endpoint string `json:"endpoint"`
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			return params, err
		}
		params.DisableEndpoint = &DisableEndpointParams{Endpoint: wire.Endpoint}
	case ActionChangeSystemPrompt:
		var wire struct {
			NewPrompt string `json:"newPrompt"`
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			return params, err
		}
		params.SystemPrompt = &SystemPromptParams{NewPrompt: wire.NewPrompt}
	case ActionRateLimitUser:
		var wire struct {
			RequestsPerMinute int `json:"requestsPerMinute"`
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			return params, err
		}
		params.RateLimit = &RateLimitUserParams{RequestsPerMinute: wire.RequestsPerMinute}
	case ActionResetSettings:
	default:
		return params, fmt.Errorf("unknown action type %q", actionType)
	}
	return params, nil
}

// EncodeActionParams serializes typed parameters back to their wire form.
func EncodeActionParams(actionType string, params ActionParams) (json.RawMessage, error) {
	switch actionType {
	case ActionSwitchModel:
		if params.SwitchModel == nil {
			return nil, fmt.Errorf("switch_model params required")
		}
		return json.Marshal(map[string]any{"newModel": params.SwitchModel.NewModel})
	case ActionIncreaseSafetyThreshold:
		if params.SafetyThreshold == nil {
			return nil, fmt.Errorf("increase_safety_threshold params required")
		}
		return json.Marshal(map[string]any{"newThreshold": params.SafetyThreshold.NewThreshold})
	case ActionDisableEndpoint:
		if params.DisableEndpoint == nil {
			return nil, fmt.Errorf("disable_endpoint params required")
		}
		return json.Marshal(map[string]any{"endpoint": params.DisableEndpoint.Endpoint})
	case ActionChangeSystemPrompt:
		if params.SystemPrompt == nil {
			return nil, fmt.Errorf("change_system_prompt params required")
		}
		return json.Marshal(map[string]any{"newPrompt": params.SystemPrompt.NewPrompt})
	case ActionRateLimitUser:
		if params.RateLimit == nil {
			return nil, fmt.Errorf("rate_limit_user params required")
		}
		return json.Marshal(map[string]any{"requestsPerMinute": params.RateLimit.RequestsPerMinute})
	case ActionResetSettings:
		return json.RawMessage(`{}`), nil
	}
	return nil, fmt.Errorf("unknown action type %q", actionType)
}

// RemediationAction is a constraint attached to an incident. Once applied it
// stays in force while the incident remains open.
type RemediationAction struct {
	ID         string
	IncidentID string
	ProjectID  string
	ActionType string
	Params     ActionParams
	Executed   bool
	ExecutedAt *time.Time
	Metadata   json.RawMessage
	CreatedAt  time.Time
}

// Active reports whether the action currently constrains traffic, given the
// status of its parent incident.
func (a RemediationAction) Active(incidentOpen bool) bool {
	return a.Executed && incidentOpen
}
