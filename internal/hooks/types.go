package hooks

import (
	"time"
)

// HookEvent defines the type of event that can trigger a hook.
type HookEvent string

const (
	EventAdmissionRejected   HookEvent = "admission_rejected"
	EventSelectionFailed     HookEvent = "selection_failed"
	EventRoutingDecision     HookEvent = "routing_decision"
	EventUpstreamRateLimited HookEvent = "upstream_rate_limited"
	EventUpstreamError       HookEvent = "upstream_error"
	EventAccountError        HookEvent = "account_error"
	EventChargeShortfall     HookEvent = "charge_shortfall"
	EventLowBalance          HookEvent = "low_balance"
)

// AllEvents lists every event the relay publishes.
var AllEvents = []HookEvent{
	EventAdmissionRejected, EventSelectionFailed, EventRoutingDecision,
	EventUpstreamRateLimited, EventUpstreamError, EventAccountError,
	EventChargeShortfall, EventLowBalance,
}

// HookAction defines the action to be performed when a hook is triggered.
type HookAction string

const (
	ActionLogWarning     HookAction = "log_warning"
	ActionNotifyWebhook  HookAction = "notify_webhook"
	ActionDisableAccount HookAction = "disable_account"
)

// Hook represents a single automation rule.
type Hook struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Event       HookEvent      `yaml:"event" json:"event"`
	Condition   string         `yaml:"condition" json:"condition"`
	Action      HookAction     `yaml:"action" json:"action"`
	Params      map[string]any `yaml:"params" json:"params"`
	Enabled     bool           `yaml:"enabled" json:"enabled"`

	// FilePath is the source file (not in YAML)
	FilePath string `yaml:"-" json:"-"`
}

// EventContext carries one routing event to subscribers and hook conditions.
type EventContext struct {
	Event     HookEvent      `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Platform  string         `json:"platform,omitempty"`
	AccountID string         `json:"account_id,omitempty"`
	KeyID     string         `json:"key_id,omitempty"`
	OwnerID   string         `json:"owner_id,omitempty"`
	Model     string         `json:"model,omitempty"`
	// Reason is the machine-readable rejection or failure reason, when any.
	Reason       string `json:"reason,omitempty"`
	ErrorMessage string `json:"error,omitempty"`
}

// ActionHandler is a function that executes a hook action.
type ActionHandler func(hook *Hook, ctx *EventContext) error

// Publisher is the narrow interface core components use to emit events.
type Publisher interface {
	PublishAsync(ctx *EventContext)
}
