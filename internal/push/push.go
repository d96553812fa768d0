package push

import (
	"context"
	"time"
)

// Version is reported to remote backends in the User-Agent header.
const Version = "1.0.0"

// Backend type identifiers.
const (
	TypeAPI      = "api"
	TypeDingTalk = "dingtalk"
	TypeFeishu   = "feishu"
)

// Message is the payload handed to every backend for one delivery attempt.
type Message struct {
	Sender         string
	Content        string
	Timestamp      time.Time
	SubscriptionID int
}

// ConfigType tells the operator UI how to render a config item.
type ConfigType string

const (
	ConfigText     ConfigType = "text"
	ConfigPassword ConfigType = "password"
	ConfigBoolean  ConfigType = "boolean"
	ConfigTextarea ConfigType = "textarea"
)

// ConfigItem describes one configurable field of a backend.
type ConfigItem struct {
	Key          string     `json:"key"`
	Label        string     `json:"label"`
	Type         ConfigType `json:"type"`
	Value        string     `json:"value"`
	DefaultValue string     `json:"defaultValue,omitempty"`
	Required     bool       `json:"required"`
	Hint         string     `json:"hint,omitempty"`
}

// Backend is one push destination. Implementations read their settings on
// every call so config changes take effect without a restart.
type Backend interface {
	// Type is the stable identifier used in delivery records.
	Type() string
	// Name is the human-readable label.
	Name() string
	Enabled() bool
	Send(ctx context.Context, msg Message) error
	// TestConnection performs a real delivery so the operator sees what a
	// message will look like.
	TestConnection(ctx context.Context) error
	ConfigItems() []ConfigItem
	SaveConfig(values map[string]string) error
}
