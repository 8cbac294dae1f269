package models

import (
	"encoding/json"
	"fmt"
)

// Trigger sub types.
const (
	TriggerSurgeryCompleted     = "surgery_completed"
	TriggerAppointmentCreated   = "appointment_created"
	TriggerAppointmentCompleted = "appointment_completed"
	TriggerAppointmentCancelled = "appointment_cancelled"
	TriggerAppointmentNoShow    = "appointment_no_show"
	TriggerManual               = "manual"
	TriggerSchedule             = "schedule"
	TriggerWebhook              = "webhook"
	TriggerKeywordReceived      = "keyword_received"
)

// Action sub types.
const (
	ActionSendKakao     = "send_kakao"
	ActionSendSMS       = "send_sms"
	ActionSendEmail     = "send_email"
	ActionSendMessage   = "send_message"
	ActionUpdatePatient = "update_patient"
)

// Channel is an outbound messaging channel.
type Channel string

const (
	ChannelKakao Channel = "kakao"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchContains MatchType = "contains"
)

type DelayType string

const (
	DelayMinutes      DelayType = "minutes"
	DelayHours        DelayType = "hours"
	DelayDays         DelayType = "days"
	DelayBusinessDays DelayType = "business_days"
)

// NodeConfig is the decoded variant of Node.Config. Exactly one concrete type
// exists per NodeType.
type NodeConfig interface {
	nodeType() NodeType
}

type TriggerConfig struct {
	Keywords            []string  `json:"keywords,omitempty"             validate:"omitempty,dive,required"`
	MatchType           MatchType `json:"match_type,omitempty"           validate:"omitempty,oneof=exact contains"`
	Cron                string    `json:"cron,omitempty"`
	CancellationReasons []string  `json:"cancellation_reasons,omitempty"`
}

type ActionConfig struct {
	Channels   []Channel         `json:"channels,omitempty"    validate:"omitempty,dive,oneof=kakao sms email"`
	Template   string            `json:"template,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// ConditionConfig accepts either the comparator grammar ("variable op value"),
// the structured comparator fields, or an expr program.
type ConditionConfig struct {
	Expression string `json:"expression,omitempty"`
	Variable   string `json:"variable,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Expr       string `json:"expr,omitempty"`
}

type DelayConfig struct {
	Type         DelayType `json:"type"                    validate:"required,oneof=minutes hours days business_days"`
	Value        int       `json:"value"`
	SkipWeekends *bool     `json:"skip_weekends,omitempty"`
	SkipHolidays *bool     `json:"skip_holidays,omitempty"`
}

// SkipsWeekends defaults to true when unset.
func (c DelayConfig) SkipsWeekends() bool { return c.SkipWeekends == nil || *c.SkipWeekends }

// SkipsHolidays defaults to true when unset.
func (c DelayConfig) SkipsHolidays() bool { return c.SkipHolidays == nil || *c.SkipHolidays }

type TimeWindowConfig struct {
	StartTime    string `json:"start_time"              validate:"required"`
	EndTime      string `json:"end_time"                validate:"required"`
	Timezone     string `json:"timezone,omitempty"`
	SkipWeekends bool   `json:"skip_weekends,omitempty"`
	SkipHolidays bool   `json:"skip_holidays,omitempty"`
}

func (TriggerConfig) nodeType() NodeType    { return NodeTypeTrigger }
func (ActionConfig) nodeType() NodeType     { return NodeTypeAction }
func (ConditionConfig) nodeType() NodeType  { return NodeTypeCondition }
func (DelayConfig) nodeType() NodeType      { return NodeTypeDelay }
func (TimeWindowConfig) nodeType() NodeType { return NodeTypeTimeWindow }

// DecodeConfig turns the raw config map into its typed variant. Unknown fields are rejected.
func (n Node) DecodeConfig() (NodeConfig, error) {
	raw, err := json.Marshal(n.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config of node %s: %w", n.ID, err)
	}

	var target NodeConfig

	switch n.Type {
	case NodeTypeTrigger:
		target = &TriggerConfig{}
	case NodeTypeAction:
		target = &ActionConfig{}
	case NodeTypeCondition:
		target = &ConditionConfig{}
	case NodeTypeDelay:
		target = &DelayConfig{}
	case NodeTypeTimeWindow:
		target = &TimeWindowConfig{}
	default:
		return nil, fmt.Errorf("unknown node type %q", n.Type)
	}

	if n.Config != nil {
		if err := strictUnmarshal(raw, target); err != nil {
			return nil, fmt.Errorf("invalid %s config for node %s: %w", n.Type, n.ID, err)
		}
	}

	return deref(target), nil
}

func deref(c NodeConfig) NodeConfig {
	switch v := c.(type) {
	case *TriggerConfig:
		return *v
	case *ActionConfig:
		return *v
	case *ConditionConfig:
		return *v
	case *DelayConfig:
		return *v
	case *TimeWindowConfig:
		return *v
	default:
		return c
	}
}

// DefaultChannels derives the ordered channel list for an action sub type.
func DefaultChannels(subType string) []Channel {
	switch subType {
	case ActionSendKakao:
		return []Channel{ChannelKakao}
	case ActionSendSMS:
		return []Channel{ChannelSMS}
	case ActionSendEmail:
		return []Channel{ChannelEmail}
	case ActionSendMessage:
		return []Channel{ChannelKakao, ChannelSMS}
	default:
		return nil
	}
}
