// Package events defines the lifecycle notifications published while workflows run.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const Topic = "careflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"

	NodeFailedEvent   EventType = "node.failed"
	JobScheduledEvent EventType = "job.scheduled"
	MessageSentEvent  EventType = "message.sent"
)

// Types lists every published event type.
var Types = []EventType{
	ExecutionStartedEvent,
	ExecutionCompletedEvent,
	ExecutionFailedEvent,
	ExecutionCancelledEvent,
	NodeFailedEvent,
	JobScheduledEvent,
	MessageSentEvent,
}

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	WorkflowID  string         `json:"workflow_id"`
	ExecutionID string         `json:"execution_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type ExecutionStarted struct {
	BaseEvent

	TriggerNodeID string `json:"trigger_node_id"`
	TriggerType   string `json:"trigger_type"`
	PatientID     string `json:"patient_id,omitempty"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	DurationMs int64 `json:"duration_ms"`
	Steps      int   `json:"steps"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	Error          string `json:"error"`
	FailedBranches int    `json:"failed_branches"`
	DurationMs     int64  `json:"duration_ms"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	Reason string `json:"reason,omitempty"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

// NodeFailed is published when a node fails for good, before any fallback edge is taken.
type NodeFailed struct {
	BaseEvent

	NodeID   string `json:"node_id"`
	Error    string `json:"error"`
	Category string `json:"category"`
	Attempt  int    `json:"attempt"`
}

func (e NodeFailed) GetType() EventType {
	return NodeFailedEvent
}

// JobScheduled reports a continuation persisted for later.
type JobScheduled struct {
	BaseEvent

	JobID        string    `json:"job_id"`
	NodeID       string    `json:"node_id"`
	Reason       string    `json:"reason"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

func (e JobScheduled) GetType() EventType {
	return JobScheduledEvent
}

type MessageSent struct {
	BaseEvent

	NodeID    string `json:"node_id"`
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (e MessageSent) GetType() EventType {
	return MessageSentEvent
}

func NewBaseEvent(eventType EventType, workflowID, executionID string, now time.Time) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   now.UTC(),
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Metadata:    make(map[string]any),
	}
}

// New returns an empty event of the given type for decoding, or nil for unknown types.
func New(eventType EventType) any {
	switch eventType {
	case ExecutionStartedEvent:
		return &ExecutionStarted{}
	case ExecutionCompletedEvent:
		return &ExecutionCompleted{}
	case ExecutionFailedEvent:
		return &ExecutionFailed{}
	case ExecutionCancelledEvent:
		return &ExecutionCancelled{}
	case NodeFailedEvent:
		return &NodeFailed{}
	case JobScheduledEvent:
		return &JobScheduled{}
	case MessageSentEvent:
		return &MessageSent{}
	default:
		return nil
	}
}
