package models

import (
	"math"
	"strconv"
	"time"
)

// ExecutionStatus is the lifecycle state of a WorkflowExecution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsFinished reports whether no further node may run for the execution.
func (s ExecutionStatus) IsFinished() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusCancelled
}

type Patient struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"`
	Gender string `json:"gender,omitempty"`
}

type Appointment struct {
	ID                 string `json:"id"`
	Date               string `json:"date,omitempty"`
	Time               string `json:"time,omitempty"`
	Status             string `json:"status,omitempty"`
	Type               string `json:"type,omitempty"`
	SurgeryType        string `json:"surgery_type,omitempty"`
	MeetingURL         string `json:"meeting_url,omitempty"`
	CancellationReason string `json:"cancellation_reason,omitempty"`
}

// ExecutionContext is the bag of variables visible to conditions and templates.
type ExecutionContext struct {
	Patient     Patient           `json:"patient"`
	Appointment *Appointment      `json:"appointment,omitempty"`
	TriggerType string            `json:"trigger_type"`
	EventDate   *time.Time        `json:"event_date,omitempty"`
	Custom      map[string]string `json:"custom,omitempty"`
}

// Clone returns a deep copy so branches never share the custom map.
func (c ExecutionContext) Clone() ExecutionContext {
	out := c

	if c.Appointment != nil {
		appointment := *c.Appointment
		out.Appointment = &appointment
	}

	if c.EventDate != nil {
		eventDate := *c.EventDate
		out.EventDate = &eventDate
	}

	out.Custom = make(map[string]string, len(c.Custom))
	for k, v := range c.Custom {
		out.Custom[k] = v
	}

	return out
}

// DaysPassed counts whole days since the triggering event, or -1 when unknown.
func (c ExecutionContext) DaysPassed(now time.Time) int {
	if c.EventDate == nil {
		return -1
	}

	return int(math.Floor(now.Sub(*c.EventDate).Hours() / 24))
}

// Variables flattens the context into template/condition variables. Empty built-in fields
// are omitted. Custom fields win over built-in names.
func (c ExecutionContext) Variables(now time.Time) map[string]string {
	vars := map[string]string{
		"patient_id":     c.Patient.ID,
		"patient_name":   c.Patient.Name,
		"patient_phone":  c.Patient.Phone,
		"patient_email":  c.Patient.Email,
		"patient_gender": c.Patient.Gender,
		"trigger_type":   c.TriggerType,
	}

	if c.Appointment != nil {
		vars["appointment_id"] = c.Appointment.ID
		vars["appointment_date"] = c.Appointment.Date
		vars["appointment_time"] = c.Appointment.Time
		vars["appointment_status"] = c.Appointment.Status
		vars["appointment_type"] = c.Appointment.Type
		vars["surgery_type"] = c.Appointment.SurgeryType
		vars["meeting_url"] = c.Appointment.MeetingURL
		vars["cancellation_reason"] = c.Appointment.CancellationReason
	}

	if days := c.DaysPassed(now); days >= 0 {
		vars["days_passed"] = strconv.Itoa(days)
	}

	for k, v := range vars {
		if v == "" {
			delete(vars, k)
		}
	}

	// Custom keys stay even when empty.
	for k, v := range c.Custom {
		vars[k] = v
	}

	return vars
}

// LogOutcome classifies a log entry.
type LogOutcome string

const (
	OutcomeStarted   LogOutcome = "started"
	OutcomeSucceeded LogOutcome = "succeeded"
	OutcomeBranched  LogOutcome = "branched"
	OutcomeSuspended LogOutcome = "suspended"
	OutcomeRetrying  LogOutcome = "retrying"
	OutcomeWaiting   LogOutcome = "waiting"
	OutcomeSkipped   LogOutcome = "skipped"
	OutcomeFailed    LogOutcome = "failed"
	OutcomeCompleted LogOutcome = "completed"
	OutcomeCancelled LogOutcome = "cancelled"
)

// LogEntry is one append-only audit record.
type LogEntry struct {
	NodeID    string     `json:"node_id,omitempty"`
	NodeType  NodeType   `json:"node_type,omitempty"`
	Outcome   LogOutcome `json:"outcome"`
	Message   string     `json:"message,omitempty"`
	Attempt   int        `json:"attempt,omitempty"`
	JobID     string     `json:"job_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// WorkflowExecution is the mutable record of a single run.
type WorkflowExecution struct {
	ID               string           `json:"id"`
	WorkflowID       string           `json:"workflow_id"`
	PatientID        string           `json:"patient_id,omitempty"`
	AppointmentID    string           `json:"appointment_id,omitempty"`
	Status           ExecutionStatus  `json:"status"`
	CurrentNodeID    string           `json:"current_node_id,omitempty"`
	CurrentStepIndex int              `json:"current_step_index"`
	TotalSteps       int              `json:"total_steps"`
	ActiveNodes      []string         `json:"active_nodes"`
	FailedBranches   int              `json:"failed_branches"`
	Log              []LogEntry       `json:"log"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	Context          ExecutionContext `json:"context"`
	Version          int              `json:"version"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// Append records a transition. The log is append-only and the step index only increases.
func (e *WorkflowExecution) Append(entry LogEntry) {
	e.Log = append(e.Log, entry)
	e.CurrentStepIndex++

	if entry.NodeID != "" {
		e.CurrentNodeID = entry.NodeID
	}
}

// AddActive registers live branch positions.
func (e *WorkflowExecution) AddActive(nodeIDs ...string) {
	e.ActiveNodes = append(e.ActiveNodes, nodeIDs...)
}

// RemoveActive drops one occurrence of nodeID and reports whether it was present.
func (e *WorkflowExecution) RemoveActive(nodeID string) bool {
	for i, id := range e.ActiveNodes {
		if id == nodeID {
			e.ActiveNodes = append(e.ActiveNodes[:i:i], e.ActiveNodes[i+1:]...)

			return true
		}
	}

	return false
}

// HasJob reports whether a continuation job already advanced this execution.
func (e *WorkflowExecution) HasJob(jobID string) bool {
	for _, entry := range e.Log {
		if entry.JobID == jobID {
			return true
		}
	}

	return false
}

// Halted reports whether no node may run anymore: the run was cancelled or already settled.
func (e *WorkflowExecution) Halted() bool {
	return e.Status.IsFinished() || e.CompletedAt != nil
}

// Settle finalises the run once no branch is live. It is a no-op while branches remain.
func (e *WorkflowExecution) Settle(now time.Time) bool {
	if len(e.ActiveNodes) > 0 || e.Status.IsFinished() || e.CompletedAt != nil {
		return false
	}

	if e.FailedBranches > 0 {
		e.Status = ExecutionStatusFailed
	} else {
		e.Status = ExecutionStatusCompleted
	}

	e.CompletedAt = &now
	e.Append(LogEntry{Outcome: OutcomeCompleted, Message: "execution " + string(e.Status), Timestamp: now})

	return true
}

// Clone deep copies the execution so repositories never share slices with callers.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	out := *e
	out.ActiveNodes = append([]string(nil), e.ActiveNodes...)
	out.Log = append([]LogEntry(nil), e.Log...)
	out.Context = e.Context.Clone()

	if e.StartedAt != nil {
		startedAt := *e.StartedAt
		out.StartedAt = &startedAt
	}

	if e.CompletedAt != nil {
		completedAt := *e.CompletedAt
		out.CompletedAt = &completedAt
	}

	return &out
}
