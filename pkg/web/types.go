// Package web provides HTTP request and response types for the careflow API.
package web

import (
	"time"

	"github.com/dukex/careflow/pkg/models"
)

type PatientRequest struct {
	ID     string `json:"id"               validate:"required"`
	Name   string `json:"name,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"  validate:"omitempty,email"`
	Gender string `json:"gender,omitempty"`
}

type AppointmentRequest struct {
	ID                 string `json:"id"                            validate:"required"`
	Date               string `json:"date,omitempty"`
	Time               string `json:"time,omitempty"`
	Status             string `json:"status,omitempty"`
	Type               string `json:"type,omitempty"`
	SurgeryType        string `json:"surgery_type,omitempty"`
	MeetingURL         string `json:"meeting_url,omitempty"         validate:"omitempty,url"`
	CancellationReason string `json:"cancellation_reason,omitempty"`
}

// TriggerRequest fires an event for one patient.
type TriggerRequest struct {
	EventType          string              `json:"event_type"                    validate:"required"`
	Patient            PatientRequest      `json:"patient"`
	Appointment        *AppointmentRequest `json:"appointment,omitempty"`
	EventDate          *time.Time          `json:"event_date,omitempty"`
	Custom             map[string]string   `json:"custom,omitempty"`
	Content            string              `json:"content,omitempty"`
	CancellationReason string              `json:"cancellation_reason,omitempty"`
}

// IncomingMessageRequest is an inbound Kakao/SMS message relayed by the provider gateway.
type IncomingMessageRequest struct {
	Sender  string         `json:"sender"            validate:"required"`
	Content string         `json:"content"`
	Patient PatientRequest `json:"patient"`
	Channel string         `json:"channel,omitempty" validate:"omitempty,oneof=kakao sms email"`
}

// AppointmentStatusRequest reports an appointment status change.
type AppointmentStatusRequest struct {
	Patient        PatientRequest     `json:"patient"`
	Appointment    AppointmentRequest `json:"appointment"`
	PreviousStatus string             `json:"previous_status,omitempty"`
}

type CancelExecutionRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type ExecutionSummary struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	Status     models.ExecutionStatus `json:"status"`
	Error      string                 `json:"error,omitempty"`
}

type TriggerResponse struct {
	Triggered  int                `json:"triggered"`
	Executions []ExecutionSummary `json:"executions"`
}

func (p PatientRequest) toModel() models.Patient {
	return models.Patient{ID: p.ID, Name: p.Name, Phone: p.Phone, Email: p.Email, Gender: p.Gender}
}

func (a *AppointmentRequest) toModel() *models.Appointment {
	if a == nil {
		return nil
	}

	return &models.Appointment{
		ID:                 a.ID,
		Date:               a.Date,
		Time:               a.Time,
		Status:             a.Status,
		Type:               a.Type,
		SurgeryType:        a.SurgeryType,
		MeetingURL:         a.MeetingURL,
		CancellationReason: a.CancellationReason,
	}
}

// ExecutionContext seeds the variables of the executions the request starts.
func (r TriggerRequest) ExecutionContext() models.ExecutionContext {
	custom := make(map[string]string, len(r.Custom))
	for k, v := range r.Custom {
		custom[k] = v
	}

	return models.ExecutionContext{
		Patient:     r.Patient.toModel(),
		Appointment: r.Appointment.toModel(),
		TriggerType: r.EventType,
		EventDate:   r.EventDate,
		Custom:      custom,
	}
}

func summarize(executions []*models.WorkflowExecution) TriggerResponse {
	out := TriggerResponse{Triggered: len(executions), Executions: make([]ExecutionSummary, 0, len(executions))}

	for _, exec := range executions {
		out.Executions = append(out.Executions, ExecutionSummary{
			ID:         exec.ID,
			WorkflowID: exec.WorkflowID,
			Status:     exec.Status,
			Error:      exec.ErrorMessage,
		})
	}

	return out
}
