package models

import "time"

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusDone      JobStatus = "done"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job will never be claimed again.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed || s == JobStatusCancelled
}

type JobPriority int

const (
	PriorityLow      JobPriority = 0
	PriorityNormal   JobPriority = 1
	PriorityHigh     JobPriority = 2
	PriorityCritical JobPriority = 3
)

// Job tags.
const (
	TagDelayContinuation      = "delay_continuation"
	TagTimeWindowContinuation = "time_window_continuation"
	TagActionRetry            = "action_retry"
)

// QueueJob is a persisted continuation of a suspended branch.
type QueueJob struct {
	ID            string           `json:"id"`
	WorkflowID    string           `json:"workflow_id"`
	ExecutionID   string           `json:"execution_id"`
	Context       ExecutionContext `json:"context"`
	ResumeNodeID  string           `json:"resume_node_id"`
	FromNodeID    string           `json:"from_node_id,omitempty"`
	ScheduledFor  time.Time        `json:"scheduled_for"`
	Status        JobStatus        `json:"status"`
	AttemptCount  int              `json:"attempt_count"`
	Deliveries    int              `json:"deliveries"`
	MaxDeliveries int              `json:"max_deliveries"`
	Priority      JobPriority      `json:"priority"`
	LockOwner     string           `json:"lock_owner,omitempty"`
	LockExpiresAt *time.Time       `json:"lock_expires_at,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	Tags          []string         `json:"tags,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ReentersNode is true when the job resumes the node itself (retry, closed window)
// rather than traversing the edge FromNodeID -> ResumeNodeID.
func (j *QueueJob) ReentersNode() bool {
	return j.FromNodeID == ""
}

func (j *QueueJob) HasTag(tag string) bool {
	for _, t := range j.Tags {
		if t == tag {
			return true
		}
	}

	return false
}

func (j *QueueJob) Clone() *QueueJob {
	out := *j
	out.Context = j.Context.Clone()
	out.Tags = append([]string(nil), j.Tags...)

	if j.LockExpiresAt != nil {
		expiresAt := *j.LockExpiresAt
		out.LockExpiresAt = &expiresAt
	}

	return &out
}

// ReleaseOutcome is the final disposition a worker gives a claimed job.
type ReleaseOutcome string

const (
	ReleaseDone    ReleaseOutcome = "done"
	ReleaseFailed  ReleaseOutcome = "failed"
	ReleaseRequeue ReleaseOutcome = "requeue"
)

// Release describes how a claimed job leaves the claimed state.
type Release struct {
	Outcome      ReleaseOutcome
	ScheduledFor time.Time // requeue only
	Error        string
}

// QueueStats counts jobs by state.
type QueueStats struct {
	Queued    int `json:"queued"`
	Delayed   int `json:"delayed"`
	Claimed   int `json:"claimed"`
	Done      int `json:"done"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
