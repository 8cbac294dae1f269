// Package trigger turns incoming clinic events into workflow executions: it matches events
// against the trigger nodes of active definitions and starts one execution per match.
package trigger

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dukex/careflow/pkg/models"
	"github.com/robfig/cron/v3"
)

// ErrUnknownEventType is returned for events no trigger node can ever match.
var ErrUnknownEventType = errors.New("unknown trigger event type")

var eventTypes = []string{
	models.TriggerSurgeryCompleted,
	models.TriggerAppointmentCreated,
	models.TriggerAppointmentCompleted,
	models.TriggerAppointmentCancelled,
	models.TriggerAppointmentNoShow,
	models.TriggerManual,
	models.TriggerSchedule,
	models.TriggerWebhook,
	models.TriggerKeywordReceived,
}

// IsEventType reports whether eventType names a trigger sub type.
func IsEventType(eventType string) bool {
	return slices.Contains(eventTypes, eventType)
}

// Event is something that happened to a patient or appointment.
type Event struct {
	Type    string
	Context models.ExecutionContext
	// Content is the inbound message text of keyword_received events.
	Content string
	// CancellationReason filters appointment_cancelled triggers.
	CancellationReason string
	// From and To bound the tick window of schedule events.
	From time.Time
	To   time.Time
}

// AppointmentTrigger maps an appointment status to the trigger type it fires.
func AppointmentTrigger(status string) (string, bool) {
	switch status {
	case "completed":
		return models.TriggerAppointmentCompleted, true
	case "cancelled":
		return models.TriggerAppointmentCancelled, true
	case "no_show":
		return models.TriggerAppointmentNoShow, true
	default:
		return "", false
	}
}

// MatchResult is the best trigger node of one definition for an event.
type MatchResult struct {
	Definition *models.WorkflowDefinition
	Node       models.Node
	// Score is higher for more specific matches.
	Score  int
	Reason string
}

type Matcher struct {
	location *time.Location
	logger   *slog.Logger
}

type MatcherOption func(*Matcher)

// WithLocation sets the zone schedule triggers are evaluated in.
func WithLocation(loc *time.Location) MatcherOption {
	return func(m *Matcher) { m.location = loc }
}

func NewMatcher(logger *slog.Logger, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		location: time.UTC,
		logger:   logger.With("module", "trigger_matcher"),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Match returns one result per active definition with a trigger node matching event, best
// score first.
func (m *Matcher) Match(event Event, definitions []*models.WorkflowDefinition) []MatchResult {
	var results []MatchResult

	for _, def := range definitions {
		if !def.IsActive {
			continue
		}

		var best *MatchResult

		for _, node := range def.Nodes {
			if node.Type != models.NodeTypeTrigger || node.SubType != event.Type {
				continue
			}

			score, reason, ok := m.matchNode(event, node)
			if !ok || (best != nil && best.Score >= score) {
				continue
			}

			best = &MatchResult{Definition: def, Node: node, Score: score, Reason: reason}
		}

		if best != nil {
			m.logger.Debug("Found matching workflow",
				"workflow_id", def.ID,
				"trigger_node_id", best.Node.ID,
				"score", best.Score)

			results = append(results, *best)
		}
	}

	slices.SortStableFunc(results, func(a, b MatchResult) int { return b.Score - a.Score })

	m.logger.Debug("Completed trigger matching",
		"trigger_type", event.Type,
		"definitions", len(definitions),
		"matches_found", len(results))

	return results
}

func (m *Matcher) matchNode(event Event, node models.Node) (int, string, bool) {
	decoded, err := node.DecodeConfig()
	if err != nil {
		m.logger.Warn("Skipping trigger with invalid config", "node_id", node.ID, "error", err)

		return 0, "", false
	}

	cfg, _ := decoded.(models.TriggerConfig)

	switch event.Type {
	case models.TriggerKeywordReceived:
		return matchKeywords(event.Content, cfg)
	case models.TriggerAppointmentCancelled:
		return matchCancellation(event.CancellationReason, cfg)
	case models.TriggerSchedule:
		return m.matchSchedule(event.From, event.To, node.ID, cfg)
	default:
		return 100, "trigger type " + event.Type, true
	}
}

// matchKeywords compares case-insensitively. Contains is the default match type.
func matchKeywords(content string, cfg models.TriggerConfig) (int, string, bool) {
	message := strings.ToLower(strings.TrimSpace(content))
	if message == "" {
		return 0, "", false
	}

	for _, keyword := range cfg.Keywords {
		k := strings.ToLower(strings.TrimSpace(keyword))
		if k == "" {
			continue
		}

		if cfg.MatchType == models.MatchExact {
			if k == message {
				return 100, fmt.Sprintf("keyword %q matched exactly", keyword), true
			}

			continue
		}

		if strings.Contains(message, k) {
			return 50, fmt.Sprintf("message contains keyword %q", keyword), true
		}
	}

	return 0, "", false
}

// matchCancellation applies the optional reason filter of the trigger.
func matchCancellation(reason string, cfg models.TriggerConfig) (int, string, bool) {
	if len(cfg.CancellationReasons) == 0 {
		return 100, "appointment cancelled", true
	}

	if !slices.Contains(cfg.CancellationReasons, reason) {
		return 0, "", false
	}

	return 150, "cancellation reason " + reason, true
}

// matchSchedule fires when the cron expression was due in (from, to].
func (m *Matcher) matchSchedule(from, to time.Time, nodeID string, cfg models.TriggerConfig) (int, string, bool) {
	if cfg.Cron == "" || !to.After(from) {
		return 0, "", false
	}

	schedule, err := cron.ParseStandard(cfg.Cron)
	if err != nil {
		m.logger.Warn("Skipping schedule trigger with invalid cron", "node_id", nodeID, "cron", cfg.Cron, "error", err)

		return 0, "", false
	}

	due := schedule.Next(from.In(m.location))
	if due.IsZero() || due.After(to) {
		return 0, "", false
	}

	return 100, "cron " + cfg.Cron + " due at " + due.Format(time.RFC3339), true
}
