// Package graph validates workflow definitions and indexes them for execution.
package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/careflow/pkg/condition"
	"github.com/dukex/careflow/pkg/delay"
	"github.com/dukex/careflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// Validator checks definitions once, when they are loaded.
type Validator struct {
	validate   *validator.Validate
	delays     *delay.Calculator
	conditions *condition.Evaluator
	now        func() time.Time
}

func NewValidator(delays *delay.Calculator, conditions *condition.Evaluator, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}

	return &Validator{
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		delays:     delays,
		conditions: conditions,
		now:        now,
	}
}

// Validate checks def with a calendar-free calculator and a fresh evaluator.
func Validate(def *models.WorkflowDefinition) (*ValidNodeSet, error) {
	return NewValidator(delay.NewCalculator(delay.NoHolidays, slog.Default()), condition.NewEvaluator(), nil).Validate(def)
}

var actionSubTypes = map[string]bool{
	models.ActionSendKakao:     true,
	models.ActionSendSMS:       true,
	models.ActionSendEmail:     true,
	models.ActionSendMessage:   true,
	models.ActionUpdatePatient: true,
}

// Validate returns the indexed node set, or every structural problem joined into one error.
func (v *Validator) Validate(def *models.WorkflowDefinition) (*ValidNodeSet, error) {
	var errs []error

	set := &ValidNodeSet{
		Definition: def,
		nodes:      make(map[string]*ValidNode, len(def.Nodes)),
	}

	for _, node := range def.Nodes {
		if _, exists := set.nodes[node.ID]; exists {
			errs = append(errs, nodeError(KindInvalidConfig, node.ID, "duplicate node id"))

			continue
		}

		valid, nodeErrs := v.validateNode(def, node, set)
		errs = append(errs, nodeErrs...)
		set.nodes[node.ID] = valid

		if node.Type == models.NodeTypeTrigger {
			set.triggers = append(set.triggers, valid)
		}
	}

	errs = append(errs, v.indexEdges(def, set)...)

	checked := make(map[string]bool, len(set.nodes))

	for _, node := range def.Nodes {
		if checked[node.ID] {
			continue
		}

		checked[node.ID] = true
		errs = append(errs, checkBranches(set.nodes[node.ID])...)
	}

	if len(set.triggers) == 0 {
		errs = append(errs, &GraphError{Kind: KindMissingTrigger, Message: "definition has no trigger node"})
	}

	for _, trigger := range set.triggers {
		if trigger.InDegree() > 0 {
			errs = append(errs, nodeError(KindInvalidConfig, trigger.ID, "trigger nodes cannot have incoming edges"))
		}
	}

	errs = append(errs, checkReachability(set)...)
	errs = append(errs, checkCycles(def, set)...)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return set, nil
}

func (v *Validator) validateNode(def *models.WorkflowDefinition, node models.Node, set *ValidNodeSet) (*ValidNode, []error) {
	valid := &ValidNode{Node: node}

	if err := v.validate.Struct(node); err != nil {
		return valid, []error{nodeError(KindInvalidConfig, node.ID, "%v", err)}
	}

	cfg, err := node.DecodeConfig()
	if err != nil {
		return valid, []error{nodeError(KindInvalidConfig, node.ID, "%v", err)}
	}

	valid.Config = cfg

	if err := v.validate.Struct(cfg); err != nil {
		return valid, []error{nodeError(KindInvalidConfig, node.ID, "%v", err)}
	}

	switch c := cfg.(type) {
	case models.TriggerConfig:
		return valid, v.validateTrigger(def, node, c)
	case models.ActionConfig:
		return valid, validateAction(node, c)
	case models.ConditionConfig:
		if err := v.conditions.Compile(c); err != nil {
			return valid, []error{nodeError(KindInvalidConfig, node.ID, "%v", err)}
		}
	case models.DelayConfig:
		result := v.delays.Validate(c, v.now())
		if !result.IsValid {
			return valid, []error{nodeError(KindInvalidConfig, node.ID, "%s", result.Error)}
		}

		if result.Warning != "" {
			set.Warnings = append(set.Warnings, fmt.Sprintf("node %s: %s", node.ID, result.Warning))
		}
	case models.TimeWindowConfig:
		window, err := delay.ParseWindow(c)
		if err != nil {
			return valid, []error{nodeError(KindInvalidConfig, node.ID, "%v", err)}
		}

		valid.Window = window
	}

	return valid, nil
}

func (v *Validator) validateTrigger(def *models.WorkflowDefinition, node models.Node, cfg models.TriggerConfig) []error {
	triggerType := node.SubType
	if triggerType == "" {
		triggerType = def.TriggerType
	}

	switch triggerType {
	case models.TriggerKeywordReceived:
		if len(cfg.Keywords) == 0 {
			return []error{nodeError(KindInvalidConfig, node.ID, "keyword trigger requires at least one keyword")}
		}
	case models.TriggerSchedule:
		if _, err := cron.ParseStandard(cfg.Cron); err != nil {
			return []error{nodeError(KindInvalidConfig, node.ID, "invalid cron expression %q: %v", cfg.Cron, err)}
		}
	}

	return nil
}

func validateAction(node models.Node, cfg models.ActionConfig) []error {
	if !actionSubTypes[node.SubType] {
		return []error{nodeError(KindInvalidConfig, node.ID, "unknown action sub type %q", node.SubType)}
	}

	if node.SubType == models.ActionUpdatePatient {
		if len(cfg.Fields) == 0 {
			return []error{nodeError(KindInvalidConfig, node.ID, "update_patient requires fields")}
		}

		return nil
	}

	if cfg.Template == "" {
		return []error{nodeError(KindInvalidConfig, node.ID, "message actions require a template")}
	}

	if len(cfg.Channels) == 0 && len(models.DefaultChannels(node.SubType)) == 0 {
		return []error{nodeError(KindInvalidConfig, node.ID, "no channel configured")}
	}

	return nil
}

func (v *Validator) indexEdges(def *models.WorkflowDefinition, set *ValidNodeSet) []error {
	var errs []error

	seen := make(map[string]bool, len(def.Edges))

	for _, edge := range def.Edges {
		if err := v.validate.Struct(edge); err != nil {
			errs = append(errs, edgeError(KindInvalidConfig, edge, "%v", err))

			continue
		}

		source, sourceOK := set.nodes[edge.Source]
		target, targetOK := set.nodes[edge.Target]

		if !sourceOK || !targetOK {
			errs = append(errs, edgeError(KindDanglingEdge, edge, "edge references a missing node"))

			continue
		}

		if seen[edge.Key()] {
			errs = append(errs, edgeError(KindInvalidConfig, edge, "duplicate edge"))

			continue
		}

		seen[edge.Key()] = true

		switch edge.Label {
		case models.EdgeLabelTrue, models.EdgeLabelFalse:
			if source.Type != models.NodeTypeCondition {
				errs = append(errs, edgeError(KindInvalidConfig, edge, "branch labels are only allowed on condition nodes"))

				continue
			}
		case models.EdgeLabelFallback:
			if source.Type != models.NodeTypeAction {
				errs = append(errs, edgeError(KindInvalidConfig, edge, "fallback edges are only allowed on action nodes"))

				continue
			}

			if source.Fallback != nil {
				errs = append(errs, nodeError(KindInvalidConfig, source.ID, "more than one fallback edge"))

				continue
			}

			fallback := edge
			source.Fallback = &fallback
			target.Incoming = append(target.Incoming, edge)

			continue
		}

		source.Outgoing = append(source.Outgoing, edge)
		target.Incoming = append(target.Incoming, edge)
	}

	return errs
}

func checkBranches(n *ValidNode) []error {
	if n.Type != models.NodeTypeCondition {
		return nil
	}

	var trueEdges, falseEdges, other int

	for _, e := range n.Outgoing {
		switch e.Label {
		case models.EdgeLabelTrue:
			trueEdges++
		case models.EdgeLabelFalse:
			falseEdges++
		default:
			other++
		}
	}

	if trueEdges != 1 || falseEdges != 1 || other != 0 {
		return []error{nodeError(KindMissingBranch, n.ID,
			"condition needs exactly one true and one false edge (true=%d false=%d unlabeled=%d)",
			trueEdges, falseEdges, other)}
	}

	return nil
}

func successors(n *ValidNode) []models.Edge {
	if n.Fallback == nil {
		return n.Outgoing
	}

	return append(append([]models.Edge(nil), n.Outgoing...), *n.Fallback)
}

func checkReachability(set *ValidNodeSet) []error {
	reached := make(map[string]bool, len(set.nodes))
	queue := make([]string, 0, len(set.triggers))

	for _, trigger := range set.triggers {
		reached[trigger.ID] = true
		queue = append(queue, trigger.ID)
	}

	for len(queue) > 0 {
		current := set.nodes[queue[0]]
		queue = queue[1:]

		for _, edge := range successors(current) {
			if !reached[edge.Target] {
				reached[edge.Target] = true
				queue = append(queue, edge.Target)
			}
		}
	}

	var errs []error

	for _, node := range set.Definition.Nodes {
		if !reached[node.ID] && len(set.triggers) > 0 {
			errs = append(errs, nodeError(KindUnreachableNode, node.ID, "node is not reachable from any trigger"))
		}
	}

	return errs
}

func checkCycles(def *models.WorkflowDefinition, set *ValidNodeSet) []error {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, len(set.nodes))

	var errs []error

	var visit func(id string)
	visit = func(id string) {
		state[id] = visiting

		for _, edge := range successors(set.nodes[id]) {
			switch state[edge.Target] {
			case visiting:
				errs = append(errs, edgeError(KindCycle, edge, "edge closes a cycle"))
			case unvisited:
				visit(edge.Target)
			}
		}

		state[id] = done
	}

	for _, node := range def.Nodes {
		if state[node.ID] == unvisited {
			visit(node.ID)
		}
	}

	return errs
}
