package graph

import (
	"errors"
	"fmt"

	"github.com/dukex/careflow/pkg/models"
)

// ErrorKind names a structural problem found while validating a definition.
type ErrorKind string

const (
	KindDanglingEdge    ErrorKind = "DanglingEdge"
	KindMissingBranch   ErrorKind = "MissingBranch"
	KindUnreachableNode ErrorKind = "UnreachableNode"
	KindInvalidConfig   ErrorKind = "InvalidConfig"
	KindMissingTrigger  ErrorKind = "MissingTrigger"
	KindCycle           ErrorKind = "Cycle"
)

// Sentinels for errors.Is checks against a validation result.
var (
	ErrDanglingEdge    = &GraphError{Kind: KindDanglingEdge}
	ErrMissingBranch   = &GraphError{Kind: KindMissingBranch}
	ErrUnreachableNode = &GraphError{Kind: KindUnreachableNode}
	ErrInvalidConfig   = &GraphError{Kind: KindInvalidConfig}
	ErrMissingTrigger  = &GraphError{Kind: KindMissingTrigger}
	ErrCycle           = &GraphError{Kind: KindCycle}
)

// GraphError is a single structural problem. Validation joins all of them.
type GraphError struct {
	Kind    ErrorKind    `json:"kind"`
	NodeID  string       `json:"node_id,omitempty"`
	Edge    *models.Edge `json:"edge,omitempty"`
	Message string       `json:"message"`
}

func (e *GraphError) Error() string {
	switch {
	case e.NodeID != "":
		return fmt.Sprintf("%s: node %s: %s", e.Kind, e.NodeID, e.Message)
	case e.Edge != nil:
		return fmt.Sprintf("%s: edge %s: %s", e.Kind, e.Edge.Key(), e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Is matches any GraphError of the same kind.
func (e *GraphError) Is(target error) bool {
	var other *GraphError
	if !errors.As(target, &other) {
		return false
	}

	return other.Kind == e.Kind
}

// Errors unpacks the individual graph errors of a validation failure.
func Errors(err error) []*GraphError {
	if err == nil {
		return nil
	}

	var out []*GraphError

	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, inner := range joined.Unwrap() {
			out = append(out, Errors(inner)...)
		}

		return out
	}

	var graphErr *GraphError
	if errors.As(err, &graphErr) {
		out = append(out, graphErr)
	}

	return out
}

func nodeError(kind ErrorKind, nodeID, format string, args ...any) *GraphError {
	return &GraphError{Kind: kind, NodeID: nodeID, Message: fmt.Sprintf(format, args...)}
}

func edgeError(kind ErrorKind, edge models.Edge, format string, args ...any) *GraphError {
	return &GraphError{Kind: kind, Edge: &edge, Message: fmt.Sprintf(format, args...)}
}
