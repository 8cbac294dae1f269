// Package condition evaluates branch conditions against execution variables.
package condition

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/dukex/careflow/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var (
	// ErrMissingVariable is returned when the compared variable is absent. Callers treat it as false.
	ErrMissingVariable = errors.New("condition variable not set")
	ErrInvalidOperator = errors.New("unsupported condition operator")
	ErrInvalidSyntax   = errors.New("invalid condition expression")
)

type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
)

var operatorAliases = map[string]Operator{
	"eq":           OpEq,
	"==":           OpEq,
	"=":            OpEq,
	"equals":       OpEq,
	"neq":          OpNeq,
	"!=":           OpNeq,
	"not_equals":   OpNeq,
	"gt":           OpGt,
	">":            OpGt,
	"greater_than": OpGt,
	"lt":           OpLt,
	"<":            OpLt,
	"less_than":    OpLt,
	"gte":          OpGte,
	">=":           OpGte,
	"lte":          OpLte,
	"<=":           OpLte,
	"contains":     OpContains,
}

// ParseOperator normalises an operator or one of its aliases.
func ParseOperator(op string) (Operator, error) {
	if normalized, ok := operatorAliases[strings.ToLower(strings.TrimSpace(op))]; ok {
		return normalized, nil
	}

	return "", fmt.Errorf("%w: %q", ErrInvalidOperator, op)
}

// Comparison is the parsed form of "variable op value".
type Comparison struct {
	Variable string
	Operator Operator
	Value    string
}

var expressionPattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_.]*)\s+(\S+)\s+(.+?)\s*$`)

// ParseExpression parses the comparator grammar. Quotes around the value are optional.
func ParseExpression(expression string) (Comparison, error) {
	match := expressionPattern.FindStringSubmatch(expression)
	if match == nil {
		return Comparison{}, fmt.Errorf("%w: %q", ErrInvalidSyntax, expression)
	}

	op, err := ParseOperator(match[2])
	if err != nil {
		return Comparison{}, err
	}

	return Comparison{Variable: match[1], Operator: op, Value: unquote(match[3])}, nil
}

func unquote(value string) string {
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '"' || first == '\'') && first == last {
			return value[1 : len(value)-1]
		}
	}

	return value
}

// Evaluate compares against vars. A missing variable yields (false, ErrMissingVariable).
func (c Comparison) Evaluate(vars map[string]string) (bool, error) {
	actual, ok := vars[c.Variable]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrMissingVariable, c.Variable)
	}

	switch c.Operator {
	case OpContains:
		return strings.Contains(actual, c.Value), nil
	case OpEq:
		return actual == c.Value, nil
	case OpNeq:
		return actual != c.Value, nil
	case OpGt, OpLt, OpGte, OpLte:
		left, err := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		if err != nil {
			return false, fmt.Errorf("variable %s is not numeric: %q", c.Variable, actual)
		}

		right, err := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
		if err != nil {
			return false, fmt.Errorf("comparison value is not numeric: %q", c.Value)
		}

		switch c.Operator {
		case OpGt:
			return left > right, nil
		case OpLt:
			return left < right, nil
		case OpGte:
			return left >= right, nil
		default:
			return left <= right, nil
		}
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidOperator, c.Operator)
	}
}

// Evaluator evaluates condition node configs. Compiled expr programs are cached and
// shared across goroutines.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Compile checks a config without evaluating it. Used at definition load time.
func (e *Evaluator) Compile(cfg models.ConditionConfig) error {
	if cfg.Expr != "" {
		_, err := e.program(cfg.Expr)

		return err
	}

	_, err := comparison(cfg)

	return err
}

// Evaluate runs the config against vars.
func (e *Evaluator) Evaluate(cfg models.ConditionConfig, vars map[string]string) (bool, error) {
	if cfg.Expr != "" {
		program, err := e.program(cfg.Expr)
		if err != nil {
			return false, err
		}

		env := make(map[string]any, len(vars))
		for k, v := range vars {
			env[k] = v
		}

		out, err := expr.Run(program, env)
		if err != nil {
			return false, fmt.Errorf("expr evaluation failed for %q: %w", cfg.Expr, err)
		}

		result, ok := out.(bool)
		if !ok {
			return false, fmt.Errorf("expr %q returned %T, expected bool", cfg.Expr, out)
		}

		return result, nil
	}

	cmp, err := comparison(cfg)
	if err != nil {
		return false, err
	}

	return cmp.Evaluate(vars)
}

func comparison(cfg models.ConditionConfig) (Comparison, error) {
	if cfg.Expression != "" {
		return ParseExpression(cfg.Expression)
	}

	if cfg.Variable == "" {
		return Comparison{}, fmt.Errorf("%w: no expression, expr or variable", ErrInvalidSyntax)
	}

	op, err := ParseOperator(cfg.Operator)
	if err != nil {
		return Comparison{}, err
	}

	return Comparison{Variable: cfg.Variable, Operator: op, Value: stringify(cfg.Value)}, nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (e *Evaluator) program(source string) (*vm.Program, error) {
	e.mu.RLock()
	if program, ok := e.cache[source]; ok {
		e.mu.RUnlock()

		return program, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if program, ok := e.cache[source]; ok {
		return program, nil
	}

	program, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSyntax, err.Error())
	}

	e.cache[source] = program

	return program, nil
}
