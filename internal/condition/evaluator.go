// Package condition evaluates trigger condition trees against a contact's
// state and an event payload.
//
// Evaluation is pure: inputs are never mutated and the same inputs always
// produce the same result. Field names resolve against the event payload
// first and the contact state second, so the proximate cause wins on
// collision. Dotted names ("address.city") descend into nested maps.
package condition

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/djlord-it/easytrigger/internal/domain"
)

// Payload keys describing a before/after transition.
const (
	PayloadField    = "field"
	PayloadPrevious = "previous"
	PayloadNew      = "new"
)

// EvaluationError reports a condition that could not be evaluated, such as
// an ordering comparison against a non-numeric value.
type EvaluationError struct {
	Field    string
	Operator domain.Operator
	Reason   string
}

func (e *EvaluationError) Error() string {
	if e.Field == "" {
		return "evaluate condition: " + e.Reason
	}
	return fmt.Sprintf("evaluate %s %s: %s", e.Field, e.Operator, e.Reason)
}

// Evaluate reports whether tree matches. A nil tree always matches.
// changed_to leaves compare the payload's previous/new snapshots whenever
// the payload carries them.
func Evaluate(tree *domain.Condition, state, payload map[string]any) (bool, error) {
	e := env{state: state, payload: payload, transitions: true}
	return e.eval(tree, 1)
}

// EvaluateEvent is Evaluate for a specific event kind: changed_to is false
// for kinds without before/after semantics regardless of the payload.
func EvaluateEvent(kind domain.EventKind, tree *domain.Condition, state, payload map[string]any) (bool, error) {
	e := env{state: state, payload: payload, transitions: kind.HasTransition()}
	return e.eval(tree, 1)
}

type env struct {
	state       map[string]any
	payload     map[string]any
	transitions bool
}

func (e env) eval(node *domain.Condition, depth int) (bool, error) {
	if node == nil {
		return true, nil
	}
	if depth > domain.MaxConditionDepth {
		return false, &EvaluationError{Reason: fmt.Sprintf("nesting exceeds %d levels", domain.MaxConditionDepth)}
	}

	switch node.Kind() {
	case domain.NodeAll:
		for _, child := range node.All {
			ok, err := e.eval(child, depth+1)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case domain.NodeAny:
		for _, child := range node.Any {
			ok, err := e.eval(child, depth+1)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case domain.NodeLeaf:
		return e.leaf(node)
	default:
		return false, &EvaluationError{Reason: "node must be exactly one of leaf, all, any"}
	}
}

func (e env) leaf(c *domain.Condition) (bool, error) {
	if c.Operator == domain.OpChangedTo {
		return e.changedTo(c), nil
	}

	actual, present := e.resolve(c.Field)

	switch c.Operator {
	case domain.OpEquals:
		return present && equalValues(actual, c.Value), nil

	case domain.OpNotEquals:
		return !present || !equalValues(actual, c.Value), nil

	case domain.OpGreaterThan, domain.OpLessThan, domain.OpGreaterOrEqual, domain.OpLessOrEqual:
		if !present {
			return false, nil
		}
		a, ok := toFloat(actual)
		if !ok {
			return false, mismatch(c, "field value %T is not numeric", actual)
		}
		b, ok := toFloat(c.Value)
		if !ok {
			return false, mismatch(c, "condition value %T is not numeric", c.Value)
		}
		return compare(c.Operator, a, b), nil

	case domain.OpContains:
		if !present {
			return false, nil
		}
		switch v := actual.(type) {
		case string:
			needle, ok := c.Value.(string)
			if !ok {
				return false, mismatch(c, "cannot search string for %T", c.Value)
			}
			return strings.Contains(v, needle), nil
		default:
			items, ok := toList(actual)
			if !ok {
				return false, mismatch(c, "field value %T is neither string nor list", actual)
			}
			for _, item := range items {
				if equalValues(item, c.Value) {
					return true, nil
				}
			}
			return false, nil
		}

	case domain.OpInSet:
		set, ok := toList(c.Value)
		if !ok {
			return false, mismatch(c, "condition value %T is not a list", c.Value)
		}
		if !present {
			return false, nil
		}
		for _, item := range set {
			if equalValues(actual, item) {
				return true, nil
			}
		}
		return false, nil
	}

	return false, mismatch(c, "unknown operator")
}

// changedTo is true when the transition's new value equals the condition
// value and the previous value did not.
func (e env) changedTo(c *domain.Condition) bool {
	if !e.transitions {
		return false
	}
	prev, prevOK, next, nextOK := e.transition(c.Field)
	if !nextOK || !equalValues(next, c.Value) {
		return false
	}
	return !prevOK || !equalValues(prev, c.Value)
}

// transition finds before/after snapshots for field. Two payload shapes are
// understood: {field, previous, new} for a single field, and
// {previous: {...}, new: {...}} holding per-field snapshots.
func (e env) transition(field string) (prev any, prevOK bool, next any, nextOK bool) {
	if name, ok := e.payload[PayloadField].(string); ok {
		if name != field {
			return nil, false, nil, false
		}
		prev, prevOK = e.payload[PayloadPrevious]
		next, nextOK = e.payload[PayloadNew]
		return prev, prevOK && prev != nil, next, nextOK && next != nil
	}
	prevMap, ok1 := e.payload[PayloadPrevious].(map[string]any)
	nextMap, ok2 := e.payload[PayloadNew].(map[string]any)
	if !ok1 || !ok2 {
		return nil, false, nil, false
	}
	prev, prevOK = lookup(prevMap, field)
	next, nextOK = lookup(nextMap, field)
	return prev, prevOK, next, nextOK
}

// resolve looks field up in the payload, then in the contact state. A
// transition payload naming field exposes its new value under that name.
func (e env) resolve(field string) (any, bool) {
	if v, ok := lookup(e.payload, field); ok {
		return v, true
	}
	if name, ok := e.payload[PayloadField].(string); ok && name == field {
		if v, ok := e.payload[PayloadNew]; ok && v != nil {
			return v, true
		}
	}
	return lookup(e.state, field)
}

// lookup resolves a possibly dotted path. An exact key match takes
// precedence over path traversal. Explicit nulls count as absent.
func lookup(m map[string]any, path string) (any, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	if v, ok := m[path]; ok {
		return v, v != nil
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	child, ok := m[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return lookup(child, rest)
}

func mismatch(c *domain.Condition, format string, args ...any) error {
	return &EvaluationError{Field: c.Field, Operator: c.Operator, Reason: fmt.Sprintf(format, args...)}
}

func compare(op domain.Operator, a, b float64) bool {
	switch op {
	case domain.OpGreaterThan:
		return a > b
	case domain.OpLessThan:
		return a < b
	case domain.OpGreaterOrEqual:
		return a >= b
	case domain.OpLessOrEqual:
		return a <= b
	}
	return false
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return reflect.DeepEqual(a, b)
}

// toFloat converts any Go numeric type (and json.Number) to float64.
// Numeric strings are deliberately not coerced.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
