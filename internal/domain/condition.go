package domain

// Operator is the closed set of leaf comparison operators.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
	OpContains       Operator = "contains"
	OpInSet          Operator = "in_set"
	OpChangedTo      Operator = "changed_to"
)

var operators = map[Operator]struct{}{
	OpEquals:         {},
	OpNotEquals:      {},
	OpGreaterThan:    {},
	OpLessThan:       {},
	OpGreaterOrEqual: {},
	OpLessOrEqual:    {},
	OpContains:       {},
	OpInSet:          {},
	OpChangedTo:      {},
}

func (o Operator) Valid() bool {
	_, ok := operators[o]
	return ok
}

// Ordered reports whether the operator compares numerically.
func (o Operator) Ordered() bool {
	switch o {
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		return true
	}
	return false
}

// MaxConditionDepth bounds nesting of condition groups. Trees deeper than
// this are rejected at authoring time and refused by the evaluator.
const MaxConditionDepth = 32

// NodeKind identifies which variant a Condition node holds.
type NodeKind int

const (
	NodeInvalid NodeKind = iota
	NodeLeaf
	NodeAll
	NodeAny
)

// Condition is one node of a condition tree. Exactly one of the leaf
// fields (Field/Operator/Value), All or Any is set.
type Condition struct {
	Field    string   `json:"field,omitempty" yaml:"field,omitempty"`
	Operator Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`

	All []*Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any []*Condition `json:"any,omitempty" yaml:"any,omitempty"`
}

// Kind classifies the node. Nodes mixing variants are NodeInvalid.
func (c *Condition) Kind() NodeKind {
	if c == nil {
		return NodeInvalid
	}
	isLeaf := c.Field != "" || c.Operator != ""
	set := 0
	var kind NodeKind
	if isLeaf {
		set++
		kind = NodeLeaf
	}
	if c.All != nil {
		set++
		kind = NodeAll
	}
	if c.Any != nil {
		set++
		kind = NodeAny
	}
	if set != 1 {
		return NodeInvalid
	}
	return kind
}

// Leaf builds a leaf node.
func Leaf(field string, op Operator, value any) *Condition {
	return &Condition{Field: field, Operator: op, Value: value}
}

// All builds an AND group.
func All(nodes ...*Condition) *Condition {
	if nodes == nil {
		nodes = []*Condition{}
	}
	return &Condition{All: nodes}
}

// Any builds an OR group.
func Any(nodes ...*Condition) *Condition {
	if nodes == nil {
		nodes = []*Condition{}
	}
	return &Condition{Any: nodes}
}
