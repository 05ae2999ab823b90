package condition

import (
	"fmt"

	"github.com/djlord-it/easytrigger/internal/domain"
)

// Validate checks a condition tree at authoring time. path prefixes each
// reported field, e.g. "conditions.all[1].operator".
func Validate(tree *domain.Condition, path string) domain.ValidationErrors {
	var errs domain.ValidationErrors
	if tree == nil {
		return nil
	}
	validateNode(tree, path, 1, &errs)
	return errs
}

func validateNode(node *domain.Condition, path string, depth int, errs *domain.ValidationErrors) {
	if depth > domain.MaxConditionDepth {
		errs.Add(path, "nesting exceeds %d levels", domain.MaxConditionDepth)
		return
	}

	switch node.Kind() {
	case domain.NodeAll:
		validateGroup(node.All, path+".all", depth, errs)
	case domain.NodeAny:
		validateGroup(node.Any, path+".any", depth, errs)
	case domain.NodeLeaf:
		validateLeaf(node, path, errs)
	default:
		errs.Add(path, "must be exactly one of leaf {field, operator, value}, all or any")
	}
}

func validateGroup(children []*domain.Condition, path string, depth int, errs *domain.ValidationErrors) {
	if len(children) == 0 {
		errs.Add(path, "group must not be empty")
		return
	}
	for i, child := range children {
		childPath := fmt.Sprintf("%s[%d]", path, i)
		if child == nil {
			errs.Add(childPath, "must not be null")
			continue
		}
		validateNode(child, childPath, depth+1, errs)
	}
}

func validateLeaf(leaf *domain.Condition, path string, errs *domain.ValidationErrors) {
	if leaf.Field == "" {
		errs.Add(path+".field", "required")
	}
	if !leaf.Operator.Valid() {
		errs.Add(path+".operator", "unknown operator %q", leaf.Operator)
		return
	}

	switch {
	case leaf.Operator.Ordered():
		if _, ok := toFloat(leaf.Value); !ok {
			errs.Add(path+".value", "must be numeric for %s", leaf.Operator)
		}
	case leaf.Operator == domain.OpInSet:
		if _, ok := toList(leaf.Value); !ok {
			errs.Add(path+".value", "must be a list for in_set")
		}
	case leaf.Value == nil:
		errs.Add(path+".value", "required")
	}
}
