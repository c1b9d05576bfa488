package rule

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Evaluate applies r to an entity field snapshot. An empty rule always
// applies. The evaluator is pure: it never mutates the snapshot and holds
// no state, so it is safe to call repeatedly and concurrently.
func Evaluate(r *Rule, entity map[string]any) bool {
	if r.IsEmpty() {
		return true
	}
	if r.Single != nil {
		return evalCondition(r.Single, entity)
	}

	lc := r.Logical
	switch lc.Operator {
	case OperatorAnd:
		for i := range lc.Conditions {
			if !evalCondition(&lc.Conditions[i], entity) {
				return false
			}
		}
		return true
	case OperatorOr:
		for i := range lc.Conditions {
			if evalCondition(&lc.Conditions[i], entity) {
				return true
			}
		}
		return false
	}
	return false
}

func evalCondition(c *SingleCondition, entity map[string]any) bool {
	fv := resolvePath(entity, c.Field)

	switch c.Comparison {
	case CompareIsNull:
		return fv == nil
	case CompareIsNotNull:
		return fv != nil
	}

	// A null field value fails every other comparison.
	if fv == nil {
		return false
	}

	switch c.Comparison {
	case CompareEqual:
		return looseEqual(fv, c.Value)
	case CompareNotEqual:
		return !looseEqual(fv, c.Value)
	case CompareGreater, CompareGreaterOrEqual, CompareLess, CompareLessOrEqual:
		a, aok := toFloat(fv)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Comparison {
		case CompareGreater:
			return a > b
		case CompareGreaterOrEqual:
			return a >= b
		case CompareLess:
			return a < b
		default:
			return a <= b
		}
	case CompareContains:
		return strings.Contains(stringify(fv), stringify(c.Value))
	case CompareStartsWith:
		return strings.HasPrefix(stringify(fv), stringify(c.Value))
	case CompareEndsWith:
		return strings.HasSuffix(stringify(fv), stringify(c.Value))
	case CompareIn:
		seq, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range seq {
			if looseEqual(fv, item) {
				return true
			}
		}
		return false
	}
	return false
}

// resolvePath walks a dot-separated path through nested maps. Unresolvable
// segments yield nil, never an error.
func resolvePath(entity map[string]any, path string) any {
	var current any = entity
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[segment]
	}
	return current
}

// looseEqual compares numerically when both sides coerce to float, and by
// string representation otherwise.
func looseEqual(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	return stringify(a) == stringify(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
