// Package rule implements the conditional-rule DSL that gates workflow
// steps: a single condition, or one level of AND/OR grouping over single
// conditions. The JSON form round-trips exactly, so rules persisted as
// JSONB come back structurally identical.
package rule

import (
	"bytes"
	"encoding/json"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// Comparison is a supported field comparison operator.
type Comparison string

const (
	CompareEqual          Comparison = "="
	CompareNotEqual       Comparison = "!="
	CompareGreater        Comparison = ">"
	CompareGreaterOrEqual Comparison = ">="
	CompareLess           Comparison = "<"
	CompareLessOrEqual    Comparison = "<="
	CompareContains       Comparison = "contains"
	CompareStartsWith     Comparison = "starts_with"
	CompareEndsWith       Comparison = "ends_with"
	CompareIn             Comparison = "in"
	CompareIsNull         Comparison = "is_null"
	CompareIsNotNull      Comparison = "is_not_null"
)

var validComparisons = map[Comparison]struct{}{
	CompareEqual: {}, CompareNotEqual: {},
	CompareGreater: {}, CompareGreaterOrEqual: {},
	CompareLess: {}, CompareLessOrEqual: {},
	CompareContains: {}, CompareStartsWith: {}, CompareEndsWith: {},
	CompareIn: {}, CompareIsNull: {}, CompareIsNotNull: {},
}

// Operator joins the conditions of a LogicalCondition.
type Operator string

const (
	OperatorAnd Operator = "AND"
	OperatorOr  Operator = "OR"
)

// SingleCondition compares one dot-path field of the entity snapshot
// against a literal value. Numbers decode as json.Number so values
// round-trip without float formatting drift.
type SingleCondition struct {
	Field      string     `json:"field"`
	Comparison Comparison `json:"comparison"`
	Value      any        `json:"value"`
}

// LogicalCondition joins single conditions with AND or OR. Conditions are
// never themselves logical; nesting is rejected at decode time.
type LogicalCondition struct {
	Operator   Operator          `json:"operator"`
	Conditions []SingleCondition `json:"conditions"`
}

// Rule is either a single condition, a logical condition, or empty
// (always true). Exactly one of the two pointers is set for a non-empty
// rule.
type Rule struct {
	Single  *SingleCondition
	Logical *LogicalCondition
}

// IsEmpty reports whether the rule is the always-true empty rule.
func (r *Rule) IsEmpty() bool {
	return r == nil || (r.Single == nil && r.Logical == nil)
}

// MarshalJSON emits the structural JSON contract: the single or logical
// condition object directly, or null.
func (r Rule) MarshalJSON() ([]byte, error) {
	switch {
	case r.Single != nil:
		return json.Marshal(r.Single)
	case r.Logical != nil:
		return json.Marshal(r.Logical)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a rule payload, rejecting nested logical
// conditions and objects that are neither condition form.
func (r *Rule) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*r = Rule{}
		return nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return errors.InvalidRule("rule must be a JSON object or null")
	}

	if _, ok := probe["operator"]; ok {
		lc, err := decodeLogical(probe)
		if err != nil {
			return err
		}
		*r = Rule{Logical: lc}
		return nil
	}

	if _, ok := probe["field"]; ok {
		sc, err := decodeSingle(trimmed)
		if err != nil {
			return err
		}
		*r = Rule{Single: sc}
		return nil
	}

	return errors.InvalidRule("rule object must contain either \"field\" or \"operator\"")
}

func decodeLogical(probe map[string]json.RawMessage) (*LogicalCondition, error) {
	lc := &LogicalCondition{}

	if err := json.Unmarshal(probe["operator"], &lc.Operator); err != nil {
		return nil, errors.InvalidRule("logical operator must be a string")
	}

	raw, ok := probe["conditions"]
	if !ok {
		return nil, errors.InvalidRule("logical condition is missing \"conditions\"")
	}
	var rawConds []json.RawMessage
	if err := json.Unmarshal(raw, &rawConds); err != nil {
		return nil, errors.InvalidRule("\"conditions\" must be an array")
	}

	for _, rc := range rawConds {
		var condProbe map[string]json.RawMessage
		if err := json.Unmarshal(rc, &condProbe); err != nil {
			return nil, errors.InvalidRule("conditions must be objects")
		}
		if _, nested := condProbe["operator"]; nested {
			return nil, errors.InvalidRule("nested logical conditions are not supported")
		}
		sc, err := decodeSingle(rc)
		if err != nil {
			return nil, err
		}
		lc.Conditions = append(lc.Conditions, *sc)
	}
	return lc, nil
}

func decodeSingle(data []byte) (*SingleCondition, error) {
	sc := &SingleCondition{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(sc); err != nil {
		return nil, errors.InvalidRule("malformed condition object")
	}
	return sc, nil
}

// Validate checks the rule at configuration time, before a workflow
// carrying it can become active.
func (r *Rule) Validate() error {
	if r.IsEmpty() {
		return nil
	}
	if r.Single != nil && r.Logical != nil {
		return errors.InvalidRule("rule cannot be both single and logical")
	}
	if r.Single != nil {
		return r.Single.validate()
	}

	lc := r.Logical
	if lc.Operator != OperatorAnd && lc.Operator != OperatorOr {
		return errors.InvalidRule("logical operator must be AND or OR")
	}
	if len(lc.Conditions) == 0 {
		return errors.InvalidRule("logical condition requires at least one condition")
	}
	for i := range lc.Conditions {
		if err := lc.Conditions[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *SingleCondition) validate() error {
	if c.Field == "" {
		return errors.InvalidRule("condition field must not be empty")
	}
	if _, ok := validComparisons[c.Comparison]; !ok {
		return errors.InvalidRule("unknown comparison: " + string(c.Comparison))
	}
	return nil
}
