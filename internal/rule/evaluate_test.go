package rule

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entity(raw string) map[string]any {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		panic(err)
	}
	return m
}

func single(field string, cmp Comparison, value any) *Rule {
	return &Rule{Single: &SingleCondition{Field: field, Comparison: cmp, Value: value}}
}

func TestEvaluateEmptyRule(t *testing.T) {
	assert.True(t, Evaluate(nil, map[string]any{}))
	assert.True(t, Evaluate(&Rule{}, map[string]any{}))
}

func TestEvaluateComparisons(t *testing.T) {
	e := entity(`{
		"amount": 1500000,
		"currency": "IDR",
		"description": "office chairs for HQ",
		"priority": "high",
		"discount": null,
		"vendor": {"country": "SG", "rating": 4.5}
	}`)

	tests := []struct {
		name string
		rule *Rule
		want bool
	}{
		{"equal number", single("amount", CompareEqual, json.Number("1500000")), true},
		{"equal string", single("currency", CompareEqual, "IDR"), true},
		{"equal mismatch", single("currency", CompareEqual, "USD"), false},
		{"not equal", single("currency", CompareNotEqual, "USD"), true},
		{"greater", single("amount", CompareGreater, 1000000), true},
		{"greater boundary", single("amount", CompareGreater, 1500000), false},
		{"greater or equal boundary", single("amount", CompareGreaterOrEqual, 1500000), true},
		{"less", single("amount", CompareLess, 2000000), true},
		{"less or equal", single("amount", CompareLessOrEqual, 1500000), true},
		{"ordering on non-numeric fails", single("currency", CompareGreater, 10), false},
		{"contains", single("description", CompareContains, "chairs"), true},
		{"contains miss", single("description", CompareContains, "desks"), false},
		{"starts_with", single("description", CompareStartsWith, "office"), true},
		{"ends_with", single("description", CompareEndsWith, "HQ"), true},
		{"in hit", single("priority", CompareIn, []any{"high", "critical"}), true},
		{"in miss", single("priority", CompareIn, []any{"low", "medium"}), false},
		{"in with non-list value", single("priority", CompareIn, "high"), false},
		{"is_null on null field", single("discount", CompareIsNull, nil), true},
		{"is_null on present field", single("amount", CompareIsNull, nil), false},
		{"is_not_null on present field", single("amount", CompareIsNotNull, nil), true},
		{"is_not_null on missing field", single("nonexistent", CompareIsNotNull, nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.rule, e))
		})
	}
}

func TestEvaluateDotPath(t *testing.T) {
	e := entity(`{"vendor": {"address": {"country": "SG"}}, "amount": 100}`)

	assert.True(t, Evaluate(single("vendor.address.country", CompareEqual, "SG"), e))
	assert.False(t, Evaluate(single("vendor.address.city", CompareEqual, "Singapore"), e))
	// Traversing through a scalar yields nil, not a panic.
	assert.False(t, Evaluate(single("amount.sub.field", CompareEqual, 1), e))
	assert.True(t, Evaluate(single("vendor.missing", CompareIsNull, nil), e))
}

func TestEvaluateNullFieldFailsComparisons(t *testing.T) {
	e := entity(`{"discount": null}`)

	for _, cmp := range []Comparison{
		CompareEqual, CompareNotEqual, CompareGreater, CompareLess,
		CompareContains, CompareIn,
	} {
		assert.False(t, Evaluate(single("discount", cmp, "anything"), e), "comparison %s", cmp)
	}
}

func TestEvaluateLogical(t *testing.T) {
	e := entity(`{"amount": 2000000, "currency": "IDR"}`)

	and := &Rule{Logical: &LogicalCondition{
		Operator: OperatorAnd,
		Conditions: []SingleCondition{
			{Field: "amount", Comparison: CompareGreater, Value: 1000000},
			{Field: "currency", Comparison: CompareEqual, Value: "IDR"},
		},
	}}
	assert.True(t, Evaluate(and, e))

	and.Logical.Conditions[1].Value = "USD"
	assert.False(t, Evaluate(and, e))

	or := &Rule{Logical: &LogicalCondition{
		Operator: OperatorOr,
		Conditions: []SingleCondition{
			{Field: "amount", Comparison: CompareLess, Value: 100},
			{Field: "currency", Comparison: CompareEqual, Value: "IDR"},
		},
	}}
	assert.True(t, Evaluate(or, e))

	or.Logical.Conditions[1].Value = "USD"
	assert.False(t, Evaluate(or, e))
}

func TestEvaluateJSONNumberPrecision(t *testing.T) {
	e := entity(`{"amount": 1000000}`)

	var r Rule
	require.NoError(t, json.Unmarshal([]byte(`{"field":"amount","comparison":"=","value":1000000}`), &r))
	assert.True(t, Evaluate(&r, e))

	require.NoError(t, json.Unmarshal([]byte(`{"field":"amount","comparison":">","value":999999.99}`), &r))
	assert.True(t, Evaluate(&r, e))
}
