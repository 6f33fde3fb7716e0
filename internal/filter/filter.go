// Package filter provides the predicate model that analytics queries are
// built from: typed leaf filters combined into arbitrarily deep AND/OR
// trees, evaluated against the denormalized facts of a stored event.
package filter

import (
	"strings"
)

// Field identifies the event fact a leaf filter is matched against.
type Field string

// String-valued fields.
const (
	FieldPath         Field = "path"
	FieldOrigin       Field = "origin"
	FieldHash         Field = "hash"
	FieldEventName    Field = "event_name"
	FieldReferrer     Field = "referrer"
	FieldReferrerName Field = "referrer_name"
	FieldUTMSource    Field = "utm_source"
	FieldUTMMedium    Field = "utm_medium"
	FieldUTMCampaign  Field = "utm_campaign"
	FieldUTMTerm      Field = "utm_term"
	FieldUTMContent   Field = "utm_content"
)

// List-valued fields (matched against a set of accepted values).
const (
	FieldCountry      Field = "country"
	FieldReferrerType Field = "referrer_type"
	FieldBrowser      Field = "browser"
	FieldDevice       Field = "device"
	FieldOS           Field = "os"
)

// Numeric fields.
const (
	FieldDuration    Field = "duration"
	FieldScreenWidth Field = "screen_width"
)

// StringOperator is the operator family for string filters.
type StringOperator string

// String operators. OpStringAny always matches; it is the "no-op slot" a
// form uses to represent "not filtering on this field".
const (
	OpStringAny         StringOperator = "any"
	OpStringIs          StringOperator = "is"
	OpStringIsNot       StringOperator = "isNot"
	OpStringContains    StringOperator = "contains"
	OpStringNotContains StringOperator = "notContains"
	OpStringStartsWith  StringOperator = "startsWith"
	OpStringEndsWith    StringOperator = "endsWith"
)

// ListOperator is the operator family for list filters.
type ListOperator string

// List operators.
const (
	OpListAny    ListOperator = "any"
	OpListOneOf  ListOperator = "oneOf"
	OpListNoneOf ListOperator = "noneOf"
)

// NumberOperator is the operator family for numeric filters.
type NumberOperator string

// Numeric operators.
const (
	OpNumberAny   NumberOperator = "any"
	OpNumberIs    NumberOperator = "is"
	OpNumberIsNot NumberOperator = "isNot"
	OpNumberGt    NumberOperator = "gt"
	OpNumberGte   NumberOperator = "gte"
	OpNumberLt    NumberOperator = "lt"
	OpNumberLte   NumberOperator = "lte"
)

// GroupOperator combines the children of a Group.
type GroupOperator string

// Group operators.
const (
	OpAnd GroupOperator = "and"
	OpOr  GroupOperator = "or"
)

// Node is a node in a filter tree: either a leaf filter or a Group.
// The set of implementations is closed; evaluation switches exhaustively
// over them so a new filter kind fails loudly at the switch, not silently.
type Node interface {
	isNode()
}

// StringFilter matches a string fact (path, origin, event name, UTM fields).
type StringFilter struct {
	Field    Field          `json:"field"`
	Operator StringOperator `json:"operator"`
	Value    string         `json:"value"`
}

// ListFilter matches a string fact against a set of accepted values
// (country, browser, device, OS, referrer type).
type ListFilter struct {
	Field    Field        `json:"field"`
	Operator ListOperator `json:"operator"`
	Values   []string     `json:"values"`
}

// NumberFilter matches a numeric fact.
type NumberFilter struct {
	Field    Field          `json:"field"`
	Operator NumberOperator `json:"operator"`
	Value    float64        `json:"value"`
}

// Group combines child nodes under and/or. Children may themselves be
// groups; depth is unbounded.
type Group struct {
	Operator GroupOperator `json:"operator"`
	Filters  []Node        `json:"filters"`
}

func (*StringFilter) isNode() {}
func (*ListFilter) isNode()   {}
func (*NumberFilter) isNode() {}
func (*Group) isNode()        {}

// Facts holds the denormalized facts of one subject (typically one event)
// that leaf filters are matched against. Absent string facts evaluate as
// the empty string; absent numeric facts as zero with Present reporting
// false, so "contains" on a missing field is false rather than an error.
type Facts struct {
	Strings map[Field]string
	Numbers map[Field]float64
}

// StringFact returns the string fact for a field, empty when absent.
func (f Facts) StringFact(field Field) string {
	if f.Strings == nil {
		return ""
	}
	return f.Strings[field]
}

// NumberFact returns the numeric fact for a field and whether it is present.
func (f Facts) NumberFact(field Field) (float64, bool) {
	if f.Numbers == nil {
		return 0, false
	}
	v, ok := f.Numbers[field]
	return v, ok
}

// evalFrame tracks a partially evaluated group during iterative evaluation.
type evalFrame struct {
	group *Group
	next  int
	acc   bool
}

// Evaluate applies a filter tree to a subject's facts. A nil node means
// "no filter" and matches everything. Evaluation is iterative with an
// explicit stack so trees of unbounded depth built by automated tooling
// cannot overflow the goroutine stack. String comparison is
// case-insensitive; configs come from UI forms where casing is not
// meaningful.
func Evaluate(node Node, facts Facts) bool {
	if node == nil {
		return true
	}
	if g, ok := node.(*Group); ok {
		return evaluateGroup(g, facts)
	}
	return evaluateLeaf(node, facts)
}

func evaluateGroup(root *Group, facts Facts) bool {
	stack := []*evalFrame{newFrame(root)}

	for len(stack) > 0 {
		f := stack[len(stack)-1]

		// Short-circuit: and with a false child, or with a true child.
		if done(f) || f.next >= len(f.group.Filters) {
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return f.acc
			}
			combine(stack[len(stack)-1], f.acc)
			continue
		}

		child := f.group.Filters[f.next]
		f.next++

		if g, ok := child.(*Group); ok {
			stack = append(stack, newFrame(g))
			continue
		}
		combine(f, evaluateLeaf(child, facts))
	}
	return false
}

// newFrame seeds the accumulator with the operator's identity value:
// and over no children is vacuously true, or is vacuously false.
func newFrame(g *Group) *evalFrame {
	return &evalFrame{group: g, acc: g.Operator != OpOr}
}

func combine(f *evalFrame, child bool) {
	if f.group.Operator == OpOr {
		f.acc = f.acc || child
	} else {
		f.acc = f.acc && child
	}
}

func done(f *evalFrame) bool {
	if f.group.Operator == OpOr {
		return f.acc
	}
	return !f.acc
}

func evaluateLeaf(node Node, facts Facts) bool {
	switch n := node.(type) {
	case *StringFilter:
		return evaluateString(n, facts.StringFact(n.Field))
	case *ListFilter:
		return evaluateList(n, facts.StringFact(n.Field))
	case *NumberFilter:
		v, present := facts.NumberFact(n.Field)
		return evaluateNumber(n, v, present)
	case *Group:
		return evaluateGroup(n, facts)
	default:
		// Unknown node kinds never match; ParseConfig cannot produce one.
		return false
	}
}

func evaluateString(f *StringFilter, fact string) bool {
	fact = strings.ToLower(fact)
	want := strings.ToLower(f.Value)

	switch f.Operator {
	case OpStringAny:
		return true
	case OpStringIs:
		return fact == want
	case OpStringIsNot:
		return fact != want
	case OpStringContains:
		return want != "" && strings.Contains(fact, want)
	case OpStringNotContains:
		return want == "" || !strings.Contains(fact, want)
	case OpStringStartsWith:
		return want != "" && strings.HasPrefix(fact, want)
	case OpStringEndsWith:
		return want != "" && strings.HasSuffix(fact, want)
	default:
		return false
	}
}

func evaluateList(f *ListFilter, fact string) bool {
	switch f.Operator {
	case OpListAny:
		return true
	case OpListOneOf:
		return containsFold(f.Values, fact)
	case OpListNoneOf:
		return !containsFold(f.Values, fact)
	default:
		return false
	}
}

func containsFold(values []string, fact string) bool {
	for _, v := range values {
		if strings.EqualFold(v, fact) {
			return true
		}
	}
	return false
}

func evaluateNumber(f *NumberFilter, v float64, present bool) bool {
	if f.Operator == OpNumberAny {
		return true
	}
	if !present {
		// A comparison against a missing fact is false, except isNot,
		// which is trivially satisfied by absence.
		return f.Operator == OpNumberIsNot
	}

	switch f.Operator {
	case OpNumberIs:
		return v == f.Value
	case OpNumberIsNot:
		return v != f.Value
	case OpNumberGt:
		return v > f.Value
	case OpNumberGte:
		return v >= f.Value
	case OpNumberLt:
		return v < f.Value
	case OpNumberLte:
		return v <= f.Value
	default:
		return false
	}
}

// IsActive reports whether a leaf filter narrows results at all, i.e. its
// operator is not the "any" no-op. Groups are active when any descendant
// leaf is active.
func IsActive(node Node) bool {
	switch n := node.(type) {
	case *StringFilter:
		return n.Operator != OpStringAny
	case *ListFilter:
		return n.Operator != OpListAny
	case *NumberFilter:
		return n.Operator != OpNumberAny
	case *Group:
		for _, child := range n.Filters {
			if IsActive(child) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// HasMultipleActive reports whether at least two of the given
// sub-predicates are active (non-any). Composite filters use this to
// decide whether they display and evaluate as a conjunction of several
// fields rather than a single one.
func HasMultipleActive(filters []Node) bool {
	active := 0
	for _, f := range filters {
		if IsActive(f) {
			active++
			if active >= 2 {
				return true
			}
		}
	}
	return false
}
