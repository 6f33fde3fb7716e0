package filter

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire type tags for leaf filters.
const (
	typeString = "string"
	typeList   = "list"
	typeNumber = "number"
)

// Errors for strict config parsing.
var (
	ErrMalformedConfig = errors.New("malformed filter config")
	ErrUnknownKind     = errors.New("unknown filter kind")
	ErrUnknownOperator = errors.New("unknown filter operator")
)

// ParseConfig decodes a filter config tree from its JSON wire form.
// Malformed or unrecognized input degrades to a nil node ("no filter")
// rather than failing the surrounding request; dashboards routinely send
// configs built by older clients and a bad filter must not error the
// whole query.
func ParseConfig(data []byte) Node {
	node, err := ParseConfigStrict(data)
	if err != nil {
		return nil
	}
	return node
}

// ParseConfigStrict decodes a filter config tree, returning an error for
// malformed or unrecognized input instead of degrading.
func ParseConfigStrict(data []byte) (Node, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return parseNode(raw)
}

// rawNode is the superset of fields a wire node can carry. Groups are
// recognized by the presence of "filters"; leaves by "type".
type rawNode struct {
	Operator string            `json:"operator"`
	Filters  []json.RawMessage `json:"filters"`
	Type     string            `json:"type"`
	Field    Field             `json:"field"`
	Value    json.RawMessage   `json:"value"`
	Values   []string          `json:"values"`
}

func parseNode(data json.RawMessage) (Node, error) {
	var raw rawNode
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}

	if raw.Filters != nil {
		return parseGroup(raw)
	}

	switch raw.Type {
	case typeString:
		return parseStringFilter(raw)
	case typeList:
		return parseListFilter(raw)
	case typeNumber:
		return parseNumberFilter(raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, raw.Type)
	}
}

func parseGroup(raw rawNode) (Node, error) {
	op := GroupOperator(raw.Operator)
	if op != OpAnd && op != OpOr {
		return nil, fmt.Errorf("%w: group operator %q", ErrUnknownOperator, raw.Operator)
	}

	g := &Group{Operator: op, Filters: make([]Node, 0, len(raw.Filters))}
	for _, child := range raw.Filters {
		node, err := parseNode(child)
		if err != nil {
			return nil, err
		}
		g.Filters = append(g.Filters, node)
	}
	return g, nil
}

func parseStringFilter(raw rawNode) (Node, error) {
	op := StringOperator(raw.Operator)
	switch op {
	case OpStringAny, OpStringIs, OpStringIsNot, OpStringContains,
		OpStringNotContains, OpStringStartsWith, OpStringEndsWith:
	default:
		return nil, fmt.Errorf("%w: string operator %q", ErrUnknownOperator, raw.Operator)
	}

	var value string
	if raw.Value != nil {
		if err := json.Unmarshal(raw.Value, &value); err != nil {
			return nil, fmt.Errorf("%w: string value: %v", ErrMalformedConfig, err)
		}
	}
	return &StringFilter{Field: raw.Field, Operator: op, Value: value}, nil
}

func parseListFilter(raw rawNode) (Node, error) {
	op := ListOperator(raw.Operator)
	switch op {
	case OpListAny, OpListOneOf, OpListNoneOf:
	default:
		return nil, fmt.Errorf("%w: list operator %q", ErrUnknownOperator, raw.Operator)
	}
	return &ListFilter{Field: raw.Field, Operator: op, Values: raw.Values}, nil
}

func parseNumberFilter(raw rawNode) (Node, error) {
	op := NumberOperator(raw.Operator)
	switch op {
	case OpNumberAny, OpNumberIs, OpNumberIsNot, OpNumberGt,
		OpNumberGte, OpNumberLt, OpNumberLte:
	default:
		return nil, fmt.Errorf("%w: number operator %q", ErrUnknownOperator, raw.Operator)
	}

	var value float64
	if raw.Value != nil {
		if err := json.Unmarshal(raw.Value, &value); err != nil {
			return nil, fmt.Errorf("%w: number value: %v", ErrMalformedConfig, err)
		}
	}
	return &NumberFilter{Field: raw.Field, Operator: op, Value: value}, nil
}

// MarshalJSON emits the wire form with the "string" type tag.
func (f *StringFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string         `json:"type"`
		Field    Field          `json:"field"`
		Operator StringOperator `json:"operator"`
		Value    string         `json:"value"`
	}{typeString, f.Field, f.Operator, f.Value})
}

// MarshalJSON emits the wire form with the "list" type tag.
func (f *ListFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string       `json:"type"`
		Field    Field        `json:"field"`
		Operator ListOperator `json:"operator"`
		Values   []string     `json:"values"`
	}{typeList, f.Field, f.Operator, f.Values})
}

// MarshalJSON emits the wire form with the "number" type tag.
func (f *NumberFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string         `json:"type"`
		Field    Field          `json:"field"`
		Operator NumberOperator `json:"operator"`
		Value    float64        `json:"value"`
	}{typeNumber, f.Field, f.Operator, f.Value})
}
