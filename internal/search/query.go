package search

import (
	"encoding/json"
	"fmt"
)

// Filter is one node of a boolean filter tree. Build filters with the
// constructors below; the zero value is invalid.
type Filter struct {
	kind     string
	field    string
	value    any
	values   []any
	gte, lte any
	script   *Script
	children []Filter
}

// Term matches documents whose field equals value.
func Term(field string, value any) Filter {
	return Filter{kind: "term", field: field, value: value}
}

// Terms matches documents whose field equals any of values.
func Terms[T any](field string, values ...T) Filter {
	vs := make([]any, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return Filter{kind: "terms", field: field, values: vs}
}

// RangeGte matches field >= v.
func RangeGte(field string, v any) Filter { return Filter{kind: "range", field: field, gte: v} }

// RangeLte matches field <= v.
func RangeLte(field string, v any) Filter { return Filter{kind: "range", field: field, lte: v} }

// Missing matches documents without a value for field.
func Missing(field string) Filter { return Filter{kind: "missing", field: field} }

// ScriptFilter matches documents for which the script evaluates to true.
func ScriptFilter(s Script) Filter { return Filter{kind: "script", script: &s} }

// Or matches when any child matches.
func Or(children ...Filter) Filter { return Filter{kind: "or", children: children} }

// And matches when every child matches.
func And(children ...Filter) Filter { return Filter{kind: "and", children: children} }

// Field returns the field a leaf filter applies to.
func (f Filter) Field() string { return f.field }

func (f Filter) MarshalJSON() ([]byte, error) {
	var out any
	switch f.kind {
	case "term":
		out = map[string]any{"term": map[string]any{f.field: f.value}}
	case "terms":
		out = map[string]any{"terms": map[string]any{f.field: f.values}}
	case "range":
		bounds := map[string]any{}
		if f.gte != nil {
			bounds["gte"] = f.gte
		}
		if f.lte != nil {
			bounds["lte"] = f.lte
		}
		out = map[string]any{"range": map[string]any{f.field: bounds}}
	case "missing":
		out = map[string]any{"bool": map[string]any{
			"must_not": map[string]any{"exists": map[string]any{"field": f.field}},
		}}
	case "script":
		out = map[string]any{"script": map[string]any{"script": f.script}}
	case "or":
		out = map[string]any{"bool": map[string]any{"should": f.children, "minimum_should_match": 1}}
	case "and":
		out = map[string]any{"bool": map[string]any{"filter": f.children}}
	default:
		return nil, fmt.Errorf("search: invalid filter kind %q", f.kind)
	}
	return json.Marshal(out)
}

// Script is an inline backend script.
type Script struct {
	Source string `json:"source"`
	Lang   string `json:"lang,omitempty"`
}

// Bool is the filter section of a query. All clauses run in filter context.
type Bool struct {
	Must    []Filter
	MustNot []Filter
}

func (b Bool) MarshalJSON() ([]byte, error) {
	inner := map[string]any{}
	if len(b.Must) > 0 {
		inner["filter"] = b.Must
	}
	if len(b.MustNot) > 0 {
		inner["must_not"] = b.MustNot
	}
	return json.Marshal(map[string]any{"bool": inner})
}

// Decay describes a decay score function over a numeric or date field.
type Decay struct {
	Field  string
	Origin string // empty means now for date fields
	Scale  string
	Offset string
	Decay  float64
}

// Function is one scoring function of a function_score query. Exactly one of
// Script, FieldValueFactor, Gauss or RandomSeed should be set; a Function
// with only Weight applies a constant weight.
type Function struct {
	Filter           *Filter
	Weight           float64
	Script           *Script
	FieldValueFactor string
	Gauss            *Decay
	RandomSeed       *int64
}

func (fn Function) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if fn.Filter != nil {
		out["filter"] = fn.Filter
	}
	if fn.Weight != 0 {
		out["weight"] = fn.Weight
	}
	switch {
	case fn.Script != nil:
		out["script_score"] = map[string]any{"script": fn.Script}
	case fn.FieldValueFactor != "":
		out["field_value_factor"] = map[string]any{"field": fn.FieldValueFactor, "missing": 0}
	case fn.Gauss != nil:
		params := map[string]any{"scale": fn.Gauss.Scale, "decay": fn.Gauss.Decay}
		if fn.Gauss.Origin != "" {
			params["origin"] = fn.Gauss.Origin
		}
		if fn.Gauss.Offset != "" {
			params["offset"] = fn.Gauss.Offset
		}
		out["gauss"] = map[string]any{fn.Gauss.Field: params}
	case fn.RandomSeed != nil:
		out["random_score"] = map[string]any{"seed": *fn.RandomSeed, "field": "_seq_no"}
	}
	return json.Marshal(out)
}

// Request is a filter and score query against one index.
type Request struct {
	Index     string
	Query     Bool
	Functions []Function
	BoostMode string
	ScoreMode string
	MaxBoost  float64
	Size      int
	Explain   bool
}

// HasMust reports whether a must clause targets field.
func (r Request) HasMust(field string) bool {
	for _, f := range r.Query.Must {
		if f.field == field {
			return true
		}
	}
	return false
}

// HasMustNot reports whether a must-not clause targets field.
func (r Request) HasMustNot(field string) bool {
	for _, f := range r.Query.MustNot {
		if f.field == field {
			return true
		}
	}
	return false
}

// Body renders the request as a _search body.
func (r Request) Body() ([]byte, error) {
	var query any = r.Query
	if len(r.Functions) > 0 {
		fs := map[string]any{"query": r.Query, "functions": r.Functions}
		if r.BoostMode != "" {
			fs["boost_mode"] = r.BoostMode
		}
		if r.ScoreMode != "" {
			fs["score_mode"] = r.ScoreMode
		}
		if r.MaxBoost > 0 {
			fs["max_boost"] = r.MaxBoost
		}
		query = map[string]any{"function_score": fs}
	}
	body := map[string]any{"query": query, "size": r.Size}
	if r.Explain {
		body["explain"] = true
	}
	return json.Marshal(body)
}
