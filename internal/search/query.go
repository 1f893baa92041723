// Package search provides the local search index client used as the
// first resolution tier, plus a small boolean query builder.
package search

// Query is a node in the search DSL tree.
type Query interface {
	// Map renders the node as the JSON object the index expects.
	Map() map[string]any
}

// Phrase matches the exact phrase in a field.
type Phrase struct {
	Field string
	Value string
	Boost float64
}

func (p Phrase) Map() map[string]any {
	inner := map[string]any{"query": p.Value}
	if p.Boost != 0 {
		inner["boost"] = p.Boost
	}
	return map[string]any{"match_phrase": map[string]any{p.Field: inner}}
}

// Match matches analyzed terms in a field. Operator "and" requires
// every term to be present.
type Match struct {
	Field    string
	Value    string
	Operator string
	Boost    float64
}

func (m Match) Map() map[string]any {
	inner := map[string]any{"query": m.Value}
	if m.Operator != "" {
		inner["operator"] = m.Operator
	}
	if m.Boost != 0 {
		inner["boost"] = m.Boost
	}
	return map[string]any{"match": map[string]any{m.Field: inner}}
}

// Term matches a keyword field exactly, without analysis.
type Term struct {
	Field string
	Value string
	Boost float64
}

func (t Term) Map() map[string]any {
	if t.Boost != 0 {
		return map[string]any{"term": map[string]any{
			t.Field: map[string]any{"value": t.Value, "boost": t.Boost},
		}}
	}
	return map[string]any{"term": map[string]any{t.Field: t.Value}}
}

// Bool combines clauses. Should clauses contribute to the score;
// MinimumShouldMatch sets how many must hit when there are no Must
// clauses.
type Bool struct {
	Must               []Query
	Should             []Query
	Filter             []Query
	MinimumShouldMatch int
}

func (b Bool) Map() map[string]any {
	inner := map[string]any{}
	if len(b.Must) > 0 {
		inner["must"] = clauseList(b.Must)
	}
	if len(b.Should) > 0 {
		inner["should"] = clauseList(b.Should)
	}
	if len(b.Filter) > 0 {
		inner["filter"] = clauseList(b.Filter)
	}
	if b.MinimumShouldMatch > 0 {
		inner["minimum_should_match"] = b.MinimumShouldMatch
	}
	return map[string]any{"bool": inner}
}

func clauseList(qs []Query) []map[string]any {
	out := make([]map[string]any, len(qs))
	for i, q := range qs {
		out[i] = q.Map()
	}
	return out
}
