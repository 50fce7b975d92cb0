package explain

import (
	"fmt"
	"strings"

	"github.com/retracehq/retrace/trace"
)

// Detector is one rule in the free tier of the explanation chain. TryMatch
// inspects a completed step's payload shape, never its name, and returns an
// explanation when the shape is recognized.
type Detector interface {
	Name() string
	TryMatch(step *trace.Step) (string, bool)
}

// DefaultDetectors returns the built-in detector set in priority order.
// Order matters: earlier detectors claim more specific shapes.
func DefaultDetectors() []Detector {
	return []Detector{
		PassFailDetector{},
		RetrievalDetector{},
		ShrinkageDetector{},
		EvaluationsDetector{},
		SelectionDetector{},
		SizeChangeDetector{},
	}
}

// PassFailDetector recognizes outputs carrying explicit pass/fail counters,
// optionally naming the filter criteria found in the input.
type PassFailDetector struct{}

func (PassFailDetector) Name() string { return "pass_fail_counters" }

func (PassFailDetector) TryMatch(step *trace.Step) (string, bool) {
	out := step.Output
	passed, hasPassed := numberField(out, "passed")
	failed, hasFailed := numberField(out, "failed")
	total, hasTotal := numberField(out, "total_evaluated")

	switch {
	case hasPassed && hasFailed:
		if !hasTotal {
			total = passed + failed
		}
	case hasTotal && hasPassed:
		failed = total - passed
	case hasTotal && hasFailed:
		passed = total - failed
	default:
		return "", false
	}

	text := fmt.Sprintf("Evaluated %d items: %d passed, %d failed", total, passed, failed)
	if criteria := filterCriteria(step.Input); len(criteria) > 0 {
		text += fmt.Sprintf(" (criteria: %s)", strings.Join(criteria, ", "))
	}
	return text, true
}

// criteriaVocabulary is the substring vocabulary for recognizing filter
// criteria in input keys. "minRating" and "rating_threshold" both count as
// rating.
var criteriaVocabulary = []string{"rating", "price", "review", "age", "year", "score"}

// filterCriteria scans input keys, one nested level deep, for the criteria
// vocabulary. Results come back deduplicated in vocabulary order.
func filterCriteria(input map[string]interface{}) []string {
	found := make(map[string]bool)
	scan := func(m map[string]interface{}) {
		for key := range m {
			lower := strings.ToLower(key)
			for _, criterion := range criteriaVocabulary {
				if strings.Contains(lower, criterion) {
					found[criterion] = true
				}
			}
		}
	}
	scan(input)
	for _, v := range input {
		if nested, ok := v.(map[string]interface{}); ok {
			scan(nested)
		}
	}

	result := make([]string, 0, len(found))
	for _, criterion := range criteriaVocabulary {
		if found[criterion] {
			result = append(result, criterion)
		}
	}
	return result
}

// RetrievalDetector recognizes search-style outputs reporting how many
// results existed versus how many were carried forward.
type RetrievalDetector struct{}

func (RetrievalDetector) Name() string { return "retrieval_counters" }

func (RetrievalDetector) TryMatch(step *trace.Step) (string, bool) {
	total, ok := numberField(step.Output, "total_results", "total_found")
	if !ok {
		return "", false
	}
	returned, ok := numberField(step.Output, "candidates_fetched", "returned")
	if !ok {
		return "", false
	}
	return fmt.Sprintf("Found %d results for %q, returned %d", total, searchQuery(step.Input), returned), true
}

// searchQuery pulls the human query out of a search step's input: an
// explicit keyword or query string, else joined themes or keywords, else
// the literal "query".
func searchQuery(input map[string]interface{}) string {
	if q, ok := stringField(input, "keyword", "query"); ok && q != "" {
		return q
	}
	for _, key := range []string{"themes", "keywords"} {
		if parts := stringSlice(input[key]); len(parts) > 0 {
			return strings.Join(parts, ", ")
		}
	}
	return "query"
}

// ShrinkageDetector recognizes filter steps that carry a candidate count in
// and a different count out.
type ShrinkageDetector struct{}

func (ShrinkageDetector) Name() string { return "candidate_shrinkage" }

func (ShrinkageDetector) TryMatch(step *trace.Step) (string, bool) {
	before, ok := numberField(step.Input, "candidates_count")
	if !ok {
		return "", false
	}
	after, ok := numberField(step.Output, "remaining", "filtered", "passed")
	if !ok || after == before {
		return "", false
	}
	return fmt.Sprintf("Filtered %d candidates down to %d", before, after), true
}

// EvaluationsDetector summarizes per-item verdict arrays. An entry counts
// as accepted when any of its verdict booleans is true.
type EvaluationsDetector struct{}

func (EvaluationsDetector) Name() string { return "evaluation_array" }

func (EvaluationsDetector) TryMatch(step *trace.Step) (string, bool) {
	evaluations, ok := anySlice(step.Output["evaluations"])
	if !ok || len(evaluations) == 0 {
		return "", false
	}

	accepted := 0
	for _, entry := range evaluations {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		for _, flag := range []string{"is_relevant", "is_competitor", "passed", "ok"} {
			if v, ok := m[flag].(bool); ok && v {
				accepted++
				break
			}
		}
	}

	rejected := len(evaluations) - accepted
	return fmt.Sprintf("Evaluated %d candidates: %d accepted, %d rejected",
		len(evaluations), accepted, rejected), true
}

// SelectionDetector reports which candidate a ranking step settled on.
type SelectionDetector struct{}

func (SelectionDetector) Name() string { return "selection" }

func (SelectionDetector) TryMatch(step *trace.Step) (string, bool) {
	selection, ok := selectionPayload(step.Output)
	if !ok {
		return "", false
	}

	ranked := 1
	if arr, ok := anySlice(step.Output["ranked_candidates"]); ok && len(arr) > 0 {
		ranked = len(arr)
	}

	label := selectionLabel(selection)
	if ranked == 1 {
		return fmt.Sprintf("Selected %q from 1 candidate", label), true
	}
	return fmt.Sprintf("Selected %q from %d ranked candidates", label, ranked), true
}

// selectionPayload finds the chosen candidate in a ranking step's output.
// "selection" may be a string or an object; "selected" and "winner" only
// trigger as objects, so a boolean selected flag never matches.
func selectionPayload(output map[string]interface{}) (interface{}, bool) {
	if v, ok := output["selection"]; ok && v != nil {
		return v, true
	}
	for _, key := range []string{"selected", "winner"} {
		if m, ok := output[key].(map[string]interface{}); ok {
			return m, true
		}
	}
	return nil, false
}

// selectionLabel digs a human-readable name out of a selection payload.
// Preference: explicit label, then a nested item-like object's title, name,
// or id, then the selection's own title/name/id/asin.
func selectionLabel(selection interface{}) string {
	if s, ok := selection.(string); ok && s != "" {
		return s
	}

	m, ok := selection.(map[string]interface{})
	if !ok {
		return "one item"
	}

	if label, ok := stringField(m, "label"); ok && label != "" {
		return label
	}

	for _, key := range []string{"item", "entity", "target", "movie", "product"} {
		if nested, ok := m[key].(map[string]interface{}); ok {
			if label, ok := labelValue(nested, "title", "name", "id"); ok {
				return label
			}
		}
	}

	if label, ok := labelValue(m, "title", "name", "id", "asin"); ok {
		return label
	}

	return "one item"
}

// SizeChangeDetector is the last rule before the model tiers: it only knows
// that M things went in and N came out.
type SizeChangeDetector struct{}

func (SizeChangeDetector) Name() string { return "size_change" }

func (SizeChangeDetector) TryMatch(step *trace.Step) (string, bool) {
	before, ok := collectionSize(step.Input)
	if !ok {
		return "", false
	}
	after, ok := collectionSize(step.Output)
	if !ok || before == after {
		return "", false
	}
	return fmt.Sprintf("Transformed %d items into %d items", before, after), true
}

// collectionSize finds the dominant array in a payload under the
// conventional keys.
func collectionSize(payload map[string]interface{}) (int, bool) {
	for _, key := range []string{"items", "rows", "results"} {
		if arr, ok := anySlice(payload[key]); ok {
			return len(arr), true
		}
	}
	return 0, false
}

// numberField returns the first of keys present in m with a numeric value.
func numberField(m map[string]interface{}, keys ...string) (int, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if n, ok := asInt(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// asInt accepts the numeric types JSON decoding and in-process tracking
// both produce.
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	}
	return 0, false
}

// stringField returns the first of keys present in m with a string value.
func stringField(m map[string]interface{}, keys ...string) (string, bool) {
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			return s, true
		}
	}
	return "", false
}

// labelValue stringifies the first present key, accepting numeric ids.
func labelValue(m map[string]interface{}, keys ...string) (string, bool) {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if v != "" {
				return v, true
			}
		case float64, int, int64:
			return fmt.Sprintf("%v", v), true
		}
	}
	return "", false
}

// anySlice normalizes the slice shapes a payload field can arrive in:
// []interface{} after a JSON round trip, typed slices from in-process
// tracking.
func anySlice(v interface{}) ([]interface{}, bool) {
	switch arr := v.(type) {
	case []interface{}:
		return arr, true
	case []map[string]interface{}:
		out := make([]interface{}, len(arr))
		for i, m := range arr {
			out[i] = m
		}
		return out, true
	case []string:
		out := make([]interface{}, len(arr))
		for i, s := range arr {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// stringSlice extracts the string entries of a slice-shaped value.
func stringSlice(v interface{}) []string {
	arr, ok := anySlice(v)
	if !ok {
		return nil
	}
	parts := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}
