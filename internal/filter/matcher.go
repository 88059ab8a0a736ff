package filter

import (
	"regexp"
	"strconv"
	"strings"

	"pulsetrail/internal/metrics"
	"pulsetrail/internal/types"
)

// matcher is a compiled form of one FilterCriteria. Compilation lowercases
// search terms, builds the label set, and pre-compiles regex predicates so
// that per-event matching stays cheap.
type matcher struct {
	criteria types.FilterCriteria
	terms    []string
	labels   map[string]bool
	regexes  []*regexp.Regexp // indexed by predicate position; nil = failed compile
}

func newMatcher(criteria types.FilterCriteria) *matcher {
	m := &matcher{criteria: criteria}

	for _, term := range criteria.Search.Terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" {
			m.terms = append(m.terms, term)
		}
	}

	m.labels = make(map[string]bool, len(criteria.Labels.Labels))
	for _, label := range criteria.Labels.Labels {
		m.labels[strings.ToLower(strings.TrimSpace(label))] = true
	}

	m.regexes = make([]*regexp.Regexp, len(criteria.Custom.Filters))
	for i, f := range criteria.Custom.Filters {
		if f.Op != types.OpRegex {
			continue
		}
		re, err := regexp.Compile(f.Value)
		if err != nil {
			// A predicate that fails to compile is treated as a non-match
			// for that predicate only; evaluation of the rest continues
			metrics.Get().InvalidPredicates.Inc()
			continue
		}
		m.regexes[i] = re
	}

	return m
}

// matches evaluates the event against the criteria in a fixed clause
// order, short-circuiting on the first failing clause. Disabled sections
// are treated as always-pass.
func (m *matcher) matches(e *types.Event) bool {
	c := &m.criteria

	if c.Levels.IsEnabled && !c.Levels.Levels.Contains(e.EffectiveLevel()) {
		return false
	}
	if c.Labels.IsEnabled && !m.matchLabel(e) {
		return false
	}
	if c.TimeRange.IsEnabled && !m.matchTimeRange(e) {
		return false
	}
	if c.Search.IsEnabled && !m.matchSearchTerms(e) {
		return false
	}
	if c.Custom.IsEnabled && !m.matchCustomFilters(e) {
		return false
	}
	return true
}

// matchLabel checks the label set. Network tasks without an attached label
// bypass label filtering.
func (m *matcher) matchLabel(e *types.Event) bool {
	if m.criteria.Labels.AllowAll {
		return true
	}
	if e.Kind == types.KindNetworkTask && e.Label == "" {
		return true
	}
	return m.labels[e.NormalizedLabel()]
}

func (m *matcher) matchTimeRange(e *types.Event) bool {
	r := m.criteria.TimeRange
	if r.Start != nil && e.CreatedAt.Before(*r.Start) {
		return false
	}
	if r.End != nil && !e.CreatedAt.Before(*r.End) {
		return false
	}
	return true
}

// matchSearchTerms requires every token to substring-match at least one of
// text, label, or a metadata value, case-insensitively
func (m *matcher) matchSearchTerms(e *types.Event) bool {
	if len(m.terms) == 0 {
		return true
	}

	text := strings.ToLower(e.Text)
	label := e.NormalizedLabel()

	for _, term := range m.terms {
		if strings.Contains(text, term) || strings.Contains(label, term) {
			continue
		}
		found := false
		for _, value := range e.Metadata {
			if strings.Contains(strings.ToLower(value), term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// matchCustomFilters evaluates the predicates left to right. Consecutive
// non-OR predicates form an AND group; a predicate marked OR-with-previous
// starts a new group that is a disjunctive alternative to the group before
// it. The result is the OR over the AND groups.
func (m *matcher) matchCustomFilters(e *types.Event) bool {
	filters := m.criteria.Custom.Filters
	if len(filters) == 0 {
		return true
	}

	group := true
	for i, f := range filters {
		if i > 0 && f.OrWithPrevious {
			if group {
				return true
			}
			group = true
		}
		if group {
			group = m.evalPredicate(i, &f, e)
		}
	}
	return group
}

// evalPredicate applies one (field, operator, value) predicate
func (m *matcher) evalPredicate(index int, f *types.CustomFilter, e *types.Event) bool {
	fieldValue, ok := eventField(e, f.Field)
	if !ok {
		return false
	}

	switch f.Op {
	case types.OpEquals:
		return strings.EqualFold(fieldValue, f.Value)
	case types.OpContains:
		return strings.Contains(strings.ToLower(fieldValue), strings.ToLower(f.Value))
	case types.OpRegex:
		re := m.regexes[index]
		if re == nil {
			return false
		}
		return re.MatchString(fieldValue)
	case types.OpGreaterThan:
		return compareNumbers(fieldValue, f.Value) > 0
	case types.OpLessThan:
		return compareNumbers(fieldValue, f.Value) < 0
	default:
		return false
	}
}

// compareNumbers compares two values numerically when both parse as
// numbers, falling back to lexicographic comparison
func compareNumbers(a, b string) int {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// eventField resolves a custom-filter field name to its string value.
// Unknown fields fall through to metadata keys.
func eventField(e *types.Event, field string) (string, bool) {
	switch strings.ToLower(field) {
	case "kind":
		return string(e.Kind), true
	case "level":
		return e.EffectiveLevel().String(), true
	case "label":
		return e.NormalizedLabel(), true
	case "text", "message":
		return e.Text, true
	case "task_id":
		return e.TaskID, true
	case "url":
		return e.URL, true
	case "method":
		return e.Method, true
	case "state":
		return string(e.State), true
	case "status_code", "statuscode":
		return strconv.Itoa(e.StatusCode), true
	case "duration":
		return strconv.FormatInt(int64(e.Duration), 10), true
	case "duration_ms":
		return strconv.FormatInt(e.Duration.Milliseconds(), 10), true
	case "error", "error_description":
		return e.ErrorDescription, true
	default:
		if value, ok := e.Metadata[field]; ok {
			return value, true
		}
		return "", false
	}
}
