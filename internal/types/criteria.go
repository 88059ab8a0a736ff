package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// LevelSet is a bitmask over the seven severity levels. The zero value
// matches nothing; AllLevels matches everything.
type LevelSet uint8

// AllLevels has every severity enabled
const AllLevels LevelSet = 1<<(LevelCritical+1) - 1

// NewLevelSet builds a set from the given levels
func NewLevelSet(levels ...Level) LevelSet {
	var s LevelSet
	for _, l := range levels {
		s = s.With(l)
	}
	return s
}

// Contains reports whether the level is enabled in the set
func (s LevelSet) Contains(l Level) bool {
	if !l.Valid() {
		return false
	}
	return s&(1<<uint8(l)) != 0
}

// With returns a copy of the set with the level enabled
func (s LevelSet) With(l Level) LevelSet {
	if !l.Valid() {
		return s
	}
	return s | 1<<uint8(l)
}

// Without returns a copy of the set with the level disabled
func (s LevelSet) Without(l Level) LevelSet {
	if !l.Valid() {
		return s
	}
	return s &^ (1 << uint8(l))
}

// LevelsCriteria restricts matching to a set of enabled severities
type LevelsCriteria struct {
	IsEnabled bool     `json:"is_enabled"`
	Levels    LevelSet `json:"levels"`
}

// LabelsCriteria restricts matching to a set of enabled labels. AllowAll is
// the default "match every label" state; when it is cleared only the listed
// labels match, and an empty list matches nothing. The two are distinct so
// that narrowing to zero labels is not confused with the default.
type LabelsCriteria struct {
	IsEnabled bool     `json:"is_enabled"`
	AllowAll  bool     `json:"allow_all"`
	Labels    []string `json:"labels,omitempty"`
}

// TimeRangeCriteria restricts matching to an inclusive-exclusive
// [start, end) window over the event creation time
type TimeRangeCriteria struct {
	IsEnabled bool       `json:"is_enabled"`
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"`
}

// SearchCriteria holds free-text tokens. Every token must substring-match
// at least one of text, label, or a metadata value, case-insensitively.
type SearchCriteria struct {
	IsEnabled bool     `json:"is_enabled"`
	Terms     []string `json:"terms,omitempty"`
}

// FilterOp identifies a custom-filter comparison operator
type FilterOp int

const (
	OpEquals FilterOp = iota
	OpContains
	OpRegex
	OpGreaterThan
	OpLessThan
)

var filterOpNames = map[FilterOp]string{
	OpEquals:      "equals",
	OpContains:    "contains",
	OpRegex:       "regex",
	OpGreaterThan: "greater_than",
	OpLessThan:    "less_than",
}

// String returns the wire name of the operator
func (op FilterOp) String() string {
	if name, ok := filterOpNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// ParseFilterOp converts a wire name to a FilterOp
func ParseFilterOp(name string) (FilterOp, error) {
	for op, n := range filterOpNames {
		if n == name {
			return op, nil
		}
	}
	return OpEquals, fmt.Errorf("unknown filter operator %q", name)
}

// MarshalJSON encodes the operator as its wire name
func (op FilterOp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + op.String() + `"`), nil
}

// UnmarshalJSON decodes an operator from its wire name
func (op *FilterOp) UnmarshalJSON(data []byte) error {
	parsed, err := ParseFilterOp(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

// CustomFilter is a single (field, operator, value) predicate. Consecutive
// predicates are AND-grouped; a predicate with OrWithPrevious set starts an
// OR alternative to the group that precedes it.
type CustomFilter struct {
	Field          string   `json:"field"`
	Op             FilterOp `json:"op"`
	Value          string   `json:"value"`
	OrWithPrevious bool     `json:"or_with_previous,omitempty"`
}

// CustomCriteria holds the ordered custom-filter predicates
type CustomCriteria struct {
	IsEnabled bool           `json:"is_enabled"`
	Filters   []CustomFilter `json:"filters,omitempty"`
}

// FilterCriteria is an immutable description of a query over the store.
// A disabled section is treated as an always-pass clause, so toggling a
// section off does not discard its configuration.
type FilterCriteria struct {
	Levels    LevelsCriteria    `json:"levels"`
	Labels    LabelsCriteria    `json:"labels"`
	TimeRange TimeRangeCriteria `json:"time_range"`
	Search    SearchCriteria    `json:"search"`
	Custom    CustomCriteria    `json:"custom"`
}

// DefaultCriteria returns criteria that match every event
func DefaultCriteria() FilterCriteria {
	return FilterCriteria{
		Levels:    LevelsCriteria{IsEnabled: true, Levels: AllLevels},
		Labels:    LabelsCriteria{IsEnabled: true, AllowAll: true},
		TimeRange: TimeRangeCriteria{IsEnabled: true},
		Search:    SearchCriteria{IsEnabled: true},
		Custom:    CustomCriteria{IsEnabled: true},
	}
}

// NormalizeLabels lowercases, deduplicates, and sorts the label list so
// that structurally equal criteria compare equal
func (c *LabelsCriteria) NormalizeLabels() {
	seen := make(map[string]bool, len(c.Labels))
	normalized := make([]string, 0, len(c.Labels))
	for _, label := range c.Labels {
		label = strings.ToLower(strings.TrimSpace(label))
		if label == "" || seen[label] {
			continue
		}
		seen[label] = true
		normalized = append(normalized, label)
	}
	sort.Strings(normalized)
	c.Labels = normalized
}

// Equal reports whether two criteria are structurally identical. It is used
// to short-circuit re-evaluation when a consumer re-submits an unchanged
// query.
func (c FilterCriteria) Equal(other FilterCriteria) bool {
	if c.Levels != other.Levels {
		return false
	}
	if c.Labels.IsEnabled != other.Labels.IsEnabled ||
		c.Labels.AllowAll != other.Labels.AllowAll ||
		!stringSlicesEqual(c.Labels.Labels, other.Labels.Labels) {
		return false
	}
	if !timeRangesEqual(c.TimeRange, other.TimeRange) {
		return false
	}
	if c.Search.IsEnabled != other.Search.IsEnabled ||
		!stringSlicesEqual(c.Search.Terms, other.Search.Terms) {
		return false
	}
	if c.Custom.IsEnabled != other.Custom.IsEnabled ||
		len(c.Custom.Filters) != len(other.Custom.Filters) {
		return false
	}
	for i := range c.Custom.Filters {
		if c.Custom.Filters[i] != other.Custom.Filters[i] {
			return false
		}
	}
	return true
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func timeRangesEqual(a, b TimeRangeCriteria) bool {
	if a.IsEnabled != b.IsEnabled {
		return false
	}
	if (a.Start == nil) != (b.Start == nil) || (a.End == nil) != (b.End == nil) {
		return false
	}
	if a.Start != nil && !a.Start.Equal(*b.Start) {
		return false
	}
	if a.End != nil && !a.End.Equal(*b.End) {
		return false
	}
	return true
}

// ResultSet is the ordered set of event ids currently matching a criteria.
// IDs are ascending; Revision increments on every structural change.
type ResultSet struct {
	IDs      []int64 `json:"ids"`
	Revision uint64  `json:"revision"`
}
