package domain

import (
	"slices"
	"strings"
	"time"
)

// TemporalMode selects which versions of an entity a filter retains.
type TemporalMode int

const (
	// ValidCurrent keeps only the current version of each entity.
	ValidCurrent TemporalMode = iota
	// ValidAllVersions keeps every stored version.
	ValidAllVersions
	// ValidDuring keeps versions whose validity intersects a period.
	ValidDuring
	// ValidAt keeps the version valid at an instant.
	ValidAt
)

// TemporalFilter is the validity-time predicate of a resource filter.
type TemporalFilter struct {
	Mode   TemporalMode
	Period TimeExtent
}

// Matches reports whether a version with the effective validity extent is
// retained. current tells whether the version is the current one.
func (f TemporalFilter) Matches(effective TimeExtent, current bool, now time.Time) bool {
	switch f.Mode {
	case ValidAllVersions:
		return true
	case ValidDuring:
		return effective.Intersects(f.Period, now)
	case ValidAt:
		t := f.Period.Begin
		if t.Before(effective.Begin) {
			return false
		}
		return effective.EndNow || t.Before(effective.End)
	default:
		return current
	}
}

// ResourceFilter selects procedures, features and streams. Predicate groups
// combine with AND; values inside one group combine with OR. Filters are
// immutable once built.
type ResourceFilter struct {
	internalIDs []int64
	uids        []string
	keywords    []string
	properties  map[string][]string
	propOrder   []string
	bbox        *BBox
	validTime   TemporalFilter
	parentIDs   []int64
	limit       int
}

// FilterOption configures a ResourceFilter under construction.
type FilterOption func(*ResourceFilter)

// NewFilter builds an immutable resource filter.
func NewFilter(opts ...FilterOption) ResourceFilter {
	var f ResourceFilter
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// WithInternalIDs restricts the selection to the given internal IDs.
func WithInternalIDs(ids ...int64) FilterOption {
	ids = slices.Clone(ids)
	return func(f *ResourceFilter) { f.internalIDs = append(f.internalIDs, ids...) }
}

// WithUIDs restricts the selection to the given UIDs. A trailing '*' matches
// any UID sharing the prefix.
func WithUIDs(uids ...string) FilterOption {
	uids = slices.Clone(uids)
	return func(f *ResourceFilter) { f.uids = append(f.uids, uids...) }
}

// WithKeywords keeps entities whose descriptive text contains any keyword,
// ignoring case.
func WithKeywords(words ...string) FilterOption {
	words = slices.Clone(words)
	return func(f *ResourceFilter) { f.keywords = append(f.keywords, words...) }
}

// WithProperty keeps entities whose property equals one of values. A value
// of "*" matches any present property; a trailing '*' matches a prefix.
func WithProperty(name string, values ...string) FilterOption {
	values = slices.Clone(values)
	return func(f *ResourceFilter) {
		if f.properties == nil {
			f.properties = make(map[string][]string)
		}
		if _, ok := f.properties[name]; !ok {
			f.propOrder = append(f.propOrder, name)
		}
		f.properties[name] = append(f.properties[name], values...)
	}
}

// WithBBox keeps located entities intersecting box.
func WithBBox(box BBox) FilterOption {
	return func(f *ResourceFilter) { f.bbox = &box }
}

// WithAllVersions keeps every version instead of only the current one.
func WithAllVersions() FilterOption {
	return func(f *ResourceFilter) { f.validTime = TemporalFilter{Mode: ValidAllVersions} }
}

// WithValidTimeDuring keeps versions valid at some point of [begin, end].
func WithValidTimeDuring(begin, end time.Time) FilterOption {
	return func(f *ResourceFilter) {
		f.validTime = TemporalFilter{Mode: ValidDuring, Period: Period(begin, end)}
	}
}

// WithValidTimeAt keeps the version valid at t.
func WithValidTimeAt(t time.Time) FilterOption {
	return func(f *ResourceFilter) {
		f.validTime = TemporalFilter{Mode: ValidAt, Period: Instant(t)}
	}
}

// WithParents keeps entities attached to one of the parent internal IDs.
func WithParents(ids ...int64) FilterOption {
	ids = slices.Clone(ids)
	return func(f *ResourceFilter) { f.parentIDs = append(f.parentIDs, ids...) }
}

// WithLimit caps the number of selected entries.
func WithLimit(n int) FilterOption {
	return func(f *ResourceFilter) { f.limit = n }
}

func (f ResourceFilter) InternalIDs() []int64      { return slices.Clone(f.internalIDs) }
func (f ResourceFilter) ParentIDs() []int64        { return slices.Clone(f.parentIDs) }
func (f ResourceFilter) ValidTime() TemporalFilter { return f.validTime }

// Limit returns the maximum number of entries, or 0 for no limit.
func (f ResourceFilter) Limit() int { return f.limit }

// MatchesID reports whether id passes the internal ID predicate.
func (f ResourceFilter) MatchesID(id int64) bool {
	return len(f.internalIDs) == 0 || slices.Contains(f.internalIDs, id)
}

// MatchesParent reports whether parentID passes the parent predicate.
func (f ResourceFilter) MatchesParent(parentID int64) bool {
	return len(f.parentIDs) == 0 || slices.Contains(f.parentIDs, parentID)
}

// Matches evaluates the UID, keyword, property and bbox predicates.
func (f ResourceFilter) Matches(v Searchable) bool {
	if len(f.uids) > 0 && !slices.ContainsFunc(f.uids, func(p string) bool { return wildcardMatch(p, v.UniqueID()) }) {
		return false
	}
	if len(f.keywords) > 0 && !matchesKeywords(f.keywords, v.SearchText()) {
		return false
	}
	for _, name := range f.propOrder {
		got, ok := v.Property(name)
		if !ok {
			return false
		}
		if !slices.ContainsFunc(f.properties[name], func(p string) bool { return wildcardMatch(p, got) }) {
			return false
		}
	}
	if f.bbox != nil {
		loc, ok := v.(Located)
		if !ok {
			return false
		}
		b, ok := loc.Bounds()
		if !ok || !b.Intersects(*f.bbox) {
			return false
		}
	}
	return true
}

func matchesKeywords(words, text []string) bool {
	for _, w := range words {
		w = strings.ToLower(w)
		for _, t := range text {
			if strings.Contains(strings.ToLower(t), w) {
				return true
			}
		}
	}
	return false
}

func wildcardMatch(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(value, prefix)
	}
	return pattern == value
}

// ObsFilter selects observations.
type ObsFilter struct {
	dataStreamIDs  []int64
	foiIDs         []int64
	phenomenonTime *TimeExtent
	resultTime     *TimeExtent
	limit          int
}

// ObsFilterOption configures an ObsFilter under construction.
type ObsFilterOption func(*ObsFilter)

func NewObsFilter(opts ...ObsFilterOption) ObsFilter {
	var f ObsFilter
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

func WithDataStreams(ids ...int64) ObsFilterOption {
	ids = slices.Clone(ids)
	return func(f *ObsFilter) { f.dataStreamIDs = append(f.dataStreamIDs, ids...) }
}

// WithFois keeps observations of the given FOIs. NoFOI selects observations
// without a feature of interest.
func WithFois(ids ...int64) ObsFilterOption {
	ids = slices.Clone(ids)
	return func(f *ObsFilter) { f.foiIDs = append(f.foiIDs, ids...) }
}

func WithPhenomenonTime(te TimeExtent) ObsFilterOption {
	return func(f *ObsFilter) { f.phenomenonTime = &te }
}

func WithResultTime(te TimeExtent) ObsFilterOption {
	return func(f *ObsFilter) { f.resultTime = &te }
}

func WithObsLimit(n int) ObsFilterOption {
	return func(f *ObsFilter) { f.limit = n }
}

func (f ObsFilter) DataStreamIDs() []int64 { return slices.Clone(f.dataStreamIDs) }
func (f ObsFilter) Limit() int             { return f.limit }

// Matches evaluates every predicate of the filter against obs.
func (f ObsFilter) Matches(obs Observation, now time.Time) bool {
	if len(f.dataStreamIDs) > 0 && !slices.Contains(f.dataStreamIDs, obs.DataStreamID) {
		return false
	}
	if len(f.foiIDs) > 0 && !slices.Contains(f.foiIDs, obs.FoiID) {
		return false
	}
	if f.phenomenonTime != nil && !f.phenomenonTime.Contains(obs.PhenomenonTime, now) {
		return false
	}
	if f.resultTime != nil && !f.resultTime.Contains(obs.ResultTime, now) {
		return false
	}
	return true
}

// CommandFilter selects commands.
type CommandFilter struct {
	commandStreamIDs []int64
	senderIDs        []string
	issueTime        *TimeExtent
	limit            int
}

// CommandFilterOption configures a CommandFilter under construction.
type CommandFilterOption func(*CommandFilter)

func NewCommandFilter(opts ...CommandFilterOption) CommandFilter {
	var f CommandFilter
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

func WithCommandStreams(ids ...int64) CommandFilterOption {
	ids = slices.Clone(ids)
	return func(f *CommandFilter) { f.commandStreamIDs = append(f.commandStreamIDs, ids...) }
}

func WithSenders(ids ...string) CommandFilterOption {
	ids = slices.Clone(ids)
	return func(f *CommandFilter) { f.senderIDs = append(f.senderIDs, ids...) }
}

func WithIssueTime(te TimeExtent) CommandFilterOption {
	return func(f *CommandFilter) { f.issueTime = &te }
}

func WithCommandLimit(n int) CommandFilterOption {
	return func(f *CommandFilter) { f.limit = n }
}

func (f CommandFilter) Limit() int { return f.limit }

func (f CommandFilter) Matches(cmd Command, now time.Time) bool {
	if len(f.commandStreamIDs) > 0 && !slices.Contains(f.commandStreamIDs, cmd.CommandStreamID) {
		return false
	}
	if len(f.senderIDs) > 0 && !slices.Contains(f.senderIDs, cmd.SenderID) {
		return false
	}
	if f.issueTime != nil && !f.issueTime.Contains(cmd.IssueTime, now) {
		return false
	}
	return true
}
