package models

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// WildcardTerm matches every item regardless of its targeting list.
const WildcardTerm = "all"

// FormatInWidget marks widget placements, which are never category targeted.
const FormatInWidget = "in-widget"

// TargetingContext is the visitor context a decision is computed for.
// Build it from a DecisionRequest, call Normalize once, and treat the result
// as read-only afterwards.
type TargetingContext struct {
	// Languages, Locations and Categories are list filters. After Normalize
	// each holds lowercased values and always contains WildcardTerm.
	Languages  []string
	Locations  []string
	Categories []string
	Device     string // e.g. "desktop", "mobile"; matched with "all"
	Format     string // placement format, e.g. "in-widget"
	// Time is the visitor's local time. Its offset drives the timetable
	// slot so it is kept as parsed rather than converted to UTC.
	Time time.Time

	Channels  []string // channel ids for channel requests
	Playlist  string   // playlist id, alternative to Channels
	SortOrder string   // catalog sort order for channel requests
	Pattern   string   // resolved interleave pattern

	// ImpressionHistory maps video ids to the number of times the visitor
	// has already been shown them.
	ImpressionHistory map[string]int
	// ExcludedIDs are video ids that must not be returned. The engine
	// fills it from ImpressionHistory before dispatch.
	ExcludedIDs []string

	Domain   string
	Browser  string
	Autoplay bool
	Debug    bool
}

// Normalize returns a copy with list filters lowercased and wildcard
// completed, and Time defaulted to now (UTC) when unset. Calling it on an
// already normalized context returns an equal context.
func (tc TargetingContext) Normalize(now time.Time) TargetingContext {
	out := tc
	out.Languages = withWildcard(tc.Languages)
	out.Locations = withWildcard(tc.Locations)
	out.Categories = withWildcard(tc.Categories)
	out.Device = strings.ToLower(strings.TrimSpace(tc.Device))
	out.Format = strings.ToLower(strings.TrimSpace(tc.Format))
	if out.Time.IsZero() {
		out.Time = now.UTC()
	}
	out.Channels = append([]string(nil), tc.Channels...)
	out.ExcludedIDs = append([]string(nil), tc.ExcludedIDs...)
	if tc.ImpressionHistory != nil {
		out.ImpressionHistory = make(map[string]int, len(tc.ImpressionHistory))
		for k, v := range tc.ImpressionHistory {
			out.ImpressionHistory[k] = v
		}
	}
	return out
}

func withWildcard(in []string) []string {
	out := make([]string, 0, len(in)+1)
	hasWildcard := false
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if v == WildcardTerm {
			if hasWildcard {
				continue
			}
			hasWildcard = true
		}
		out = append(out, v)
	}
	if !hasWildcard {
		out = append(out, WildcardTerm)
	}
	return out
}

// Explicit returns the caller supplied values of a normalized list, i.e.
// everything except the wildcard.
func Explicit(values []string) []string {
	var out []string
	for _, v := range values {
		if v != WildcardTerm {
			out = append(out, v)
		}
	}
	return out
}

// OnlyWildcard reports whether a normalized list carries no real filter.
func OnlyWildcard(values []string) bool {
	return len(Explicit(values)) == 0
}

// Timetable returns the "weekday:hour:false" slot that marks the current
// hour as unavailable in an ad's timetable.
func (tc TargetingContext) Timetable() string {
	return strings.ToLower(tc.Time.Weekday().String()) + ":" + strconv.Itoa(tc.Time.Hour()) + ":false"
}

// OrganicKey returns the cache identity of the context for organic lookups.
// Only categories and languages take part.
func (tc TargetingContext) OrganicKey() OrganicKey {
	return OrganicKey{
		Categories: sortedJoin(tc.Categories),
		Languages:  sortedJoin(tc.Languages),
	}
}

// OrganicKey identifies a cached organic result list.
type OrganicKey struct {
	Categories string
	Languages  string
}

func (k OrganicKey) CacheKey() string { return k.Categories + "|" + k.Languages }

func sortedJoin(values []string) string {
	cp := append([]string(nil), values...)
	sort.Strings(cp)
	return strings.Join(cp, ",")
}
