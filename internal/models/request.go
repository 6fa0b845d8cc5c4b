package models

import (
	"fmt"
	"strings"
	"time"
)

// Allowed type selectors accepted in DecisionRequest.Type.
const (
	TypePromoted        = "promoted"
	TypeOrganic         = "organic"
	TypePromotedChannel = "promoted,channel"
	TypePromotedOrganic = "promoted,organic"
)

// OutputHTML asks the query endpoint to render the decision as an HTML page.
const OutputHTML = "html"

// DecisionRequest is the JSON body accepted by the query endpoint.
type DecisionRequest struct {
	Debug     bool   `json:"debugEnabled"`
	Positions int    `json:"positions"`
	Type      string `json:"type"`    // one of the Type* selectors; empty means promoted
	Pattern   string `json:"pattern"` // interleave pattern over P/p/O/o

	Languages  []string `json:"languages"`
	Locations  []string `json:"locations"`
	Categories []string `json:"categories"`
	Device     string   `json:"device"`
	Format     string   `json:"format"`
	// Time is the visitor's local time as an ISO-8601 timestamp,
	// e.g. "2014-11-21T01:00:00Z" or "2014-10-31T23:00:00-0800".
	Time     string             `json:"time"`
	Domain   string             `json:"domain"`
	Autoplay bool               `json:"autoplay"`
	Browser  string             `json:"browser"`
	Keywords map[string]float64 `json:"keywords,omitempty"`

	Playlist string   `json:"playlist"`
	Channels []string `json:"channels"`
	Sort     string   `json:"sort"`

	ImpressionHistory map[string]int `json:"impression_history"`
	ExcludedIDs       []string       `json:"excluded_ids,omitempty"`
	// User keys the server-side impression history kept in Redis.
	User   string `json:"user,omitempty"`
	Output string `json:"output,omitempty"`
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05.000Z0700",
}

// ParseTime parses a request timestamp keeping its UTC offset. An empty
// string yields the zero time.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

// Targeting converts the request into a TargetingContext. The result still
// needs Normalize.
func (r DecisionRequest) Targeting(defaultPattern string) (TargetingContext, error) {
	t, err := ParseTime(r.Time)
	if err != nil {
		return TargetingContext{}, err
	}
	channels := make([]string, 0, len(r.Channels))
	for _, c := range r.Channels {
		if c = strings.TrimSpace(c); c != "" {
			channels = append(channels, c)
		}
	}
	return TargetingContext{
		Languages:         r.Languages,
		Locations:         r.Locations,
		Categories:        r.Categories,
		Device:            r.Device,
		Format:            r.Format,
		Time:              t,
		Channels:          channels,
		Playlist:          strings.TrimSpace(r.Playlist),
		SortOrder:         r.Sort,
		Pattern:           ResolvePattern(r.Pattern, defaultPattern),
		ImpressionHistory: r.ImpressionHistory,
		ExcludedIDs:       r.ExcludedIDs,
		Domain:            r.Domain,
		Browser:           r.Browser,
		Autoplay:          r.Autoplay,
		Debug:             r.Debug,
	}, nil
}

// SplitTypes splits an allowed types selector into at most two lowercased parts.
func SplitTypes(allowed string) []string {
	allowed = strings.ToLower(strings.TrimSpace(allowed))
	if allowed == "" {
		return nil
	}
	parts := strings.SplitN(allowed, ",", 2)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
