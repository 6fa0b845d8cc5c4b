package models

import "strings"

// ResolvePattern returns p when it is a non-blank string over the alphabet
// {P, p, O, o}, and def otherwise.
func ResolvePattern(p, def string) string {
	if strings.TrimSpace(p) == "" {
		return def
	}
	for _, c := range p {
		switch c {
		case 'P', 'p', 'O', 'o':
		default:
			return def
		}
	}
	return p
}

// SlotKind returns the preferred candidate kind of slot i under pattern,
// cycling the pattern. An empty pattern prefers organic.
func SlotKind(pattern string, i int) Kind {
	if pattern == "" {
		return KindOrganic
	}
	switch pattern[i%len(pattern)] {
	case 'P', 'p':
		return KindAd
	default:
		return KindOrganic
	}
}
