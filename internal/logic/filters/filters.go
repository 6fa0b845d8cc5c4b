package filters

import (
	"strings"
	"sync/atomic"

	"github.com/patrickwarner/decisionengine/internal/models"
)

// MinDurationSeconds is the shortest video a channel slot may carry.
const MinDurationSeconds = 30

// Rejection names the first eligibility rule a catalog video failed.
type Rejection string

const (
	Eligible         Rejection = ""
	RejectEmbed      Rejection = "embed_disallowed"
	RejectGeo        Rejection = "geo_blocked"
	RejectMedia      Rejection = "media_blocked"
	RejectAds        Rejection = "ads_disabled"
	RejectMode       Rejection = "not_vod"
	RejectThreeD     Rejection = "3d"
	RejectExplicit   Rejection = "explicit"
	RejectDuration   Rejection = "too_short"
	RejectStatus     Rejection = "not_published"
	RejectAllowlist  Rejection = "category_not_allowed"
	geoAllowToken              = "allow"
	vodMode                    = "vod"
	publishedStatus            = "published"
)

// Allowlist is the set of catalog categories channel videos may come from.
// An empty list allows everything. It is safe for concurrent use and can be
// replaced at runtime with Set.
type Allowlist struct {
	set atomic.Pointer[map[string]struct{}]
}

// NewAllowlist returns an Allowlist holding values.
func NewAllowlist(values []string) *Allowlist {
	a := &Allowlist{}
	a.Set(values)
	return a
}

// Set replaces the allowed values.
func (a *Allowlist) Set(values []string) {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			m[v] = struct{}{}
		}
	}
	a.set.Store(&m)
}

// Allows reports whether value is permitted.
func (a *Allowlist) Allows(value string) bool {
	if a == nil {
		return true
	}
	m := a.set.Load()
	if m == nil || len(*m) == 0 {
		return true
	}
	_, ok := (*m)[strings.ToLower(value)]
	return ok
}

// Len returns the number of allowed values.
func (a *Allowlist) Len() int {
	if a == nil {
		return 0
	}
	if m := a.set.Load(); m != nil {
		return len(*m)
	}
	return 0
}

// Check applies the channel eligibility rules to v.
func Check(v models.CatalogVideo, allow *Allowlist) Rejection {
	switch {
	case !v.AllowEmbed:
		return RejectEmbed
	case !contains(v.GeoBlocking, geoAllowToken):
		return RejectGeo
	case len(v.MediaBlocking) > 0:
		return RejectMedia
	case !v.Ads:
		return RejectAds
	case !strings.EqualFold(v.Mode, vodMode):
		return RejectMode
	case v.ThreeD:
		return RejectThreeD
	case v.Explicit:
		return RejectExplicit
	case v.Duration < MinDurationSeconds:
		return RejectDuration
	case !strings.EqualFold(v.Status, publishedStatus):
		return RejectStatus
	case !allow.Allows(v.Channel):
		return RejectAllowlist
	}
	return Eligible
}

// FilterEligible returns the videos passing Check, in order, and counts the
// rejections by rule.
func FilterEligible(videos []models.CatalogVideo, allow *Allowlist) ([]models.CatalogVideo, map[Rejection]int) {
	out := make([]models.CatalogVideo, 0, len(videos))
	var rejected map[Rejection]int
	for _, v := range videos {
		if r := Check(v, allow); r != Eligible {
			if rejected == nil {
				rejected = make(map[Rejection]int)
			}
			rejected[r]++
			continue
		}
		out = append(out, v)
	}
	return out, rejected
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
