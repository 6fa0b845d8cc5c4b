package filters

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/patrickwarner/decisionengine/internal/models"
)

func eligibleVideo() models.CatalogVideo {
	return models.CatalogVideo{
		ID:          "x1",
		Channel:     "news",
		AllowEmbed:  true,
		GeoBlocking: []string{"allow"},
		Ads:         true,
		Mode:        "vod",
		Duration:    45,
		Status:      "published",
	}
}

func TestCheckRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(v *models.CatalogVideo)
		want   Rejection
	}{
		{"eligible", func(v *models.CatalogVideo) {}, Eligible},
		{"embed", func(v *models.CatalogVideo) { v.AllowEmbed = false }, RejectEmbed},
		{"geo deny", func(v *models.CatalogVideo) { v.GeoBlocking = []string{"deny", "fr"} }, RejectGeo},
		{"geo empty", func(v *models.CatalogVideo) { v.GeoBlocking = nil }, RejectGeo},
		{"media", func(v *models.CatalogVideo) { v.MediaBlocking = []json.RawMessage{json.RawMessage(`"ads"`)} }, RejectMedia},
		{"ads", func(v *models.CatalogVideo) { v.Ads = false }, RejectAds},
		{"live", func(v *models.CatalogVideo) { v.Mode = "live" }, RejectMode},
		{"3d", func(v *models.CatalogVideo) { v.ThreeD = true }, RejectThreeD},
		{"explicit", func(v *models.CatalogVideo) { v.Explicit = true }, RejectExplicit},
		{"short", func(v *models.CatalogVideo) { v.Duration = 29 }, RejectDuration},
		{"exactly min", func(v *models.CatalogVideo) { v.Duration = MinDurationSeconds }, Eligible},
		{"draft", func(v *models.CatalogVideo) { v.Status = "processing" }, RejectStatus},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := eligibleVideo()
			tc.mutate(&v)
			assert.Equal(t, tc.want, Check(v, nil))
		})
	}
}

func TestAllowlist(t *testing.T) {
	allow := NewAllowlist(nil)
	assert.Equal(t, Eligible, Check(eligibleVideo(), allow))

	allow.Set([]string{"Sport", " music "})
	assert.Equal(t, 2, allow.Len())
	assert.Equal(t, RejectAllowlist, Check(eligibleVideo(), allow))

	v := eligibleVideo()
	v.Channel = "SPORT"
	assert.Equal(t, Eligible, Check(v, allow))
}

func TestFilterEligibleKeepsOrder(t *testing.T) {
	a, b, c := eligibleVideo(), eligibleVideo(), eligibleVideo()
	a.ID, b.ID, c.ID = "a", "b", "c"
	b.Explicit = true

	out, rejected := FilterEligible([]models.CatalogVideo{a, b, c}, nil)
	assert.Equal(t, []string{"a", "c"}, []string{out[0].ID, out[1].ID})
	assert.Equal(t, map[Rejection]int{RejectExplicit: 1}, rejected)
}
