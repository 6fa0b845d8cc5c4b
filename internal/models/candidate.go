package models

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Kind discriminates the members of the Candidate union. Its value is the
// "type" field written on every response item.
type Kind string

const (
	KindAd      Kind = TypePromoted
	KindOrganic Kind = TypeOrganic
)

// AdCandidate is a paid placement read from the promoted index.
type AdCandidate struct {
	AdID        string `json:"ad"`
	CampaignID  string `json:"campaign"` // dedup key: at most one ad per campaign in a decision
	Tactic      string `json:"tactic,omitempty"`
	Channel     string `json:"channel,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	ChannelURL  string `json:"channel_url,omitempty"`
	Account     string `json:"account,omitempty"`
	VideoID     string `json:"video_id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Duration    int    `json:"duration,omitempty"`

	CPC         float64 `json:"cpc,omitempty"`
	CPV         float64 `json:"cpv,omitempty"`
	InternalCPV float64 `json:"internal_cpv,omitempty"` // internal bid used for ranking
	Currency    string  `json:"currency,omitempty"`

	Autoplay              bool   `json:"autoplay,omitempty"`
	ThumbnailURL          string `json:"thumbnail_url,omitempty"`
	ResizableThumbnailURL string `json:"resizable_thumbnail_url,omitempty"`
	CustomVideoURL        string `json:"custom_video_url,omitempty"`

	Debug string `json:"debug,omitempty"`
}

// OrganicCandidate is an editorial video, either from the organic index or
// from a channel's catalog listing.
type OrganicCandidate struct {
	VideoID     string `json:"video_id"`
	Channel     string `json:"channel,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	ChannelURL  string `json:"channel_url,omitempty"`
	// ChannelTier is the partner tier (gold, silver, bronze) used as a ranking weight.
	ChannelTier string `json:"channel_tier,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Duration    int    `json:"duration,omitempty"`

	ThumbnailURL          string `json:"thumbnail_url,omitempty"`
	ResizableThumbnailURL string `json:"resizable_thumbnail_url,omitempty"`
	PublicationDate       string `json:"publication_date,omitempty"`

	Debug string `json:"debug,omitempty"`
}

// Candidate is one slot of a decision: exactly one of Ad or Organic is set,
// as indicated by Kind.
type Candidate struct {
	Kind    Kind
	Ad      *AdCandidate
	Organic *OrganicCandidate
}

func AdSlot(a AdCandidate) Candidate { return Candidate{Kind: KindAd, Ad: &a} }

func OrganicSlot(o OrganicCandidate) Candidate {
	return Candidate{Kind: KindOrganic, Organic: &o}
}

// ID returns the video id of the slot.
func (c Candidate) ID() string {
	switch c.Kind {
	case KindAd:
		return c.Ad.VideoID
	case KindOrganic:
		return c.Organic.VideoID
	}
	return ""
}

// MarshalJSON writes the active member flattened, with the discriminator in "type".
func (c Candidate) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case KindAd:
		if c.Ad == nil {
			return nil, fmt.Errorf("candidate %q has no ad payload", c.Kind)
		}
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*AdCandidate
		}{c.Kind, c.Ad})
	case KindOrganic:
		if c.Organic == nil {
			return nil, fmt.Errorf("candidate %q has no organic payload", c.Kind)
		}
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*OrganicCandidate
		}{c.Kind, c.Organic})
	default:
		return nil, fmt.Errorf("unknown candidate kind %q", c.Kind)
	}
}

func (c *Candidate) UnmarshalJSON(data []byte) error {
	kind := Kind(gjson.GetBytes(data, "type").String())
	switch kind {
	case KindAd:
		var a AdCandidate
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		*c = Candidate{Kind: kind, Ad: &a}
	case KindOrganic:
		var o OrganicCandidate
		if err := json.Unmarshal(data, &o); err != nil {
			return err
		}
		*c = Candidate{Kind: kind, Organic: &o}
	default:
		return fmt.Errorf("unknown candidate type %q", kind)
	}
	return nil
}

// DecisionResult is the ordered slot list returned to callers.
type DecisionResult struct {
	Items []Candidate `json:"_items"`
	// Pattern is the interleave pattern the engine applied.
	Pattern string `json:"-"`
}

// Counts returns the number of ad and organic slots.
func (r DecisionResult) Counts() (ads, organic int) {
	for _, c := range r.Items {
		if c.Kind == KindAd {
			ads++
		} else {
			organic++
		}
	}
	return ads, organic
}
