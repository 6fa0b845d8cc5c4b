package models

import "encoding/json"

// CatalogVideo is a raw entry returned by the video catalog API. Only the
// fields needed for eligibility and mapping are decoded.
type CatalogVideo struct {
	ID            string            `json:"id"`
	Channel       string            `json:"channel"`
	CreatedTime   int64             `json:"created_time"`
	UpdatedTime   int64             `json:"updated_time"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Duration      int               `json:"duration"`
	Language      string            `json:"language"`
	OwnerID       string            `json:"owner.id"`
	OwnerUsername string            `json:"owner.username"`
	OwnerName     string            `json:"owner.screenname"`
	ThumbnailURL  string            `json:"thumbnail_url"`
	Tags          []string          `json:"tags"`
	ThreeD        bool              `json:"3d"`
	Explicit      bool              `json:"explicit"`
	Ads           bool              `json:"ads"`
	Status        string            `json:"status"`
	Published     bool              `json:"published"`
	GeoBlocking   []string          `json:"geoblocking"`
	MediaBlocking []json.RawMessage `json:"mediablocking"`
	AllowEmbed    bool              `json:"allow_embed"`
	Mode          string            `json:"mode"`
}

// CatalogList is the envelope of a catalog listing response.
type CatalogList struct {
	List    []CatalogVideo `json:"list"`
	HasMore bool           `json:"has_more"`
}
