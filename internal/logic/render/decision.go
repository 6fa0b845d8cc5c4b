// Package render composes the HTML preview returned for output=html.
package render

import (
	"fmt"
	"html"
	"net/url"
	"strings"

	"github.com/patrickwarner/decisionengine/internal/models"
)

// DefaultEmbedBase is the player URL a video id is appended to.
const DefaultEmbedBase = "//www.dailymotion.com/embed/video/"

const playerParams = "api=postMessage&id=player&autoplay=0&mute=0&info=1&logo=1&related=1&social=1&controls=1"

// ComposeDecisionHTML renders a decision as a page: the first organic item
// as a large player spanning the row, every other item as a cell. Ads are
// labelled as promoted.
func ComposeDecisionHTML(res models.DecisionResult, embedBase string) string {
	if embedBase == "" {
		embedBase = DefaultEmbedBase
	}
	var b strings.Builder
	b.WriteString(`<html><body><table border="0" style="width:60%"><tr>`)
	for i, item := range res.Items {
		switch {
		case item.Kind == models.KindOrganic && item.Organic != nil && i == 0:
			fmt.Fprintf(&b, `<td colspan="4">%s</td></tr><tr>`,
				player(embedBase, item.Organic.VideoID, item.Organic.Title, 1000, 600))
		case item.Kind == models.KindOrganic && item.Organic != nil:
			fmt.Fprintf(&b, `<td colspan="1">%s</td>`,
				player(embedBase, item.Organic.VideoID, item.Organic.Title, 0, 0))
		case item.Kind == models.KindAd && item.Ad != nil:
			fmt.Fprintf(&b, `<td colspan="1"><p style="color:orange">Promoted</p>%s%s</td>`,
				thumbnail(item.Ad.ResizableThumbnailURL, item.Ad.Title),
				player(embedBase, item.Ad.VideoID, item.Ad.Title, 0, 0))
		}
	}
	b.WriteString(`</tr></table></body></html>`)
	return b.String()
}

func player(embedBase, videoID, title string, width, height int) string {
	src := embedBase + url.PathEscape(videoID) + "?" + playerParams
	size := ""
	if width > 0 && height > 0 {
		size = fmt.Sprintf(` width="%d" height="%d"`, width, height)
	}
	return fmt.Sprintf(`<iframe frameborder="0" allowfullscreen="true"%s title="%s" src="%s"></iframe>`,
		size, html.EscapeString(title), html.EscapeString(src))
}

func thumbnail(src, alt string) string {
	if src == "" {
		return ""
	}
	if alt == "" {
		alt = "Advertisement"
	}
	return fmt.Sprintf(`<img style="width:100%%" src="%s" alt="%s">`, html.EscapeString(src), html.EscapeString(alt))
}
