package decision

import "github.com/patrickwarner/decisionengine/internal/models"

// Merge fills up to positions slots from ads, targeted and untargeted videos.
// Each slot prefers the kind named by its pattern character and otherwise
// takes, in order, a targeted video, an untargeted video, then an ad. The
// walk stops at the first slot nothing can fill, so the result may be short.
func Merge(positions int, pattern string, ads []models.AdCandidate, targeted, untargeted []models.OrganicCandidate) []models.Candidate {
	out := make([]models.Candidate, 0, min(positions, len(ads)+len(targeted)+len(untargeted)))
	var ai, ti, ui int

	for slot := 0; slot < positions; slot++ {
		kind := models.SlotKind(pattern, slot)
		switch {
		case kind == models.KindAd && ai < len(ads):
			out = append(out, models.AdSlot(ads[ai]))
			ai++
		case kind == models.KindOrganic && ti < len(targeted):
			out = append(out, models.OrganicSlot(targeted[ti]))
			ti++
		case ti < len(targeted):
			out = append(out, models.OrganicSlot(targeted[ti]))
			ti++
		case ui < len(untargeted):
			out = append(out, models.OrganicSlot(untargeted[ui]))
			ui++
		case ai < len(ads):
			out = append(out, models.AdSlot(ads[ai]))
			ai++
		default:
			return out
		}
	}
	return out
}

func adSlots(ads []models.AdCandidate) []models.Candidate {
	out := make([]models.Candidate, len(ads))
	for i, a := range ads {
		out[i] = models.AdSlot(a)
	}
	return out
}

func organicSlots(videos []models.OrganicCandidate, limit int) []models.Candidate {
	if len(videos) > limit {
		videos = videos[:limit]
	}
	out := make([]models.Candidate, len(videos))
	for i, v := range videos {
		out[i] = models.OrganicSlot(v)
	}
	return out
}
