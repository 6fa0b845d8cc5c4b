// Package processors retrieves ad, organic and channel candidates for a
// decision. Each processor builds its backend query, runs it behind its own
// bulkhead and maps raw documents to models.Candidate payloads.
package processors

import (
	"encoding/json"
	"fmt"

	"github.com/patrickwarner/decisionengine/internal/config"
	"github.com/patrickwarner/decisionengine/internal/logic"
	"github.com/patrickwarner/decisionengine/internal/models"
	"github.com/patrickwarner/decisionengine/internal/search"
)

// Tier weights are keyed by these channel_tier values.
const (
	TierGold   = "gold"
	TierSilver = "silver"
	TierBronze = "bronze"
)

// Scoring holds the ranking parameters shared by the ad and organic queries.
type Scoring struct {
	CTR         search.Script
	CPVWeight   float64
	TierWeights map[string]float64
	PubDate     search.Decay
	BoostMode   string
	ScoreMode   string
	MaxBoost    float64
	RandomScore bool
}

// ScoringFromConfig extracts the scoring parameters from cfg.
func ScoringFromConfig(cfg config.Config) Scoring {
	return Scoring{
		CTR:       search.Script{Source: cfg.CTRScript, Lang: cfg.CTRScriptLang},
		CPVWeight: cfg.CPVWeight,
		TierWeights: map[string]float64{
			TierGold:   cfg.TierWeightGold,
			TierSilver: cfg.TierWeightSilver,
			TierBronze: cfg.TierWeightBronze,
		},
		PubDate: search.Decay{
			Field:  "publication_date",
			Scale:  cfg.PubDateScale,
			Offset: cfg.PubDateOffset,
			Decay:  cfg.PubDateDecay,
		},
		BoostMode:   cfg.BoostMode,
		ScoreMode:   cfg.ScoreMode,
		MaxBoost:    cfg.MaxBoost,
		RandomScore: cfg.OrganicRandomScore,
	}
}

// ctrFunction scores by the CTR script, restricted to documents whose click
// and impression counters are both non-negative.
func (s Scoring) ctrFunction() search.Function {
	counters := search.And(search.RangeGte("clicks", 0), search.RangeGte("impressions", 0))
	script := s.CTR
	return search.Function{Filter: &counters, Script: &script}
}

// tierFunctions returns one constant weight per configured tier, heaviest first.
func (s Scoring) tierFunctions() []search.Function {
	var out []search.Function
	for _, tier := range []string{TierGold, TierSilver, TierBronze} {
		w, ok := s.TierWeights[tier]
		if !ok || w == 0 {
			continue
		}
		f := search.Term("channel_tier", tier)
		out = append(out, search.Function{Filter: &f, Weight: w})
	}
	return out
}

func requireTargeting(tc *models.TargetingContext) error {
	if tc == nil || len(tc.Languages) == 0 || tc.Time.IsZero() {
		return logic.ErrMissingTargeting
	}
	return nil
}

// debugInfo renders a hit's score and explanation for debug responses.
func debugInfo(hit search.Hit) string {
	if len(hit.Explanation) == 0 {
		return fmt.Sprintf("score=%g", hit.Score)
	}
	compact, err := json.Marshal(json.RawMessage(hit.Explanation))
	if err != nil {
		compact = hit.Explanation
	}
	return fmt.Sprintf("score=%g explanation=%s", hit.Score, compact)
}
