package processors

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/bulkhead"
	"github.com/patrickwarner/decisionengine/internal/logic"
	"github.com/patrickwarner/decisionengine/internal/models"
	"github.com/patrickwarner/decisionengine/internal/observability"
	"github.com/patrickwarner/decisionengine/internal/search"
)

// adOverfetch is how many hits are requested per wanted ad, leaving room for
// campaign deduplication.
const adOverfetch = 4

// AdProcessor selects paid placements from the promoted index.
type AdProcessor struct {
	store    search.Store
	index    string
	scoring  Scoring
	bulkhead *bulkhead.Bulkhead
	logger   *zap.Logger
	metrics  observability.MetricsRegistry
}

// NewAdProcessor builds an AdProcessor querying index through store.
func NewAdProcessor(store search.Store, index string, scoring Scoring, bh *bulkhead.Bulkhead, logger *zap.Logger, metrics observability.MetricsRegistry) *AdProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &AdProcessor{store: store, index: index, scoring: scoring, bulkhead: bh, logger: logger, metrics: metrics}
}

// Query builds the targeting and scoring request for up to limit ads.
func (p *AdProcessor) Query(tc *models.TargetingContext, limit int) search.Request {
	var must, mustNot []search.Filter

	inWidget := tc.Format == models.FormatInWidget
	if !inWidget {
		must = append(must, search.Terms("categories", tc.Categories...))
	}
	must = append(must,
		search.Terms("languages", tc.Languages...),
		search.Terms("locations", tc.Locations...),
		search.Terms("devices", orWildcard(tc.Device)...),
		search.Terms("formats", orWildcard(tc.Format)...),
		search.RangeLte("start_date", tc.Time.Format(time.RFC3339)),
		search.RangeGte("end_date", tc.Time.Format(time.RFC3339)),
		search.Or(
			search.Missing("goal_views"),
			search.Missing("views"),
			search.ScriptFilter(search.Script{
				Source: "doc['views'].value < doc['goal_views'].value",
				Lang:   "expression",
			}),
		),
	)

	if locs := models.Explicit(tc.Locations); len(locs) > 0 {
		mustNot = append(mustNot, search.Terms("excluded_locations", locs...))
	}
	if cats := models.Explicit(tc.Categories); len(cats) > 0 && !inWidget {
		mustNot = append(mustNot, search.Terms("excluded_categories", cats...))
	}
	mustNot = append(mustNot,
		search.Term("paused", true),
		search.Term("timetable", tc.Timetable()),
	)
	if len(tc.ExcludedIDs) > 0 {
		mustNot = append(mustNot, search.Terms("video_id", tc.ExcludedIDs...))
	}

	return search.Request{
		Index: p.index,
		Query: search.Bool{Must: must, MustNot: mustNot},
		Functions: []search.Function{
			p.scoring.ctrFunction(),
			{FieldValueFactor: "internal_cpv", Weight: p.scoring.CPVWeight},
		},
		Size:    limit * adOverfetch,
		Explain: tc.Debug,
	}
}

func orWildcard(v string) []string {
	if v == "" {
		return []string{models.WildcardTerm}
	}
	return []string{models.WildcardTerm, v}
}

// FetchAds returns up to limit ads, at most one per campaign, in rank order.
// When nothing matches and ids were excluded, the query is retried once
// without the exclusions.
func (p *AdProcessor) FetchAds(ctx context.Context, tc *models.TargetingContext, limit int) ([]models.AdCandidate, error) {
	if err := requireTargeting(tc); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() { p.metrics.RecordQueryLatency("ads", time.Since(start)) }()

	ads, err := p.fetch(ctx, tc, limit)
	if err != nil {
		return nil, err
	}
	if len(ads) == 0 && len(tc.ExcludedIDs) > 0 {
		relaxed := *tc
		relaxed.ExcludedIDs = nil
		p.logger.Debug("no ads left after exclusions, retrying without them",
			zap.Int("excluded", len(tc.ExcludedIDs)))
		if ads, err = p.fetch(ctx, &relaxed, limit); err != nil {
			return nil, err
		}
	}
	p.metrics.AddAdsServed(len(ads))
	return ads, nil
}

func (p *AdProcessor) fetch(ctx context.Context, tc *models.TargetingContext, limit int) ([]models.AdCandidate, error) {
	req := p.Query(tc, limit)
	res, err := bulkhead.Do(ctx, p.bulkhead, func(ctx context.Context) (*search.Result, error) {
		return p.store.Search(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return p.dedupe(res.Hits, limit, tc.Debug)
}

// dedupe keeps the first hit of each campaign until limit ads are collected.
func (p *AdProcessor) dedupe(hits []search.Hit, limit int, debug bool) ([]models.AdCandidate, error) {
	seen := make(map[string]struct{}, limit)
	out := make([]models.AdCandidate, 0, limit)
	for _, hit := range hits {
		if len(out) >= limit {
			break
		}
		var ad models.AdCandidate
		if err := json.Unmarshal(hit.Source, &ad); err != nil {
			return nil, &logic.UpstreamError{Op: "ads", Err: err}
		}
		if _, dup := seen[ad.CampaignID]; dup {
			continue
		}
		seen[ad.CampaignID] = struct{}{}
		if ad.VideoID == "" {
			ad.VideoID = hit.ID
		}
		if debug {
			ad.Debug = debugInfo(hit)
		}
		out = append(out, ad)
	}
	return out, nil
}
