package processors

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/bulkhead"
	"github.com/patrickwarner/decisionengine/internal/cache"
	"github.com/patrickwarner/decisionengine/internal/logic"
	"github.com/patrickwarner/decisionengine/internal/models"
	"github.com/patrickwarner/decisionengine/internal/observability"
	"github.com/patrickwarner/decisionengine/internal/search"
)

// DefaultLanguage backs untargeted queries when the caller named no language.
const DefaultLanguage = "en"

// OrganicOptions configures the optional organic result cache.
type OrganicOptions struct {
	CacheEnabled bool
	Cache        cache.Config
	// CacheMaxVideos is how many videos a cached list holds. Lookups are
	// answered from at most this many candidates.
	CacheMaxVideos int
}

// OrganicProcessor selects editorial videos from the organic index.
type OrganicProcessor struct {
	store     search.Store
	index     string
	scoring   Scoring
	bulkhead  *bulkhead.Bulkhead
	cache     *cache.Cache[models.OrganicKey, []models.OrganicCandidate]
	cacheSize int
	logger    *zap.Logger
	metrics   observability.MetricsRegistry
}

// NewOrganicProcessor builds an OrganicProcessor. When opts enables the cache
// its reload workers start immediately; stop them with Cache().Close.
func NewOrganicProcessor(store search.Store, index string, scoring Scoring, bh *bulkhead.Bulkhead, opts OrganicOptions, logger *zap.Logger, metrics observability.MetricsRegistry) *OrganicProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	p := &OrganicProcessor{
		store:     store,
		index:     index,
		scoring:   scoring,
		bulkhead:  bh,
		cacheSize: opts.CacheMaxVideos,
		logger:    logger,
		metrics:   metrics,
	}
	if opts.CacheEnabled {
		if p.cacheSize <= 0 {
			p.cacheSize = 20
		}
		if opts.Cache.Name == "" {
			opts.Cache.Name = "organic"
		}
		p.cache = cache.New(opts.Cache, p.loadCached, logger, metrics)
	}
	return p
}

// Cache returns the organic result cache, or nil when caching is disabled.
func (p *OrganicProcessor) Cache() cache.Managed {
	if p.cache == nil {
		return nil
	}
	return p.cache
}

// Query builds the organic request for languages and categories, skipping
// excluded ids. seed drives the random tie-break when enabled.
func (p *OrganicProcessor) Query(languages, categories, excluded []string, size int, seed int64, explain bool) search.Request {
	var must, mustNot []search.Filter
	if len(categories) > 0 && !models.OnlyWildcard(categories) {
		must = append(must, search.Terms("categories", categories...))
	}
	if len(languages) > 0 {
		must = append(must, search.Terms("languages", languages...))
	}
	if len(excluded) > 0 {
		mustNot = append(mustNot, search.Terms("video_id", excluded...))
	}

	decay := p.scoring.PubDate
	functions := []search.Function{{Gauss: &decay}, p.scoring.ctrFunction()}
	functions = append(functions, p.scoring.tierFunctions()...)
	if p.scoring.RandomScore {
		functions = append(functions, search.Function{RandomSeed: &seed})
	}

	return search.Request{
		Index:     p.index,
		Query:     search.Bool{Must: must, MustNot: mustNot},
		Functions: functions,
		BoostMode: p.scoring.BoostMode,
		ScoreMode: p.scoring.ScoreMode,
		MaxBoost:  p.scoring.MaxBoost,
		Size:      size,
		Explain:   explain,
	}
}

// FetchOrganic returns up to limit targeted organic videos not in excluded.
// With the cache enabled, non-debug lookups are served from the list cached
// for the context's categories and languages, filtered in memory.
func (p *OrganicProcessor) FetchOrganic(ctx context.Context, tc *models.TargetingContext, limit int, excluded []string) ([]models.OrganicCandidate, error) {
	if err := requireTargeting(tc); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() { p.metrics.RecordQueryLatency("organic", time.Since(start)) }()

	if p.cache != nil && !tc.Debug {
		videos, err := p.cache.Get(ctx, tc.OrganicKey())
		if err == nil {
			return takeExcluding(videos, excluded, limit), nil
		}
		if logic.IsClientError(err) {
			return nil, err
		}
		p.logger.Warn("organic cache lookup failed, querying backend directly", zap.Error(err))
	}

	req := p.Query(tc.Languages, tc.Categories, excluded, limit, tc.Time.Unix(), tc.Debug)
	return p.search(ctx, req, tc.Debug)
}

// Untargeted backfills up to positions-len(targeted) videos using only a
// language filter: first the caller's languages (or DefaultLanguage), then,
// if still short and DefaultLanguage was not among them, DefaultLanguage.
// Only the targeted ids are excluded; the caller's exclusion list applies to
// targeted candidacy.
func (p *OrganicProcessor) Untargeted(ctx context.Context, tc *models.TargetingContext, positions int, targeted []models.OrganicCandidate) ([]models.OrganicCandidate, error) {
	if err := requireTargeting(tc); err != nil {
		return nil, err
	}
	want := positions - len(targeted)
	if want <= 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() { p.metrics.RecordQueryLatency("untargeted", time.Since(start)) }()

	languages := models.Explicit(tc.Languages)
	if len(languages) == 0 {
		languages = []string{DefaultLanguage}
	}
	excluded := make([]string, 0, len(targeted))
	for _, v := range targeted {
		excluded = append(excluded, v.VideoID)
	}

	seed := tc.Time.Unix()
	out, err := p.search(ctx, p.Query(withWildcardTerm(languages), nil, excluded, want, seed, tc.Debug), tc.Debug)
	if err != nil {
		return nil, err
	}
	if len(out) >= want || containsFold(languages, DefaultLanguage) {
		return out, nil
	}

	for _, v := range out {
		excluded = append(excluded, v.VideoID)
	}
	fallback, err := p.search(ctx, p.Query(withWildcardTerm([]string{DefaultLanguage}), nil, excluded, want-len(out), seed, tc.Debug), tc.Debug)
	if err != nil {
		return nil, err
	}
	return append(out, fallback...), nil
}

// loadCached fills the cache for one (categories, languages) pair.
func (p *OrganicProcessor) loadCached(ctx context.Context, key models.OrganicKey) ([]models.OrganicCandidate, error) {
	req := p.Query(splitKey(key.Languages), splitKey(key.Categories), nil, p.cacheSize, time.Now().Unix(), false)
	return p.search(ctx, req, false)
}

func (p *OrganicProcessor) search(ctx context.Context, req search.Request, debug bool) ([]models.OrganicCandidate, error) {
	res, err := bulkhead.Do(ctx, p.bulkhead, func(ctx context.Context) (*search.Result, error) {
		return p.store.Search(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.OrganicCandidate, 0, len(res.Hits))
	for _, hit := range res.Hits {
		var v models.OrganicCandidate
		if err := json.Unmarshal(hit.Source, &v); err != nil {
			return nil, &logic.UpstreamError{Op: "organic", Err: err}
		}
		if v.VideoID == "" {
			v.VideoID = hit.ID
		}
		if debug {
			v.Debug = debugInfo(hit)
		}
		out = append(out, v)
	}
	return out, nil
}

// takeExcluding copies up to limit videos whose id is not excluded.
func takeExcluding(videos []models.OrganicCandidate, excluded []string, limit int) []models.OrganicCandidate {
	skip := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}
	out := make([]models.OrganicCandidate, 0, min(limit, len(videos)))
	for _, v := range videos {
		if len(out) >= limit {
			break
		}
		if _, ok := skip[v.VideoID]; ok {
			continue
		}
		out = append(out, v)
	}
	return out
}

func withWildcardTerm(values []string) []string {
	if containsFold(values, models.WildcardTerm) {
		return values
	}
	return append(append([]string(nil), values...), models.WildcardTerm)
}

func splitKey(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
