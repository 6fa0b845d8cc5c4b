package processors

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/bulkhead"
	"github.com/patrickwarner/decisionengine/internal/cache"
	"github.com/patrickwarner/decisionengine/internal/catalog"
	"github.com/patrickwarner/decisionengine/internal/config"
	"github.com/patrickwarner/decisionengine/internal/logic"
	"github.com/patrickwarner/decisionengine/internal/logic/filters"
	"github.com/patrickwarner/decisionengine/internal/models"
	"github.com/patrickwarner/decisionengine/internal/observability"
	"github.com/patrickwarner/decisionengine/internal/search"
)

type fakeStore struct {
	mu       sync.Mutex
	requests []search.Request
	respond  func(req search.Request) (*search.Result, error)
	bulk     [][]search.Document
}

func (s *fakeStore) Search(_ context.Context, req search.Request) (*search.Result, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	respond := s.respond
	s.mu.Unlock()
	if respond == nil {
		return &search.Result{}, nil
	}
	return respond(req)
}

func (s *fakeStore) BulkIndex(_ context.Context, _ string, docs []search.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulk = append(s.bulk, docs)
	return nil
}

func (s *fakeStore) Health(context.Context, ...string) (string, error) { return "green", nil }
func (s *fakeStore) Count(context.Context, string) (int64, error)      { return 0, nil }

func (s *fakeStore) calls() []search.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]search.Request(nil), s.requests...)
}

func hit(id string, source any) search.Hit {
	b, _ := json.Marshal(source)
	return search.Hit{ID: id, Score: 1, Source: b}
}

func adHits(pairs ...string) *search.Result {
	res := &search.Result{}
	for i := 0; i+1 < len(pairs); i += 2 {
		res.Hits = append(res.Hits, hit(pairs[i], map[string]string{"ad": pairs[i], "campaign": pairs[i+1], "video_id": pairs[i]}))
	}
	return res
}

func videoHits(ids ...string) *search.Result {
	res := &search.Result{}
	for _, id := range ids {
		res.Hits = append(res.Hits, hit(id, map[string]string{"video_id": id}))
	}
	return res
}

// monday 10:30 at UTC+1
var requestTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.FixedZone("", 3600))

func targeting(mutate func(tc *models.TargetingContext)) *models.TargetingContext {
	tc := models.TargetingContext{Time: requestTime}
	if mutate != nil {
		mutate(&tc)
	}
	n := tc.Normalize(requestTime)
	return &n
}

func testScoring() Scoring {
	return ScoringFromConfig(config.Load())
}

func testBulkhead(name string) *bulkhead.Bulkhead {
	return bulkhead.New(bulkhead.Config{Name: name, MaxConcurrent: 10, Timeout: time.Second}, zap.NewNop(), nil)
}

func TestAdQueryFilters(t *testing.T) {
	p := NewAdProcessor(&fakeStore{}, "promoted", testScoring(), nil, nil, nil)
	tc := targeting(func(tc *models.TargetingContext) {
		tc.Categories = []string{"News"}
		tc.Locations = []string{"FR"}
		tc.Device = "mobile"
		tc.ExcludedIDs = []string{"v9"}
	})

	req := p.Query(tc, 3)
	assert.Equal(t, 12, req.Size)
	assert.True(t, req.HasMust("categories"))
	assert.True(t, req.HasMustNot("excluded_categories"))
	assert.True(t, req.HasMustNot("excluded_locations"))
	assert.True(t, req.HasMustNot("video_id"))

	body, err := req.Body()
	require.NoError(t, err)
	bs := string(body)
	assert.Contains(t, bs, `"timetable":"monday:10:false"`)
	assert.Contains(t, bs, `"devices":["all","mobile"]`)
	assert.Contains(t, bs, `"formats":["all"]`)
	assert.Contains(t, bs, `"paused":true`)
	assert.Contains(t, bs, `"excluded_locations":["fr"]`)
	assert.Equal(t, "internal_cpv", gjson.GetBytes(body, "query.function_score.functions.1.field_value_factor.field").String())
}

func TestAdQuerySkipsCategoriesForWidgets(t *testing.T) {
	p := NewAdProcessor(&fakeStore{}, "promoted", testScoring(), nil, nil, nil)
	tc := targeting(func(tc *models.TargetingContext) {
		tc.Categories = []string{"news"}
		tc.Format = "in-widget"
	})

	req := p.Query(tc, 1)
	assert.False(t, req.HasMust("categories"))
	assert.False(t, req.HasMustNot("excluded_categories"))
	assert.False(t, req.HasMustNot("excluded_locations"), "wildcard-only locations are not excluded")
}

func TestFetchAdsDedupesByCampaign(t *testing.T) {
	store := &fakeStore{respond: func(search.Request) (*search.Result, error) {
		return adHits("a1", "c1", "a2", "c1", "a3", "c2", "a4", "c3"), nil
	}}
	metrics := observability.NewMockMetricsRegistry()
	p := NewAdProcessor(store, "promoted", testScoring(), testBulkhead("ads"), nil, metrics)

	ads, err := p.FetchAds(context.Background(), targeting(nil), 2)
	require.NoError(t, err)
	require.Len(t, ads, 2)
	assert.Equal(t, "a1", ads[0].AdID)
	assert.Equal(t, "a3", ads[1].AdID)
	assert.Empty(t, ads[0].Debug)
	assert.Equal(t, 2, metrics.Count("ads_served"))
	assert.Equal(t, 1, metrics.Count("query", "ads"))
}

func TestFetchAdsRetriesOnceWithoutExclusions(t *testing.T) {
	store := &fakeStore{respond: func(req search.Request) (*search.Result, error) {
		if req.HasMustNot("video_id") {
			return &search.Result{}, nil
		}
		return adHits("a1", "c1"), nil
	}}
	p := NewAdProcessor(store, "promoted", testScoring(), nil, nil, nil)

	ads, err := p.FetchAds(context.Background(), targeting(func(tc *models.TargetingContext) {
		tc.ExcludedIDs = []string{"a1"}
	}), 2)
	require.NoError(t, err)
	require.Len(t, ads, 1)
	calls := store.calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].HasMustNot("video_id"))
	assert.False(t, calls[1].HasMustNot("video_id"))
}

func TestFetchAdsNoRetryWithoutExclusions(t *testing.T) {
	store := &fakeStore{}
	p := NewAdProcessor(store, "promoted", testScoring(), nil, nil, nil)

	ads, err := p.FetchAds(context.Background(), targeting(nil), 2)
	require.NoError(t, err)
	assert.Empty(t, ads)
	assert.Len(t, store.calls(), 1)
}

func TestFetchAdsErrors(t *testing.T) {
	p := NewAdProcessor(&fakeStore{}, "promoted", testScoring(), nil, nil, nil)
	_, err := p.FetchAds(context.Background(), nil, 2)
	assert.True(t, logic.IsClientError(err))

	failing := &fakeStore{respond: func(search.Request) (*search.Result, error) {
		return nil, &logic.UpstreamError{Op: "search", Status: 500, Err: errors.New("boom")}
	}}
	p = NewAdProcessor(failing, "promoted", testScoring(), testBulkhead("ads"), nil, nil)
	_, err = p.FetchAds(context.Background(), targeting(nil), 2)
	require.Error(t, err)
	assert.False(t, logic.IsClientError(err))
}

func TestFetchAdsDebugExplains(t *testing.T) {
	store := &fakeStore{respond: func(search.Request) (*search.Result, error) {
		res := adHits("a1", "c1")
		res.Hits[0].Explanation = json.RawMessage(`{"value": 1, "description": "sum of"}`)
		return res, nil
	}}
	p := NewAdProcessor(store, "promoted", testScoring(), nil, nil, nil)

	ads, err := p.FetchAds(context.Background(), targeting(func(tc *models.TargetingContext) { tc.Debug = true }), 1)
	require.NoError(t, err)
	require.Len(t, ads, 1)
	assert.Contains(t, ads[0].Debug, "sum of")
	assert.True(t, store.calls()[0].Explain)
}

func TestOrganicQuery(t *testing.T) {
	p := NewOrganicProcessor(&fakeStore{}, "organic", testScoring(), nil, OrganicOptions{}, nil, nil)

	req := p.Query([]string{"fr", "all"}, []string{"all"}, []string{"v1"}, 5, 7, false)
	assert.False(t, req.HasMust("categories"))
	assert.True(t, req.HasMust("languages"))
	assert.True(t, req.HasMustNot("video_id"))
	assert.Equal(t, 5, req.Size)

	body, err := req.Body()
	require.NoError(t, err)
	fs := gjson.GetBytes(body, "query.function_score")
	assert.Equal(t, "replace", fs.Get("boost_mode").String())
	assert.Equal(t, "multiply", fs.Get("score_mode").String())
	assert.Equal(t, 10.0, fs.Get("max_boost").Float())
	assert.Equal(t, "180d", fs.Get("functions.0.gauss.publication_date.scale").String())
	assert.Equal(t, "gold", fs.Get("functions.2.filter.term.channel_tier").String())
	assert.Equal(t, 0.5, fs.Get("functions.2.weight").Float())
	assert.Equal(t, 0.01, fs.Get("functions.4.weight").Float())
	assert.Equal(t, int64(7), fs.Get("functions.5.random_score.seed").Int())

	req = p.Query(nil, []string{"news", "all"}, nil, 5, 7, false)
	assert.True(t, req.HasMust("categories"))
	assert.False(t, req.HasMust("languages"))
}

func TestUntargetedFallsBackToEnglish(t *testing.T) {
	store := &fakeStore{respond: func(req search.Request) (*search.Result, error) {
		body, _ := req.Body()
		langs := gjson.GetBytes(body, "query.function_score.query.bool.filter.0.terms.languages").Raw
		if langs == `["fr","all"]` {
			return videoHits("u1"), nil
		}
		return videoHits("e1", "e2"), nil
	}}
	p := NewOrganicProcessor(store, "organic", testScoring(), nil, OrganicOptions{}, nil, nil)
	tc := targeting(func(tc *models.TargetingContext) { tc.Languages = []string{"fr"} })
	targeted := []models.OrganicCandidate{{VideoID: "t1"}}

	got, err := p.Untargeted(context.Background(), tc, 4, targeted)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "e1", "e2"}, ids(got))

	calls := store.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 3, calls[0].Size)
	assert.Equal(t, 2, calls[1].Size)
	body, _ := calls[1].Body()
	assert.Contains(t, string(body), `"video_id":["t1","u1"]`)
	assert.Contains(t, string(body), `"languages":["en","all"]`)
}

func TestUntargetedExcludesOnlyTargetedIDs(t *testing.T) {
	store := &fakeStore{respond: func(search.Request) (*search.Result, error) {
		return videoHits("u1", "u2"), nil
	}}
	p := NewOrganicProcessor(store, "organic", testScoring(), nil, OrganicOptions{}, nil, nil)
	tc := targeting(func(tc *models.TargetingContext) { tc.ExcludedIDs = []string{"seen1", "seen2"} })

	_, err := p.Untargeted(context.Background(), tc, 3, []models.OrganicCandidate{{VideoID: "t1"}})
	require.NoError(t, err)

	calls := store.calls()
	require.Len(t, calls, 1)
	body, _ := calls[0].Body()
	assert.Contains(t, string(body), `"video_id":["t1"]`)
	assert.NotContains(t, string(body), "seen1")
}

func TestUntargetedDefaultsToEnglishOnce(t *testing.T) {
	store := &fakeStore{}
	p := NewOrganicProcessor(store, "organic", testScoring(), nil, OrganicOptions{}, nil, nil)

	got, err := p.Untargeted(context.Background(), targeting(nil), 3, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.Len(t, store.calls(), 1, "english was already the default language")

	_, err = p.Untargeted(context.Background(), targeting(nil), 1, []models.OrganicCandidate{{VideoID: "t1"}})
	require.NoError(t, err)
	assert.Len(t, store.calls(), 1, "nothing to backfill")
}

func TestFetchOrganicThroughCache(t *testing.T) {
	store := &fakeStore{respond: func(search.Request) (*search.Result, error) {
		return videoHits("v1", "v2", "v3", "v4"), nil
	}}
	metrics := observability.NewMockMetricsRegistry()
	p := NewOrganicProcessor(store, "organic", testScoring(), nil, OrganicOptions{
		CacheEnabled:   true,
		Cache:          cache.Config{MaxSize: 10, RefreshAfter: time.Hour},
		CacheMaxVideos: 20,
	}, nil, metrics)
	defer func() { _ = p.Cache().Close(context.Background()) }()

	tc := targeting(func(tc *models.TargetingContext) { tc.Categories = []string{"news"} })
	got, err := p.FetchOrganic(context.Background(), tc, 2, []string{"v1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"v2", "v3"}, ids(got))

	got, err = p.FetchOrganic(context.Background(), tc, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2", "v3"}, ids(got))

	calls := store.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 20, calls[0].Size)
	assert.Equal(t, 1, metrics.Count("cache", "organic", "hit"))
}

func TestFetchOrganicDebugBypassesCache(t *testing.T) {
	store := &fakeStore{respond: func(search.Request) (*search.Result, error) { return videoHits("v1"), nil }}
	p := NewOrganicProcessor(store, "organic", testScoring(), nil, OrganicOptions{CacheEnabled: true}, nil, nil)
	defer func() { _ = p.Cache().Close(context.Background()) }()

	_, err := p.FetchOrganic(context.Background(), targeting(func(tc *models.TargetingContext) { tc.Debug = true }), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Cache().Stats().Misses)
	assert.True(t, store.calls()[0].Explain)
}

func TestOrganicCacheDisabled(t *testing.T) {
	p := NewOrganicProcessor(&fakeStore{}, "organic", testScoring(), nil, OrganicOptions{}, nil, nil)
	assert.Nil(t, p.Cache())
}

type fakeFetcher struct {
	calls  atomic.Int32
	videos []models.CatalogVideo
	err    error
	last   atomic.Pointer[catalog.Query]
}

func (f *fakeFetcher) Videos(_ context.Context, q catalog.Query) ([]models.CatalogVideo, error) {
	f.calls.Add(1)
	f.last.Store(&q)
	return f.videos, f.err
}

func catalogVideo(id string) models.CatalogVideo {
	return models.CatalogVideo{
		ID:            id,
		Channel:       "news",
		OwnerUsername: "owner-" + id,
		OwnerID:       "oid-" + id,
		OwnerName:     "Owner " + id,
		Title:         "title " + id,
		ThumbnailURL:  "http://s1.cdn.net/" + id + ".jpg",
		CreatedTime:   1700000000,
		AllowEmbed:    true,
		GeoBlocking:   []string{"allow"},
		Ads:           true,
		Mode:          "vod",
		Duration:      60,
		Status:        "published",
	}
}

func newChannelProcessor(f catalog.Fetcher, store search.Store, opts ChannelOptions) *ChannelProcessor {
	opts.ThumbnailDomain = "pxlad.io"
	if opts.Cache.RefreshAfter == 0 {
		opts.Cache.RefreshAfter = time.Hour
	}
	return NewChannelProcessor(f, testBulkhead("channel"), filters.NewAllowlist(nil), store, testBulkhead("bulk"), opts, nil, nil)
}

func TestChannelKeyIgnoresOrder(t *testing.T) {
	a := NewChannelKey([]string{"Sport", "news", "music"}, "", "VISITED")
	b := NewChannelKey([]string{"music", "Sport", " news"}, "", "visited")
	assert.Equal(t, a, b)
	assert.Equal(t, "music,news,Sport", a.Channels)
	assert.Equal(t, "visited", a.Sort)
	assert.Equal(t, SortRecent, NormalizeSort("oldest"))
	assert.Equal(t, SortRandom, NormalizeSort(" Random "))
}

func TestFetchChannelVideosFiltersAndMaps(t *testing.T) {
	bad := catalogVideo("x2")
	bad.Explicit = true
	f := &fakeFetcher{videos: []models.CatalogVideo{catalogVideo("x1"), bad, catalogVideo("x3"), catalogVideo("x4")}}
	p := newChannelProcessor(f, &fakeStore{}, ChannelOptions{MaxVideos: 25, FetchLimit: 100})
	defer func() { _ = p.Close(context.Background()) }()

	got, err := p.FetchChannelVideos(context.Background(), []string{"b", "a"}, "", "bogus", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"x1", "x3"}, ids(got))
	assert.Equal(t, "owner-x1", got[0].Channel)
	assert.Equal(t, "oid-x1", got[0].ChannelID)
	assert.Equal(t, "Owner x1", got[0].ChannelName)
	assert.Equal(t, "//i.pxlad.io/channel-x1.jpg-thumbnail-1", got[0].ResizableThumbnailURL)
	assert.Equal(t, "2023-11-14T22:13:20Z", got[0].PublicationDate)

	q := f.last.Load()
	assert.Equal(t, []string{"a", "b"}, q.Channels)
	assert.Equal(t, SortRecent, q.SortOrder)
	assert.Equal(t, 100, q.Limit)

	got, err = p.FetchChannelVideos(context.Background(), []string{"a", "b"}, "", "recent", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"x1", "x3", "x4"}, ids(got))
	assert.Equal(t, int32(1), f.calls.Load(), "second lookup is a cache hit")
}

func TestFetchChannelVideosCapsCachedListing(t *testing.T) {
	f := &fakeFetcher{videos: []models.CatalogVideo{catalogVideo("x1"), catalogVideo("x2"), catalogVideo("x3")}}
	p := newChannelProcessor(f, &fakeStore{}, ChannelOptions{MaxVideos: 2})
	defer func() { _ = p.Close(context.Background()) }()

	got, err := p.FetchChannelVideos(context.Background(), nil, "x5abc", "", 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "x5abc", f.last.Load().Playlist)
}

func TestFetchChannelVideosRequiresChannels(t *testing.T) {
	p := newChannelProcessor(&fakeFetcher{}, &fakeStore{}, ChannelOptions{})
	defer func() { _ = p.Close(context.Background()) }()

	_, err := p.FetchChannelVideos(context.Background(), []string{" "}, "", "", 3)
	assert.ErrorIs(t, err, logic.ErrNoChannels)
}

func TestFetchChannelVideosPropagatesCatalogErrors(t *testing.T) {
	f := &fakeFetcher{err: logic.NewValidationError("Invalid channel or playlist")}
	p := newChannelProcessor(f, &fakeStore{}, ChannelOptions{})
	defer func() { _ = p.Close(context.Background()) }()

	_, err := p.FetchChannelVideos(context.Background(), []string{"nope"}, "", "", 3)
	assert.True(t, logic.IsClientError(err))
}

func TestChannelLoadIndexesVideos(t *testing.T) {
	store := &fakeStore{}
	f := &fakeFetcher{videos: []models.CatalogVideo{catalogVideo("x1"), catalogVideo("x2")}}
	p := newChannelProcessor(f, store, ChannelOptions{IndexStore: true, Index: "channel"})

	_, err := p.FetchChannelVideos(context.Background(), []string{"a"}, "", "", 1)
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.bulk, 1)
	require.Len(t, store.bulk[0], 2)
	assert.Equal(t, "x1", store.bulk[0][0].ID)
	doc, _ := json.Marshal(store.bulk[0][0].Body)
	assert.Equal(t, "news", gjson.GetBytes(doc, "category").String())
	assert.Equal(t, "x1", gjson.GetBytes(doc, "video_id").String())
}

func TestResizableThumbnail(t *testing.T) {
	assert.Equal(t, "//i.example.com/channel-KatPf.jpg-thumbnail-1", ResizableThumbnail("http://s1.dmcdn.net/KatPf.jpg", "example.com"))
	assert.Empty(t, ResizableThumbnail("", "example.com"))
	assert.Empty(t, ResizableThumbnail("http://s1.dmcdn.net/", "example.com"))
}

func ids(videos []models.OrganicCandidate) []string {
	out := make([]string, len(videos))
	for i, v := range videos {
		out[i] = v.VideoID
	}
	return out
}
