package decision

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/decisionengine/internal/logic"
	"github.com/patrickwarner/decisionengine/internal/models"
	"github.com/patrickwarner/decisionengine/internal/observability"
)

type fakeAds struct {
	ads   []models.AdCandidate
	err   error
	block bool

	mu   sync.Mutex
	seen []models.TargetingContext
}

func (f *fakeAds) FetchAds(ctx context.Context, tc *models.TargetingContext, limit int) ([]models.AdCandidate, error) {
	f.mu.Lock()
	f.seen = append(f.seen, *tc)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.ads) > limit {
		return f.ads[:limit], nil
	}
	return f.ads, nil
}

type fakeOrganic struct {
	targeted   []models.OrganicCandidate
	untargeted []models.OrganicCandidate
	err        error

	mu              sync.Mutex
	untargetedCalls int
	excluded        []string
}

func (f *fakeOrganic) FetchOrganic(_ context.Context, _ *models.TargetingContext, limit int, excluded []string) ([]models.OrganicCandidate, error) {
	f.mu.Lock()
	f.excluded = excluded
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.targeted) > limit {
		return f.targeted[:limit], nil
	}
	return f.targeted, nil
}

func (f *fakeOrganic) Untargeted(_ context.Context, _ *models.TargetingContext, positions int, targeted []models.OrganicCandidate) ([]models.OrganicCandidate, error) {
	f.mu.Lock()
	f.untargetedCalls++
	f.mu.Unlock()
	want := positions - len(targeted)
	if want <= 0 {
		return nil, nil
	}
	if len(f.untargeted) > want {
		return f.untargeted[:want], nil
	}
	return f.untargeted, nil
}

type fakeChannels struct {
	videos []models.OrganicCandidate
	err    error
	sort   string
}

func (f *fakeChannels) FetchChannelVideos(_ context.Context, _ []string, _ string, sortOrder string, limit int) ([]models.OrganicCandidate, error) {
	f.sort = sortOrder
	if f.err != nil {
		return nil, f.err
	}
	if len(f.videos) > limit {
		return f.videos[:limit], nil
	}
	return f.videos, nil
}

func newEngine(a *fakeAds, o *fakeOrganic, c *fakeChannels, metrics observability.MetricsRegistry) *Engine {
	return NewEngine(a, o, c, Options{DefaultPattern: "oop", MaxChannels: 3, MaxImpressions: 3, RequestTimeout: time.Second}, nil, metrics)
}

func TestDecideDefaultsToAds(t *testing.T) {
	a := &fakeAds{ads: ads("a1", "a2", "a3")}
	e := newEngine(a, &fakeOrganic{}, &fakeChannels{}, nil)

	for _, typ := range []string{"", "promoted", "PROMOTED", "bogus"} {
		res, err := e.Decide(context.Background(), models.TargetingContext{}, 2, typ)
		require.NoError(t, err)
		assert.Equal(t, "p:a1 p:a2", layout(res.Items), typ)
	}
}

func TestDecideOrganicEnoughTargeted(t *testing.T) {
	o := &fakeOrganic{targeted: videos("t1", "t2", "t3")}
	e := newEngine(&fakeAds{}, o, &fakeChannels{}, nil)

	res, err := e.Decide(context.Background(), models.TargetingContext{}, 3, "organic")
	require.NoError(t, err)
	assert.Equal(t, "o:t1 o:t2 o:t3", layout(res.Items))
	assert.Equal(t, 0, o.untargetedCalls)
}

func TestDecideOrganicBackfills(t *testing.T) {
	o := &fakeOrganic{targeted: videos("t1"), untargeted: videos("u1", "u2", "u3")}
	e := newEngine(&fakeAds{}, o, &fakeChannels{}, nil)

	res, err := e.Decide(context.Background(), models.TargetingContext{}, 3, "organic")
	require.NoError(t, err)
	assert.Equal(t, "o:t1 o:u1 o:u2", layout(res.Items))
	assert.Equal(t, 1, o.untargetedCalls)
}

func TestDecideChannelValidation(t *testing.T) {
	e := newEngine(&fakeAds{}, &fakeOrganic{}, &fakeChannels{}, nil)

	_, err := e.Decide(context.Background(), models.TargetingContext{}, 3, "promoted,channel")
	assert.ErrorIs(t, err, logic.ErrNoChannels)
	assert.Equal(t, http.StatusBadRequest, logic.HTTPStatus(err))

	_, err = e.Decide(context.Background(), models.TargetingContext{Channels: []string{"a", "b", "c", "d"}}, 3, "promoted,channel")
	assert.ErrorIs(t, err, logic.ErrTooManyChannels)

	_, err = e.Decide(context.Background(), models.TargetingContext{Playlist: "x5"}, 3, "promoted,channel")
	assert.NoError(t, err)
}

func TestDecideChannelMergesWithoutBackfill(t *testing.T) {
	o := &fakeOrganic{untargeted: videos("u1")}
	c := &fakeChannels{videos: videos("c1", "c2")}
	e := newEngine(&fakeAds{ads: ads("a1")}, o, c, nil)

	res, err := e.Decide(context.Background(), models.TargetingContext{Channels: []string{"x"}, SortOrder: " Visited "}, 3, "promoted,channel")
	require.NoError(t, err)
	assert.Equal(t, "o:c1 o:c2 p:a1", layout(res.Items))
	assert.Equal(t, 0, o.untargetedCalls)
	assert.Equal(t, "visited", c.sort)
}

func TestDecideChannelOnlyVideosWhenNoAds(t *testing.T) {
	o := &fakeOrganic{}
	e := newEngine(&fakeAds{}, o, &fakeChannels{videos: videos("c1", "c2", "c3")}, nil)

	res, err := e.Decide(context.Background(), models.TargetingContext{Channels: []string{"x"}}, 3, "promoted,channel")
	require.NoError(t, err)
	assert.Equal(t, "o:c1 o:c2 o:c3", layout(res.Items))
	assert.Equal(t, 0, o.untargetedCalls)
}

func TestDecidePromotedOrganicBackfills(t *testing.T) {
	o := &fakeOrganic{targeted: videos("t1"), untargeted: videos("u1", "u2", "u3")}
	e := newEngine(&fakeAds{ads: ads("a1")}, o, &fakeChannels{}, nil)

	res, err := e.Decide(context.Background(), models.TargetingContext{Pattern: "pooo"}, 4, "promoted,organic")
	require.NoError(t, err)
	assert.Equal(t, "p:a1 o:t1 o:u1 o:u2", layout(res.Items))
	assert.Equal(t, 1, o.untargetedCalls)
}

func TestDecideInvalidPatternUsesDefault(t *testing.T) {
	o := &fakeOrganic{targeted: videos("t1", "t2", "t3")}
	e := newEngine(&fakeAds{ads: ads("a1", "a2")}, o, &fakeChannels{}, nil)

	res, err := e.Decide(context.Background(), models.TargetingContext{Pattern: "xyz"}, 3, "promoted,organic")
	require.NoError(t, err)
	assert.Equal(t, "o:t1 o:t2 p:a1", layout(res.Items))
	assert.Equal(t, "oop", res.Pattern)
}

func TestDecideExcludesOverexposedVideos(t *testing.T) {
	a := &fakeAds{ads: ads("a1")}
	o := &fakeOrganic{targeted: videos("t1")}
	metrics := observability.NewMockMetricsRegistry()
	e := newEngine(a, o, &fakeChannels{}, metrics)

	tc := models.TargetingContext{
		ImpressionHistory: map[string]int{"v1": 3, "v2": 1, "v3": 7},
		ExcludedIDs:       []string{"v0", "v3"},
	}
	_, err := e.Decide(context.Background(), tc, 2, "promoted,organic")
	require.NoError(t, err)

	require.Len(t, a.seen, 1)
	assert.Equal(t, []string{"v0", "v3", "v1"}, a.seen[0].ExcludedIDs)
	assert.Equal(t, []string{"v0", "v3", "v1"}, o.excluded)
	assert.Equal(t, 2, metrics.Count("impression_exclusions"))
	assert.Equal(t, []string{"v0", "v3"}, tc.ExcludedIDs, "caller context is not mutated")
}

func TestDecideClearedHistoryRestoresEligibility(t *testing.T) {
	a := &fakeAds{ads: ads("a1")}
	e := newEngine(a, &fakeOrganic{}, &fakeChannels{}, nil)

	_, err := e.Decide(context.Background(), models.TargetingContext{ImpressionHistory: map[string]int{"v1": 3}}, 1, "promoted")
	require.NoError(t, err)
	_, err = e.Decide(context.Background(), models.TargetingContext{}, 1, "promoted")
	require.NoError(t, err)

	require.Len(t, a.seen, 2)
	assert.Contains(t, a.seen[0].ExcludedIDs, "v1")
	assert.NotContains(t, a.seen[1].ExcludedIDs, "v1")
}

func TestDecideNormalizesContext(t *testing.T) {
	a := &fakeAds{}
	e := newEngine(a, &fakeOrganic{}, &fakeChannels{}, nil)

	_, err := e.Decide(context.Background(), models.TargetingContext{Languages: []string{"FR"}}, 1, "")
	require.NoError(t, err)
	require.Len(t, a.seen, 1)
	assert.Equal(t, []string{"fr", "all"}, a.seen[0].Languages)
	assert.Equal(t, []string{"all"}, a.seen[0].Categories)
	assert.False(t, a.seen[0].Time.IsZero())
	assert.Equal(t, "oop", a.seen[0].Pattern)
}

func TestDecideFailures(t *testing.T) {
	metrics := observability.NewMockMetricsRegistry()
	upstream := &logic.UpstreamError{Op: "organic", Err: errors.New("boom")}
	e := newEngine(&fakeAds{ads: ads("a1")}, &fakeOrganic{err: upstream}, &fakeChannels{}, metrics)

	_, err := e.Decide(context.Background(), models.TargetingContext{}, 2, "promoted,organic")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, logic.HTTPStatus(err))
	assert.Equal(t, 1, metrics.Count("decisions", "promoted,organic", "error"))

	_, err = e.Decide(context.Background(), models.TargetingContext{}, 0, "organic")
	assert.True(t, logic.IsClientError(err))
	assert.Equal(t, 1, metrics.Count("decisions", "organic", "client_error"))
}

func TestDecideRequestTimeout(t *testing.T) {
	e := NewEngine(&fakeAds{block: true}, &fakeOrganic{}, &fakeChannels{}, Options{RequestTimeout: 20 * time.Millisecond}, nil, nil)

	start := time.Now()
	_, err := e.Decide(context.Background(), models.TargetingContext{}, 2, "promoted")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, http.StatusGatewayTimeout, logic.HTTPStatus(err))
	assert.False(t, logic.IsClientError(err))
}

func TestDispatchKind(t *testing.T) {
	cases := map[string]string{
		"":                  models.TypePromoted,
		"organic":           models.TypeOrganic,
		"Promoted,Channel":  models.TypePromotedChannel,
		"channel,promoted":  models.TypePromotedChannel,
		"promoted,organic":  models.TypePromotedOrganic,
		"organic,channel":   models.TypePromoted,
		"promoted,organic,": models.TypePromoted,
	}
	for in, want := range cases {
		assert.Equal(t, want, dispatchKind(in), in)
	}
}
