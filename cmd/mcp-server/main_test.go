package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/analytics"
	"github.com/patrickwarner/decisionengine/internal/cache"
	"github.com/patrickwarner/decisionengine/internal/logic"
	"github.com/patrickwarner/decisionengine/internal/models"
)

type fakeDecider struct {
	result    models.DecisionResult
	err       error
	tc        models.TargetingContext
	positions int
	types     string
}

func (f *fakeDecider) Decide(_ context.Context, tc models.TargetingContext, positions int, allowedTypes string) (models.DecisionResult, error) {
	f.tc, f.positions, f.types = tc, positions, allowedTypes
	return f.result, f.err
}

type fakeCache struct {
	name  string
	stats cache.Stats
}

func (f *fakeCache) Name() string                { return f.name }
func (f *fakeCache) Stats() cache.Stats          { return f.stats }
func (f *fakeCache) InvalidateAll()              {}
func (f *fakeCache) Close(context.Context) error { return nil }

type fakeEvents struct {
	events []analytics.DecisionEvent
	id     string
}

func (f *fakeEvents) GetDecisionsByRequestID(_ context.Context, id string) ([]analytics.DecisionEvent, error) {
	f.id = id
	return f.events, nil
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestDecideTool(t *testing.T) {
	d := &fakeDecider{result: models.DecisionResult{Items: []models.Candidate{
		models.OrganicSlot(models.OrganicCandidate{VideoID: "v1"}),
		models.AdSlot(models.AdCandidate{AdID: "a1", VideoID: "v2"}),
	}}}
	ts := &ToolServer{engine: d, defaultPattern: "oop", logger: zap.NewNop()}

	res, _, err := ts.Decide(context.Background(), nil, models.DecisionRequest{
		Positions: 2, Type: "promoted,organic", Languages: []string{"en"}, Pattern: "xyz",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, d.positions)
	assert.Equal(t, "promoted,organic", d.types)
	assert.Equal(t, "oop", d.tc.Pattern)

	var out models.DecisionResult
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	require.Len(t, out.Items, 2)
	assert.Equal(t, "v1", out.Items[0].ID())
	assert.Equal(t, models.KindAd, out.Items[1].Kind)
}

func TestDecideToolDefaultsAndErrors(t *testing.T) {
	d := &fakeDecider{}
	ts := &ToolServer{engine: d, logger: zap.NewNop()}

	res, _, err := ts.Decide(context.Background(), nil, models.DecisionRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, d.positions)
	assert.JSONEq(t, `{"_items":[]}`, text(t, res))

	_, _, err = ts.Decide(context.Background(), nil, models.DecisionRequest{Time: "yesterday"})
	assert.Error(t, err)

	d.err = logic.ErrNoChannels
	_, _, err = ts.Decide(context.Background(), nil, models.DecisionRequest{Type: "promoted,channel"})
	assert.ErrorIs(t, err, logic.ErrNoChannels)
}

func TestCacheStatsTool(t *testing.T) {
	ts := &ToolServer{caches: []cache.Managed{
		&fakeCache{name: "organic", stats: cache.Stats{Name: "organic", Hits: 3, Misses: 1, Size: 2}},
		&fakeCache{name: "channel", stats: cache.Stats{Name: "channel", LoadFailure: 1}},
	}, logger: zap.NewNop()}

	_, out, err := ts.CacheStats(context.Background(), nil, struct{}{})
	require.NoError(t, err)
	require.Len(t, out.Caches, 2)
	assert.Equal(t, "channel", out.Caches[0].Name)
	assert.Equal(t, "organic", out.Caches[1].Name)
	assert.InDelta(t, 0.75, out.Caches[1].HitRate, 1e-9)
	assert.Equal(t, 2, out.Caches[1].Size)
}

func TestDecisionEventsTool(t *testing.T) {
	ts := &ToolServer{logger: zap.NewNop()}
	_, _, err := ts.DecisionEvents(context.Background(), nil, DecisionEventsInput{RequestID: "r1"})
	assert.True(t, errors.Is(err, analytics.ErrUnavailable))

	ev := &fakeEvents{events: []analytics.DecisionEvent{{RequestID: "r1", Type: "organic", Served: 3, Timestamp: time.Unix(0, 0).UTC()}}}
	ts.events = ev
	_, _, err = ts.DecisionEvents(context.Background(), nil, DecisionEventsInput{RequestID: " "})
	assert.Error(t, err)

	res, _, err := ts.DecisionEvents(context.Background(), nil, DecisionEventsInput{RequestID: " r1 "})
	require.NoError(t, err)
	assert.Equal(t, "r1", ev.id)
	assert.Contains(t, text(t, res), `"organic"`)
}

func TestServerListsTools(t *testing.T) {
	ctx := context.Background()
	ts := &ToolServer{engine: &fakeDecider{}, events: &fakeEvents{}, logger: zap.NewNop()}
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	serverSession, err := newMCPServer(ts).Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer serverSession.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	list, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	names := []string{}
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"decide", "cache_stats", "decision_events"}, names)
}
