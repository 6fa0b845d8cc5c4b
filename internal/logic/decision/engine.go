// Package decision assembles the ordered slot list of a content decision
// from the ad, organic and channel processors.
package decision

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patrickwarner/decisionengine/internal/config"
	"github.com/patrickwarner/decisionengine/internal/logic"
	"github.com/patrickwarner/decisionengine/internal/models"
	"github.com/patrickwarner/decisionengine/internal/observability"
)

var tracer = observability.Tracer("decisionengine/decision")

// AdSource returns deduplicated ads.
type AdSource interface {
	FetchAds(ctx context.Context, tc *models.TargetingContext, limit int) ([]models.AdCandidate, error)
}

// OrganicSource returns targeted organic videos and their untargeted backfill.
type OrganicSource interface {
	FetchOrganic(ctx context.Context, tc *models.TargetingContext, limit int, excluded []string) ([]models.OrganicCandidate, error)
	Untargeted(ctx context.Context, tc *models.TargetingContext, positions int, targeted []models.OrganicCandidate) ([]models.OrganicCandidate, error)
}

// ChannelSource returns the eligible videos of channels or a playlist.
type ChannelSource interface {
	FetchChannelVideos(ctx context.Context, channels []string, playlist, sortOrder string, limit int) ([]models.OrganicCandidate, error)
}

// Options holds the decision level settings.
type Options struct {
	DefaultPattern string
	MaxChannels    int
	MaxImpressions int
	RequestTimeout time.Duration
}

// OptionsFromConfig extracts the engine settings from cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		DefaultPattern: cfg.DefaultPattern,
		MaxChannels:    cfg.MaxChannels,
		MaxImpressions: cfg.MaxImpressions,
		RequestTimeout: cfg.RequestTimeout,
	}
}

// Engine answers decision requests. It holds no per-request state and is
// safe for concurrent use.
type Engine struct {
	ads      AdSource
	organic  OrganicSource
	channels ChannelSource
	opts     Options
	logger   *zap.Logger
	metrics  observability.MetricsRegistry
	now      func() time.Time
}

// NewEngine builds an Engine over the three candidate sources.
func NewEngine(ads AdSource, organic OrganicSource, channels ChannelSource, opts Options, logger *zap.Logger, metrics observability.MetricsRegistry) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if opts.DefaultPattern == "" {
		opts.DefaultPattern = "oop"
	}
	return &Engine{
		ads:      ads,
		organic:  organic,
		channels: channels,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Prepare normalizes tc, resolves its pattern and adds every id shown at
// least MaxImpressions times to the exclusion list. The result is used for
// this call only.
func (e *Engine) Prepare(tc models.TargetingContext) models.TargetingContext {
	out := tc.Normalize(e.now())
	out.Pattern = models.ResolvePattern(tc.Pattern, e.opts.DefaultPattern)
	out.SortOrder = strings.ToLower(strings.TrimSpace(out.SortOrder))

	if e.opts.MaxImpressions > 0 && len(out.ImpressionHistory) > 0 {
		ids := make([]string, 0, len(out.ImpressionHistory))
		for id, n := range out.ImpressionHistory {
			if n >= e.opts.MaxImpressions {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		for range ids {
			e.metrics.IncrementImpressionExclusions()
		}
		out.ExcludedIDs = appendMissing(out.ExcludedIDs, ids)
	}
	return out
}

// Decide returns at most positions slots for tc. allowedTypes selects the
// inventory: "promoted" (also the default), "organic", "promoted,channel"
// or "promoted,organic".
func (e *Engine) Decide(ctx context.Context, tc models.TargetingContext, positions int, allowedTypes string) (models.DecisionResult, error) {
	kind := dispatchKind(allowedTypes)
	ctx, span := tracer.Start(ctx, "decision.decide")
	defer span.End()
	span.SetAttributes(attribute.String("decision.type", kind), attribute.Int("decision.positions", positions))

	if positions <= 0 {
		err := logic.NewValidationError("positions must be a positive integer")
		e.record(kind, err, 0)
		return models.DecisionResult{}, err
	}

	if e.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RequestTimeout)
		defer cancel()
	}

	prepared := e.Prepare(tc)
	items, err := e.dispatch(ctx, kind, &prepared, positions)
	if err != nil && ctx.Err() != nil && !logic.IsClientError(err) {
		err = &logic.UpstreamError{Op: "decision", Err: ctx.Err()}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.record(kind, err, 0)
		return models.DecisionResult{}, err
	}

	if len(items) > positions {
		items = items[:positions]
	}
	e.record(kind, nil, len(items))
	e.logger.Debug("decision served",
		zap.String("type", kind),
		zap.Int("positions", positions),
		zap.Int("served", len(items)),
		zap.String("pattern", prepared.Pattern))
	span.SetAttributes(attribute.Int("decision.served", len(items)))
	return models.DecisionResult{Items: items, Pattern: prepared.Pattern}, nil
}

func (e *Engine) record(kind string, err error, served int) {
	outcome := "served"
	switch {
	case logic.IsClientError(err):
		outcome = "client_error"
	case err != nil:
		outcome = "error"
	case served == 0:
		outcome = "empty"
	}
	e.metrics.IncrementDecisions(kind, outcome)
}

// dispatchKind maps the caller's selector to one of the four request types.
func dispatchKind(allowedTypes string) string {
	parts := models.SplitTypes(allowedTypes)
	switch len(parts) {
	case 1:
		if parts[0] == models.TypeOrganic {
			return models.TypeOrganic
		}
	case 2:
		has := func(t string) bool { return parts[0] == t || parts[1] == t }
		switch {
		case has(models.TypePromoted) && has("channel"):
			return models.TypePromotedChannel
		case has(models.TypePromoted) && has(models.TypeOrganic):
			return models.TypePromotedOrganic
		}
	}
	return models.TypePromoted
}

func (e *Engine) dispatch(ctx context.Context, kind string, tc *models.TargetingContext, positions int) ([]models.Candidate, error) {
	switch kind {
	case models.TypeOrganic:
		return e.organicOnly(ctx, tc, positions)
	case models.TypePromotedChannel:
		if len(tc.Channels) == 0 && strings.TrimSpace(tc.Playlist) == "" {
			return nil, logic.ErrNoChannels
		}
		if e.opts.MaxChannels > 0 && len(tc.Channels) > e.opts.MaxChannels {
			return nil, logic.ErrTooManyChannels
		}
		return e.withAds(ctx, tc, positions, func(ctx context.Context) ([]models.OrganicCandidate, error) {
			return e.channels.FetchChannelVideos(ctx, tc.Channels, tc.Playlist, tc.SortOrder, positions)
		})
	case models.TypePromotedOrganic:
		return e.withAds(ctx, tc, positions, func(ctx context.Context) ([]models.OrganicCandidate, error) {
			return e.organic.FetchOrganic(ctx, tc, positions, tc.ExcludedIDs)
		})
	default:
		ads, err := e.ads.FetchAds(ctx, tc, positions)
		if err != nil {
			return nil, err
		}
		return adSlots(ads), nil
	}
}

func (e *Engine) organicOnly(ctx context.Context, tc *models.TargetingContext, positions int) ([]models.Candidate, error) {
	targeted, err := e.organic.FetchOrganic(ctx, tc, positions, tc.ExcludedIDs)
	if err != nil {
		return nil, err
	}
	if len(targeted) >= positions {
		return organicSlots(targeted, positions), nil
	}
	untargeted, err := e.organic.Untargeted(ctx, tc, positions, targeted)
	if err != nil {
		return nil, err
	}
	return Merge(positions, tc.Pattern, nil, targeted, untargeted), nil
}

// withAds fetches ads and the targeted videos in parallel, then merges,
// backfilling with untargeted organic videos when both together fall short.
func (e *Engine) withAds(ctx context.Context, tc *models.TargetingContext, positions int, videosFn func(context.Context) ([]models.OrganicCandidate, error)) ([]models.Candidate, error) {
	var (
		ads    []models.AdCandidate
		videos []models.OrganicCandidate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ads, err = e.ads.FetchAds(gctx, tc, positions)
		return err
	})
	g.Go(func() error {
		var err error
		videos, err = videosFn(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	switch {
	case len(ads) > 0 && len(videos) > 0 && len(ads)+len(videos) >= positions:
		return Merge(positions, tc.Pattern, ads, videos, nil), nil
	case len(ads) == 0 && len(videos) >= positions:
		return organicSlots(videos, positions), nil
	}

	untargeted, err := e.organic.Untargeted(ctx, tc, positions, videos)
	if err != nil {
		return nil, err
	}
	return Merge(positions, tc.Pattern, ads, videos, untargeted), nil
}

func appendMissing(dst, ids []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, id := range dst {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			dst = append(dst, id)
			seen[id] = struct{}{}
		}
	}
	return dst
}
