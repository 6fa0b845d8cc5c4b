package processors

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/bulkhead"
	"github.com/patrickwarner/decisionengine/internal/cache"
	"github.com/patrickwarner/decisionengine/internal/catalog"
	"github.com/patrickwarner/decisionengine/internal/logic"
	"github.com/patrickwarner/decisionengine/internal/logic/filters"
	"github.com/patrickwarner/decisionengine/internal/models"
	"github.com/patrickwarner/decisionengine/internal/observability"
	"github.com/patrickwarner/decisionengine/internal/search"
)

// Catalog sort orders accepted for channel requests.
const (
	SortRecent  = "recent"
	SortVisited = "visited"
	SortRandom  = "random"
)

// NormalizeSort lowercases s and falls back to SortRecent for anything
// the catalog does not know.
func NormalizeSort(s string) string {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case SortRecent, SortVisited, SortRandom:
		return s
	default:
		return SortRecent
	}
}

// ChannelKey identifies a cached channel listing.
type ChannelKey struct {
	Channels string // case-insensitively sorted, comma joined
	Playlist string
	Sort     string
}

// NewChannelKey builds the cache key for a channel request. Channel order
// does not matter.
func NewChannelKey(channels []string, playlist, sortOrder string) ChannelKey {
	cp := make([]string, 0, len(channels))
	for _, c := range channels {
		if c = strings.TrimSpace(c); c != "" {
			cp = append(cp, c)
		}
	}
	sort.Slice(cp, func(i, j int) bool {
		li, lj := strings.ToLower(cp[i]), strings.ToLower(cp[j])
		if li == lj {
			return cp[i] < cp[j]
		}
		return li < lj
	})
	return ChannelKey{
		Channels: strings.Join(cp, ","),
		Playlist: strings.TrimSpace(playlist),
		Sort:     NormalizeSort(sortOrder),
	}
}

func (k ChannelKey) CacheKey() string { return k.Channels + "|" + k.Playlist + "|" + k.Sort }

// ChannelOptions configures a ChannelProcessor.
type ChannelOptions struct {
	Cache      cache.Config
	MaxVideos  int // videos kept per cached listing
	FetchLimit int // videos requested from the catalog per load
	// IndexStore enables the best-effort copy of every loaded listing into
	// Index through BulkBulkhead.
	IndexStore      bool
	Index           string
	ThumbnailDomain string
}

// ChannelProcessor resolves the eligible videos of channels or a playlist.
// Listings are always served through a refresh-ahead cache.
type ChannelProcessor struct {
	fetcher  catalog.Fetcher
	bulkhead *bulkhead.Bulkhead
	bulk     *bulkhead.Bulkhead
	store    search.Store
	allow    *filters.Allowlist
	opts     ChannelOptions
	cache    *cache.Cache[ChannelKey, []models.OrganicCandidate]
	logger   *zap.Logger
	metrics  observability.MetricsRegistry

	indexing sync.WaitGroup
}

// NewChannelProcessor builds a ChannelProcessor and starts its cache. store
// and bulk are only used when opts.IndexStore is set.
func NewChannelProcessor(fetcher catalog.Fetcher, bh *bulkhead.Bulkhead, allow *filters.Allowlist, store search.Store, bulk *bulkhead.Bulkhead, opts ChannelOptions, logger *zap.Logger, metrics observability.MetricsRegistry) *ChannelProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if opts.MaxVideos <= 0 {
		opts.MaxVideos = 25
	}
	if opts.Cache.Name == "" {
		opts.Cache.Name = "channel"
	}
	p := &ChannelProcessor{
		fetcher:  fetcher,
		bulkhead: bh,
		bulk:     bulk,
		store:    store,
		allow:    allow,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
	}
	p.cache = cache.New(opts.Cache, p.load, logger, metrics)
	return p
}

// Cache returns the channel listing cache.
func (p *ChannelProcessor) Cache() cache.Managed { return p.cache }

// FetchChannelVideos returns up to limit eligible videos of the channels, or
// of playlist when set.
func (p *ChannelProcessor) FetchChannelVideos(ctx context.Context, channels []string, playlist, sortOrder string, limit int) ([]models.OrganicCandidate, error) {
	key := NewChannelKey(channels, playlist, sortOrder)
	if key.Channels == "" && key.Playlist == "" {
		return nil, logic.ErrNoChannels
	}
	if limit <= 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() { p.metrics.RecordQueryLatency("channel", time.Since(start)) }()

	videos, err := p.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(videos) > limit {
		videos = videos[:limit]
	}
	// cached slices are shared between callers
	return append([]models.OrganicCandidate(nil), videos...), nil
}

func (p *ChannelProcessor) load(ctx context.Context, key ChannelKey) ([]models.OrganicCandidate, error) {
	q := catalog.Query{Playlist: key.Playlist, SortOrder: key.Sort, Limit: p.opts.FetchLimit}
	if key.Channels != "" {
		q.Channels = strings.Split(key.Channels, ",")
	}
	raw, err := bulkhead.Do(ctx, p.bulkhead, func(ctx context.Context) ([]models.CatalogVideo, error) {
		return p.fetcher.Videos(ctx, q)
	})
	if err != nil {
		return nil, err
	}

	eligible, rejected := filters.FilterEligible(raw, p.allow)
	if len(rejected) > 0 {
		fields := []zap.Field{zap.String("key", key.CacheKey()), zap.Int("fetched", len(raw))}
		for reason, n := range rejected {
			fields = append(fields, zap.Int(string(reason), n))
		}
		p.logger.Debug("catalog videos rejected", fields...)
	}
	if len(eligible) > p.opts.MaxVideos {
		eligible = eligible[:p.opts.MaxVideos]
	}

	out := make([]models.OrganicCandidate, 0, len(eligible))
	for _, v := range eligible {
		out = append(out, p.toCandidate(v))
	}
	if p.opts.IndexStore && len(eligible) > 0 {
		p.index(eligible, out)
	}
	return out, nil
}

func (p *ChannelProcessor) toCandidate(v models.CatalogVideo) models.OrganicCandidate {
	c := models.OrganicCandidate{
		VideoID:               v.ID,
		Channel:               v.OwnerUsername,
		ChannelID:             v.OwnerID,
		ChannelName:           v.OwnerName,
		Title:                 v.Title,
		Description:           v.Description,
		Duration:              v.Duration,
		ThumbnailURL:          v.ThumbnailURL,
		ResizableThumbnailURL: ResizableThumbnail(v.ThumbnailURL, p.opts.ThumbnailDomain),
	}
	if v.CreatedTime > 0 {
		c.PublicationDate = time.Unix(v.CreatedTime, 0).UTC().Format(time.RFC3339)
	}
	return c
}

// ResizableThumbnail rewrites a catalog thumbnail URL onto the resizing
// host of domain, keyed by the thumbnail's file name.
func ResizableThumbnail(thumbnailURL, domain string) string {
	if strings.TrimSpace(thumbnailURL) == "" {
		return ""
	}
	id := thumbnailURL[strings.LastIndex(thumbnailURL, "/")+1:]
	if id == "" {
		return ""
	}
	return "//i." + domain + "/channel-" + id + "-thumbnail-1"
}

type channelDocument struct {
	models.OrganicCandidate
	Category  string   `json:"category,omitempty"`
	Language  string   `json:"language,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	UpdatedAt int64    `json:"updated_time,omitempty"`
}

// index copies a loaded listing into the channel index in the background.
// Failures are logged and never reach the read path.
func (p *ChannelProcessor) index(raw []models.CatalogVideo, mapped []models.OrganicCandidate) {
	docs := make([]search.Document, len(mapped))
	for i, c := range mapped {
		docs[i] = search.Document{ID: c.VideoID, Body: channelDocument{
			OrganicCandidate: c,
			Category:         raw[i].Channel,
			Language:         raw[i].Language,
			Tags:             raw[i].Tags,
			UpdatedAt:        raw[i].UpdatedTime,
		}}
	}

	p.indexing.Add(1)
	go func() {
		defer p.indexing.Done()
		_, err := bulkhead.Do(context.Background(), p.bulk, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, p.store.BulkIndex(ctx, p.opts.Index, docs)
		})
		if err != nil {
			p.logger.Warn("channel bulk index failed", zap.Int("documents", len(docs)), zap.Error(err))
			return
		}
		p.logger.Debug("channel videos indexed", zap.Int("documents", len(docs)))
	}()
}

// Close drains the cache reloads and waits for pending index writes, both
// bounded by ctx.
func (p *ChannelProcessor) Close(ctx context.Context) error {
	err := p.cache.Close(ctx)
	done := make(chan struct{})
	go func() {
		p.indexing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
