// Package app builds the decision pipeline from configuration: search and
// catalog clients, bulkheads, the three candidate processors and the engine.
package app

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/bulkhead"
	"github.com/patrickwarner/decisionengine/internal/cache"
	"github.com/patrickwarner/decisionengine/internal/catalog"
	"github.com/patrickwarner/decisionengine/internal/config"
	"github.com/patrickwarner/decisionengine/internal/logic/decision"
	"github.com/patrickwarner/decisionengine/internal/logic/filters"
	"github.com/patrickwarner/decisionengine/internal/logic/processors"
	"github.com/patrickwarner/decisionengine/internal/observability"
	"github.com/patrickwarner/decisionengine/internal/search"
)

// Components holds the long-lived decision pipeline.
type Components struct {
	Search    search.Store
	Catalog   catalog.Fetcher
	Allowlist *filters.Allowlist
	Ads       *processors.AdProcessor
	Organic   *processors.OrganicProcessor
	Channels  *processors.ChannelProcessor
	Engine    *decision.Engine
}

// Bulkheads derives the per-operation bulkhead settings from cfg.
func Bulkheads(cfg config.Config) (ads, organic, channel, bulk bulkhead.Config) {
	breaker := func(name string, concurrent int, c config.Config) bulkhead.Config {
		return bulkhead.Config{
			Name:             name,
			MaxConcurrent:    int64(concurrent),
			Timeout:          c.QueryTimeout,
			FailureThreshold: uint32(max(c.BreakerFailureThreshold, 0)),
			OpenTimeout:      c.BreakerOpenTimeout,
		}
	}
	ads = breaker("ads", cfg.AdsConcurrency, cfg)
	organic = breaker("organic", cfg.OrganicConcurrency, cfg)
	channel = breaker("channel", cfg.ChannelConcurrency, cfg)
	bulk = bulkhead.Config{
		Name:          "bulk_index",
		MaxConcurrent: int64(cfg.BulkIndexConcurrency),
		Timeout:       cfg.BulkIndexTimeout,
	}
	return ads, organic, channel, bulk
}

// Build wires the pipeline over the HTTP search and catalog clients.
func Build(cfg config.Config, logger *zap.Logger, metrics observability.MetricsRegistry) *Components {
	store := search.NewClient(cfg.SearchURL, cfg.SearchTimeout, logger)
	fetcher := catalog.NewClient(cfg.CatalogURL, cfg.CatalogTimeout, catalog.RetryConfig{
		InitialInterval: cfg.CatalogRetryPeriod,
		MaxInterval:     cfg.CatalogRetryMaxPeriod,
		MaxAttempts:     uint(max(cfg.CatalogRetryMaxAttempts, 1)),
	}, logger, metrics)
	return BuildWith(cfg, store, fetcher, logger, metrics)
}

// BuildWith wires the pipeline over the given store and fetcher.
func BuildWith(cfg config.Config, store search.Store, fetcher catalog.Fetcher, logger *zap.Logger, metrics observability.MetricsRegistry) *Components {
	if logger == nil {
		logger = zap.NewNop()
	}
	adsCfg, organicCfg, channelCfg, bulkCfg := Bulkheads(cfg)
	scoring := processors.ScoringFromConfig(cfg)
	allow := filters.NewAllowlist(cfg.ChannelAllowlist)

	c := &Components{Search: store, Catalog: fetcher, Allowlist: allow}
	c.Ads = processors.NewAdProcessor(store, cfg.PromotedIndex, scoring,
		bulkhead.New(adsCfg, logger, metrics), logger, metrics)
	c.Organic = processors.NewOrganicProcessor(store, cfg.OrganicIndex, scoring,
		bulkhead.New(organicCfg, logger, metrics),
		processors.OrganicOptions{
			CacheEnabled: cfg.OrganicCacheEnabled,
			Cache: cache.Config{
				Name:          "organic",
				MaxSize:       cfg.OrganicCacheSize,
				RefreshAfter:  cfg.OrganicCacheRefresh,
				ExpireAfter:   cfg.CacheExpireAfter,
				ReloadWorkers: cfg.CacheReloadWorkers,
			},
			CacheMaxVideos: cfg.OrganicCacheMaxVideos,
		}, logger, metrics)
	c.Channels = processors.NewChannelProcessor(fetcher,
		bulkhead.New(channelCfg, logger, metrics), allow, store,
		bulkhead.New(bulkCfg, logger, metrics),
		processors.ChannelOptions{
			Cache: cache.Config{
				Name:          "channel",
				MaxSize:       cfg.ChannelCacheSize,
				RefreshAfter:  cfg.ChannelCacheRefresh,
				ExpireAfter:   cfg.CacheExpireAfter,
				ReloadWorkers: cfg.CacheReloadWorkers,
			},
			MaxVideos:       cfg.ChannelMaxVideos,
			FetchLimit:      cfg.CatalogFetchLimit,
			IndexStore:      cfg.ChannelIndexStore,
			Index:           cfg.ChannelIndex,
			ThumbnailDomain: cfg.ThumbnailDomain,
		}, logger, metrics)
	c.Engine = decision.NewEngine(c.Ads, c.Organic, c.Channels, decision.OptionsFromConfig(cfg), logger, metrics)
	return c
}

// Caches returns the active caches. The organic cache is absent when disabled.
func (c *Components) Caches() []cache.Managed {
	var out []cache.Managed
	if oc := c.Organic.Cache(); oc != nil {
		out = append(out, oc)
	}
	return append(out, c.Channels.Cache())
}

// Close drains the cache reload pools and pending channel index writes
// within ctx.
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	if oc := c.Organic.Cache(); oc != nil {
		errs = append(errs, oc.Close(ctx))
	}
	errs = append(errs, c.Channels.Close(ctx))
	return errors.Join(errs...)
}
