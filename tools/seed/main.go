package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/config"
	"github.com/patrickwarner/decisionengine/internal/db"
	"github.com/patrickwarner/decisionengine/internal/observability"
	"github.com/patrickwarner/decisionengine/internal/search"
)

var (
	adCount     = flag.Int("ads", 60, "promoted documents to index")
	campaigns   = flag.Int("campaigns", 20, "distinct campaigns the ads belong to")
	videoCount  = flag.Int("videos", 200, "organic documents to index")
	channelsCSV = flag.String("channels", "news,sport,music,gaming", "channels to create and allow")
	seed        = flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	batchSize   = flag.Int("batch", 100, "documents per bulk request")
	skipAllow   = flag.Bool("skip-allowlist", false, "do not write channels to the postgres allow-list")
	disallowCSV = flag.String("disallow", "", "channels to deactivate in the postgres allow-list")
)

// allowlistWriter is the part of db.Postgres the seeder writes through.
type allowlistWriter interface {
	AllowChannels(ctx context.Context, channels []string) error
	DisallowChannel(ctx context.Context, channel string) error
}

var (
	categoryPool = []string{"news", "sport", "music", "fun", "auto", "tech", "travel"}
	languagePool = []string{"en", "fr", "de", "es", "it"}
	tiers        = []string{"gold", "silver", "bronze", ""}
	titleWords   = []string{"Amazing", "Daily", "Highlights", "Best", "Live", "Weekly", "Top", "Inside", "Review", "Story"}
)

func main() {
	flag.Parse()

	logger, err := observability.InitLoggerWithService("seed")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	ctx := context.Background()
	r := rand.New(rand.NewSource(*seed))
	channels := splitCSV(*channelsCSV)
	now := time.Now().UTC()

	client := search.NewClient(cfg.SearchURL, cfg.BulkIndexTimeout, logger)

	ads := fakeAds(r, *adCount, *campaigns, channels, now)
	if err := indexBatches(ctx, client, cfg.PromotedIndex, ads, *batchSize); err != nil {
		logger.Fatal("index ads", zap.Error(err))
	}
	videos := fakeVideos(r, *videoCount, channels, now)
	if err := indexBatches(ctx, client, cfg.OrganicIndex, videos, *batchSize); err != nil {
		logger.Fatal("index videos", zap.Error(err))
	}
	logger.Info("search backend seeded",
		zap.String("url", cfg.SearchURL),
		zap.Int("ads", len(ads)),
		zap.Int("videos", len(videos)))

	disallow := splitCSV(*disallowCSV)
	if *skipAllow {
		channels = nil
	}
	if cfg.PostgresDSN == "" || len(channels)+len(disallow) == 0 {
		return
	}
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pg.Close()
	if err := updateAllowlist(ctx, pg, channels, disallow); err != nil {
		logger.Fatal("update channel allow-list", zap.Error(err))
	}
	logger.Info("channel allow-list updated",
		zap.Strings("allowed", channels),
		zap.Strings("disallowed", disallow))
}

// updateAllowlist activates allow, then deactivates disallow, so a channel
// named in both ends up inactive.
func updateAllowlist(ctx context.Context, w allowlistWriter, allow, disallow []string) error {
	if len(allow) > 0 {
		if err := w.AllowChannels(ctx, allow); err != nil {
			return err
		}
	}
	for _, ch := range disallow {
		if err := w.DisallowChannel(ctx, ch); err != nil {
			return fmt.Errorf("%s: %w", ch, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// indexBatches sends docs in bulk requests of at most size documents.
func indexBatches(ctx context.Context, store search.Store, index string, docs []search.Document, size int) error {
	if size <= 0 {
		size = len(docs)
	}
	for start := 0; start < len(docs); start += size {
		end := min(start+size, len(docs))
		if err := store.BulkIndex(ctx, index, docs[start:end]); err != nil {
			return fmt.Errorf("bulk %s [%d:%d]: %w", index, start, end, err)
		}
	}
	return nil
}

func pick(r *rand.Rand, pool []string, n int) []string {
	idx := r.Perm(len(pool))
	out := make([]string, 0, n)
	for _, i := range idx[:min(n, len(pool))] {
		out = append(out, pool[i])
	}
	return out
}

func fakeTitle(r *rand.Rand) string {
	words := make([]string, 3)
	for i := range words {
		words[i] = titleWords[r.Intn(len(titleWords))]
	}
	return strings.Join(words, " ")
}

// fakeAds builds promoted documents that match any device, format and
// location during a window around now.
func fakeAds(r *rand.Rand, n, campaigns int, channels []string, now time.Time) []search.Document {
	if campaigns <= 0 {
		campaigns = 1
	}
	docs := make([]search.Document, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("ad%d", i+1)
		cpv := float64(1+r.Intn(50)) / 100
		body := map[string]any{
			"ad":            id,
			"campaign":      fmt.Sprintf("camp%d", i%campaigns+1),
			"video_id":      fmt.Sprintf("x%07x", r.Intn(1<<28)),
			"title":         fakeTitle(r),
			"duration":      15 + r.Intn(120),
			"categories":    append(pick(r, categoryPool, 2), "all"),
			"languages":     append(pick(r, languagePool, 2), "all"),
			"locations":     []string{"all"},
			"devices":       []string{"all"},
			"formats":       []string{"all"},
			"start_date":    now.Add(-24 * time.Hour).Format(time.RFC3339),
			"end_date":      now.Add(30 * 24 * time.Hour).Format(time.RFC3339),
			"paused":        false,
			"cpv":           cpv,
			"internal_cpv":  cpv,
			"currency":      "EUR",
			"clicks":        r.Intn(200),
			"impressions":   200 + r.Intn(20000),
			"thumbnail_url": fmt.Sprintf("https://img.example.com/%s.jpg", id),
		}
		if len(channels) > 0 {
			body["channel"] = channels[r.Intn(len(channels))]
		}
		docs = append(docs, search.Document{ID: id, Body: body})
	}
	return docs
}

// fakeVideos builds organic documents published over the last 90 days.
func fakeVideos(r *rand.Rand, n int, channels []string, now time.Time) []search.Document {
	docs := make([]search.Document, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("v%07x", i+1)
		published := now.Add(-time.Duration(r.Intn(90*24)) * time.Hour)
		body := map[string]any{
			"video_id":         id,
			"title":            fakeTitle(r),
			"duration":         30 + r.Intn(600),
			"categories":       pick(r, categoryPool, 2),
			"languages":        pick(r, languagePool, 1),
			"publication_date": published.Format(time.RFC3339),
			"channel_tier":     tiers[r.Intn(len(tiers))],
			"thumbnail_url":    fmt.Sprintf("https://img.example.com/%s.jpg", id),
		}
		if len(channels) > 0 {
			body["channel"] = channels[r.Intn(len(channels))]
		}
		docs = append(docs, search.Document{ID: id, Body: body})
	}
	return docs
}
