package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/patrickwarner/decisionengine/internal/config"
	"github.com/patrickwarner/decisionengine/internal/db"
	"github.com/patrickwarner/decisionengine/internal/models"
	"github.com/patrickwarner/decisionengine/internal/observability"
)

var (
	server         string
	users          int
	totalReq       int
	conc           int
	duration       time.Duration
	rps            float64
	impressionRate float64
	stats          bool
	flush          bool
	redisAddr      string
	debug          bool
	label          string
	typesCSV       string
	domainsCSV     string
	channelsCSV    string
	positions      int
)

var logger *zap.Logger

var httpClient *http.Client

var (
	userAgents = []string{
		"Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Linux; Android 12; Pixel 6 Pro) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.5735.196 Mobile Safari/537.36",
		"Mozilla/5.0 (iPad; CPU OS 15_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.2 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_3_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Safari/605.1.15",
		"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:111.0) Gecko/20100101 Firefox/111.0",
	}
	userIPs = []string{
		"192.0.2.1",
		"198.51.100.1",
		"203.0.113.1",
	}
	languages  = []string{"en", "fr", "de", "es"}
	categories = []string{"news", "sport", "music", "fun", "tech"}
	patterns   = []string{"", "oop", "pop", "oopo"}
)

const statsInterval = 5 * time.Second

var (
	countSent        uint64
	countServed      uint64
	countEmpty       uint64
	countLimited     uint64
	countErrors      uint64
	countImpressions uint64
)

func main() {
	flag.StringVar(&server, "server", "http://localhost:8787", "decision server base URL")
	flag.IntVar(&users, "users", 100, "number of unique users")
	flag.IntVar(&totalReq, "requests", 1000, "total requests to send (0 for unlimited)")
	flag.IntVar(&conc, "concurrency", 20, "concurrent requests")
	flag.DurationVar(&duration, "duration", 0, "how long to run traffic (0 to disable)")
	flag.Float64Var(&rps, "rate", 0, "requests per second (0 for unlimited)")
	flag.Float64Var(&impressionRate, "impression-rate", 0.5, "probability of reporting an impression per served slot")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&flush, "flush", false, "flush impression history in redis before sending traffic")
	flag.StringVar(&redisAddr, "redis", "", "redis address (defaults to REDIS_ADDR)")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.StringVar(&typesCSV, "types", "promoted;organic;promoted,organic", "semicolon-separated type selectors to rotate through")
	flag.StringVar(&domainsCSV, "domains", "example.com,news.example.org", "comma-separated publisher domains")
	flag.StringVar(&channelsCSV, "channels", "news,sport", "comma-separated channels for promoted,channel requests")
	flag.IntVar(&positions, "positions", 4, "slots per request")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	httpClient = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}

	if flush {
		flushImpressions()
	}

	types := strings.Split(typesCSV, ";")
	domains := splitCSV(domainsCSV)
	channels := splitCSV(channelsCSV)

	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}

	ctx := context.Background()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rmu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	done := make(chan struct{})

	if stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats()
				case <-done:
					printStats()
					return
				}
			}
		}()
	}

	for i := 0; totalReq <= 0 || i < totalReq; i++ {
		if ctx.Err() != nil {
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}

		rmu.Lock()
		q := randomQuery(r, types, domains, channels)
		ua := userAgents[r.Intn(len(userAgents))]
		ip := userIPs[r.Intn(len(userIPs))]
		report := r.Float64()
		rmu.Unlock()

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			atomic.AddUint64(&countSent, 1)
			sendQuery(q, ua, ip, report)
		}()
	}
	wg.Wait()
	close(done)
	if !stats {
		printStats()
	}
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

// randomQuery draws one request body from the configured pools.
func randomQuery(r *rand.Rand, types, domains, channels []string) models.DecisionRequest {
	req := models.DecisionRequest{
		Positions:  positions,
		Type:       strings.TrimSpace(types[r.Intn(len(types))]),
		Pattern:    patterns[r.Intn(len(patterns))],
		Languages:  []string{languages[r.Intn(len(languages))]},
		Categories: []string{categories[r.Intn(len(categories))]},
		User:       fmt.Sprintf("user%d", r.Intn(max(users, 1))),
	}
	if len(domains) > 0 {
		req.Domain = domains[r.Intn(len(domains))]
	}
	if req.Type == models.TypePromotedChannel && len(channels) > 0 {
		req.Channels = []string{channels[r.Intn(len(channels))]}
	}
	return req
}

func sendQuery(q models.DecisionRequest, ua, ip string, report float64) {
	blob, err := json.Marshal(q)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("marshal error", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/query", bytes.NewReader(blob))
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("request build error", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", ua)
	req.Header.Set("X-Forwarded-For", ip)

	resp, err := httpClient.Do(req)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("query error", zap.Error(err))
		return
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("read body error", zap.Error(err))
		return
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		atomic.AddUint64(&countLimited, 1)
		return
	case resp.StatusCode != http.StatusOK:
		atomic.AddUint64(&countErrors, 1)
		logger.Error("unexpected status", zap.Int("status", resp.StatusCode), zap.String("body", strings.TrimSpace(string(body))))
		return
	}

	var res models.DecisionResult
	if err := json.Unmarshal(body, &res); err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("decode error", zap.Error(err), zap.String("body", strings.TrimSpace(string(body))))
		return
	}
	if len(res.Items) == 0 {
		atomic.AddUint64(&countEmpty, 1)
		return
	}
	atomic.AddUint64(&countServed, 1)
	logger.Debug("served",
		zap.String("request_id", resp.Header.Get("X-Request-ID")),
		zap.String("type", q.Type),
		zap.Int("slots", len(res.Items)))

	if report < impressionRate {
		sendImpression(q.User, res.Items[0].ID())
	}
}

func sendImpression(user, videoID string) {
	q := url.Values{"user": {user}, "id": {videoID}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/impression?"+q.Encode(), nil)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		return
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("impression error", zap.Error(err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		atomic.AddUint64(&countImpressions, 1)
	}
}

// flushImpressions deletes the stored impression histories.
func flushImpressions() {
	addr := redisAddr
	if addr == "" {
		addr = config.Load().RedisAddr
	}
	store, err := db.InitRedis(addr)
	if err != nil {
		logger.Fatal("redis connect", zap.Error(err))
	}
	defer store.Close()

	keys, err := store.Client.Keys(store.Ctx, "imphist:*").Result()
	if err != nil {
		logger.Fatal("list impression keys", zap.Error(err))
	}
	if len(keys) > 0 {
		if err := store.Client.Del(store.Ctx, keys...).Err(); err != nil {
			logger.Fatal("delete impression keys", zap.Error(err))
		}
	}
	logger.Info("impression history flushed", zap.String("addr", addr), zap.Int("keys_deleted", len(keys)))
}

func printStats() {
	sent := atomic.LoadUint64(&countSent)
	served := atomic.LoadUint64(&countServed)
	var fill float64
	if sent > 0 {
		fill = float64(served) / float64(sent)
	}
	logger.Info("stats",
		zap.String("run", label),
		zap.Uint64("sent", sent),
		zap.Uint64("served", served),
		zap.Uint64("empty", atomic.LoadUint64(&countEmpty)),
		zap.Uint64("rate_limited", atomic.LoadUint64(&countLimited)),
		zap.Uint64("errors", atomic.LoadUint64(&countErrors)),
		zap.Uint64("impressions", atomic.LoadUint64(&countImpressions)),
		zap.Float64("fill_rate", fill))
}
