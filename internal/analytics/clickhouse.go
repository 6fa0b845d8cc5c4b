package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/patrickwarner/decisionengine/internal/observability"
)

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = errors.New("analytics unavailable")

// AnalyticsService records served decisions. Implementations return
// ErrUnavailable when their storage is not configured.
type AnalyticsService interface {
	RecordDecision(ctx context.Context, ev DecisionEvent) error
}

// DecisionEvent mirrors a row in the decisions table.
type DecisionEvent struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	Type      string    `json:"type"`
	Outcome   string    `json:"outcome"`
	Positions int       `json:"positions"`
	Served    int       `json:"served"`
	Ads       int       `json:"ads"`
	Organic   int       `json:"organic"`
	Pattern   string    `json:"pattern"`
	Domain    string    `json:"domain"`
	LatencyMS int64     `json:"latency_ms"`
}

// sqlDB is the part of *sql.DB the sink uses.
type sqlDB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Close() error
}

// Analytics wraps a ClickHouse DB connection.
type Analytics struct {
	DB      sqlDB
	Metrics observability.MetricsRegistry
}

const createDecisions = `CREATE TABLE IF NOT EXISTS decisions (
       timestamp   DateTime64(3),
       request_id  String,
       type        LowCardinality(String),
       outcome     LowCardinality(String),
       positions   UInt16,
       served      UInt16,
       ads         UInt16,
       organic     UInt16,
       pattern     String,
       domain      String,
       latency_ms  UInt32
   ) ENGINE=MergeTree() ORDER BY (type, timestamp)`

// InitClickHouse connects to ClickHouse and ensures the decisions table exists.
func InitClickHouse(dsn string, metrics observability.MetricsRegistry, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Analytics, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), createDecisions); err != nil {
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	zap.L().Info("Connected to ClickHouse", zap.Int("max_open_conns", maxOpenConns))
	return New(db, metrics), nil
}

// New wraps an open connection.
func New(db sqlDB, metrics observability.MetricsRegistry) *Analytics {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Analytics{DB: db, Metrics: metrics}
}

// RecordDecision inserts a single decision row.
func (a *Analytics) RecordDecision(ctx context.Context, ev DecisionEvent) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	stmt := `INSERT INTO decisions (timestamp, request_id, type, outcome, positions, served, ads, organic, pattern, domain, latency_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := a.DB.ExecContext(ctx, stmt, ev.Timestamp, ev.RequestID, ev.Type, ev.Outcome,
		uint16(ev.Positions), uint16(ev.Served), uint16(ev.Ads), uint16(ev.Organic),
		ev.Pattern, ev.Domain, uint32(max(ev.LatencyMS, 0))); err != nil {
		a.Metrics.IncrementDecisionEventErrors()
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("request_id", ev.RequestID))
		return fmt.Errorf("insert decision event: %w", err)
	}
	return nil
}

// GetDecisionsByRequestID returns the decisions recorded for a request id,
// oldest first.
func (a *Analytics) GetDecisionsByRequestID(ctx context.Context, id string) ([]DecisionEvent, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT timestamp, request_id, type, outcome, positions, served, ads, organic, pattern, domain, latency_ms FROM decisions WHERE request_id=? ORDER BY timestamp`
	rows, err := a.DB.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var events []DecisionEvent
	for rows.Next() {
		var (
			ev                             DecisionEvent
			positions, served, ads, videos uint16
			latency                        uint32
		)
		if err := rows.Scan(&ev.Timestamp, &ev.RequestID, &ev.Type, &ev.Outcome, &positions, &served, &ads, &videos, &ev.Pattern, &ev.Domain, &latency); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		ev.Positions, ev.Served, ev.Ads, ev.Organic = int(positions), int(served), int(ads), int(videos)
		ev.LatencyMS = int64(latency)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}

// Close terminates the ClickHouse connection.
func (a *Analytics) Close() {
	if a != nil && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}
