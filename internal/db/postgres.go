package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Postgres wraps a postgres DB connection.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the necessary tables if they don't exist.
const schemaSQL = `CREATE TABLE IF NOT EXISTS channel_allowlist (
    channel TEXT PRIMARY KEY,
    note TEXT,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_channel_allowlist_active ON channel_allowlist (active) WHERE active = true;
`

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	// Register the otelsql wrapper for postgres
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: db}
	if err := p.ensureSchema(); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

func (p *Postgres) ensureSchema() error {
	if _, err := p.DB.ExecContext(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// LoadChannelAllowlist returns the active allow-listed channel names,
// lowercased.
func (p *Postgres) LoadChannelAllowlist(ctx context.Context) ([]string, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT channel FROM channel_allowlist WHERE active ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("query channel allowlist: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		if ch = strings.ToLower(strings.TrimSpace(ch)); ch != "" {
			out = append(out, ch)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// AllowChannels upserts channels as active allow-list entries.
func (p *Postgres) AllowChannels(ctx context.Context, channels []string) error {
	if len(channels) == 0 {
		return nil
	}
	_, err := p.DB.ExecContext(ctx, `INSERT INTO channel_allowlist (channel)
        SELECT lower(trim(c)) FROM unnest($1::text[]) AS c
        ON CONFLICT (channel) DO UPDATE SET active = true`, pq.Array(channels))
	if err != nil {
		return fmt.Errorf("allow channels: %w", err)
	}
	return nil
}

// DisallowChannel deactivates a channel without deleting its row.
func (p *Postgres) DisallowChannel(ctx context.Context, channel string) error {
	_, err := p.DB.ExecContext(ctx, `UPDATE channel_allowlist SET active = false WHERE channel = $1`,
		strings.ToLower(strings.TrimSpace(channel)))
	if err != nil {
		return fmt.Errorf("disallow channel: %w", err)
	}
	return nil
}
