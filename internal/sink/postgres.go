package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"skuharvest/internal/config"
	"skuharvest/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultPGBatch  = 200
	pgCloseTimeout  = 10 * time.Second
	pgProductsTable = "jd_products"
)

// batchSender 是 pgxpool.Pool 中用到的部分。
type batchSender interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Close()
}

type pgRow struct {
	rec   model.ProductRecord
	runID string
}

// PostgresSink 缓冲记录并分批 INSERT ... ON CONFLICT DO NOTHING。
type PostgresSink struct {
	pool   batchSender
	logger *slog.Logger
	table  string
	batch  int

	mu       sync.Mutex
	buf      []pgRow
	inserted int
}

// OpenPostgres 连接数据库并确保表存在。
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig, logger *slog.Logger) (*PostgresSink, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse pg dsn: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 2
	}
	poolCfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pg connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg ping: %w", err)
	}

	s := newPostgresSink(pool, logger, cfg.Schema, defaultPGBatch)
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("postgres sink ready", slog.String("table", s.table))
	return s, nil
}

func newPostgresSink(pool batchSender, logger *slog.Logger, schema string, batch int) *PostgresSink {
	if schema == "" {
		schema = "public"
	}
	if batch <= 0 {
		batch = defaultPGBatch
	}
	return &PostgresSink{
		pool:   pool,
		logger: logger,
		table:  fmt.Sprintf(`%s.%s`, pgx.Identifier{schema}.Sanitize(), pgProductsTable),
		batch:  batch,
	}
}

func (s *PostgresSink) ensureTable(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		sku        text PRIMARY KEY,
		brand      text NOT NULL DEFAULT '',
		url        text NOT NULL DEFAULT '',
		name       text NOT NULL DEFAULT '',
		price      double precision NOT NULL DEFAULT 0,
		stock      smallint NOT NULL DEFAULT 0,
		run_id     text NOT NULL DEFAULT '',
		created_at timestamptz NOT NULL DEFAULT now()
	)`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresSink) insertSQL() string {
	return `INSERT INTO ` + s.table + `
		(sku, brand, url, name, price, stock, run_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (sku) DO NOTHING`
}

func (s *PostgresSink) Name() string { return "postgres" }

// Write 缓冲记录，攒满一批后写入。
func (s *PostgresSink) Write(ctx context.Context, rec model.ProductRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, pgRow{rec: rec, runID: RunIDFromContext(ctx)})
	if len(s.buf) < s.batch {
		return nil
	}
	return s.flushLocked(ctx)
}

// Flush 立即写入缓冲中的记录。
func (s *PostgresSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *PostgresSink) flushLocked(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	query := s.insertSQL()
	for _, row := range s.buf {
		if strings.TrimSpace(string(row.rec.MPN)) == "" {
			continue
		}
		b.Queue(query,
			string(row.rec.MPN), row.rec.Brand, row.rec.URL, row.rec.Name,
			row.rec.Price, row.rec.Stock, row.runID)
	}

	count := b.Len()
	br := s.pool.SendBatch(ctx, b)
	for k := 0; k < count; k++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return fmt.Errorf("pg insert: %w", err)
		}
		s.inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("pg batch close: %w", err)
	}
	s.logger.Debug("postgres batch flushed", slog.Int("rows", count), slog.Int("inserted_total", s.inserted))
	s.buf = s.buf[:0]
	return nil
}

// Close 写入剩余记录并关闭连接池。
func (s *PostgresSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), pgCloseTimeout)
	defer cancel()
	err := s.Flush(ctx)
	s.pool.Close()
	return err
}
