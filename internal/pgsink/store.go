// Package pgsink loads reconstructed blocks into PostgreSQL with COPY
package pgsink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/logger"
)

// Table names, created in the configured schema
const (
	NodesTable     = "osm_nodes"
	WaysTable      = "osm_ways"
	RelationsTable = "osm_rels"
)

var tableDefs = []struct {
	name   string
	schema string
}{
	{NodesTable, `
		CREATE TABLE IF NOT EXISTS %s.osm_nodes (
			id BIGINT PRIMARY KEY,
			lon INTEGER NOT NULL,
			lat INTEGER NOT NULL,
			quadtree BIGINT NOT NULL,
			version BIGINT,
			timestamp TIMESTAMPTZ,
			tags JSONB
		)`},
	{WaysTable, `
		CREATE TABLE IF NOT EXISTS %s.osm_ways (
			id BIGINT PRIMARY KEY,
			nodes BIGINT[] NOT NULL,
			quadtree BIGINT NOT NULL,
			version BIGINT,
			timestamp TIMESTAMPTZ,
			tags JSONB
		)`},
	{RelationsTable, `
		CREATE TABLE IF NOT EXISTS %s.osm_rels (
			id BIGINT PRIMARY KEY,
			members JSONB NOT NULL,
			quadtree BIGINT NOT NULL,
			version BIGINT,
			timestamp TIMESTAMPTZ,
			tags JSONB
		)`},
}

var (
	nodeColumns     = []string{"id", "lon", "lat", "quadtree", "version", "timestamp", "tags"}
	wayColumns      = []string{"id", "nodes", "quadtree", "version", "timestamp", "tags"}
	relationColumns = []string{"id", "members", "quadtree", "version", "timestamp", "tags"}
)

// Store owns a connection pool and the three element tables
type Store struct {
	pool   *pgxpool.Pool
	schema string

	NodesInserted     atomic.Int64
	WaysInserted      atomic.Int64
	RelationsInserted atomic.Int64
}

// Open connects to connString
func Open(ctx context.Context, connString, schema string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, schema: schema}, nil
}

// EnsureTables creates the tables, dropping existing ones first when asked
func (s *Store) EnsureTables(ctx context.Context, dropExisting bool) error {
	log := logger.Get()
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{s.schema}.Sanitize())); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	for _, t := range tableDefs {
		if dropExisting {
			log.Info("dropping table", zap.String("table", t.name))
			if _, err := s.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", s.qualified(t.name))); err != nil {
				return fmt.Errorf("failed to drop table %s: %w", t.name, err)
			}
		}
		log.Debug("creating table", zap.String("table", t.name))
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(t.schema, pgx.Identifier{s.schema}.Sanitize())); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.name, err)
		}
	}
	return nil
}

func (s *Store) qualified(table string) string {
	return pgx.Identifier{s.schema, table}.Sanitize()
}

// TableRows holds COPY rows for each table
type TableRows struct {
	Nodes     [][]any
	Ways      [][]any
	Relations [][]any
}

// Len returns the total number of rows
func (r *TableRows) Len() int { return len(r.Nodes) + len(r.Ways) + len(r.Relations) }

// Rows converts the kept records of blk to COPY rows
func Rows(blk *elements.Block) *TableRows {
	out := &TableRows{}
	for i := range blk.Nodes {
		n := &blk.Nodes[i]
		if !n.ChangeType.Keeps() {
			continue
		}
		out.Nodes = append(out.Nodes, append([]any{n.ID, n.Lon, n.Lat}, recordValues(int64(n.Quadtree), n.Info, n.Tags)...))
	}
	for i := range blk.Ways {
		w := &blk.Ways[i]
		if !w.ChangeType.Keeps() {
			continue
		}
		refs := w.Refs
		if refs == nil {
			refs = []int64{}
		}
		out.Ways = append(out.Ways, append([]any{w.ID, refs}, recordValues(int64(w.Quadtree), w.Info, w.Tags)...))
	}
	for i := range blk.Relations {
		r := &blk.Relations[i]
		if !r.ChangeType.Keeps() {
			continue
		}
		out.Relations = append(out.Relations, append([]any{r.ID, membersJSON(r.Members)}, recordValues(int64(r.Quadtree), r.Info, r.Tags)...))
	}
	return out
}

func recordValues(qt int64, info *elements.Info, tags []elements.Tag) []any {
	var version, ts any
	if info != nil {
		version = info.Version
		if info.Timestamp != 0 {
			ts = time.Unix(info.Timestamp, 0).UTC()
		}
	}
	return []any{qt, version, ts, tagsJSON(tags)}
}

func tagsJSON(tags []elements.Tag) []byte {
	if len(tags) == 0 {
		return nil
	}
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[t.Key] = t.Val
	}
	b, _ := json.Marshal(m)
	return b
}

// member is the JSONB form of a relation member
type member struct {
	Type string `json:"type"` // "n", "w" or "r"
	Ref  int64  `json:"ref"`
	Role string `json:"role"`
}

func memberCode(t elements.ElementType) string {
	switch t {
	case elements.NodeType:
		return "n"
	case elements.WayType:
		return "w"
	case elements.RelationType:
		return "r"
	}
	return "?"
}

func membersJSON(ms []elements.Member) []byte {
	out := make([]member, len(ms))
	for i, m := range ms {
		out[i] = member{Type: memberCode(m.Type), Ref: m.Ref, Role: m.Role}
	}
	b, _ := json.Marshal(out)
	return b
}

// WriteBlocks copies every kept record of blocks into the tables. Each
// table gets one COPY per call.
func (s *Store) WriteBlocks(ctx context.Context, blocks []*elements.Block) error {
	all := &TableRows{}
	for _, blk := range blocks {
		r := Rows(blk)
		all.Nodes = append(all.Nodes, r.Nodes...)
		all.Ways = append(all.Ways, r.Ways...)
		all.Relations = append(all.Relations, r.Relations...)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	copies := []struct {
		table   string
		columns []string
		rows    [][]any
		counter *atomic.Int64
	}{
		{NodesTable, nodeColumns, all.Nodes, &s.NodesInserted},
		{WaysTable, wayColumns, all.Ways, &s.WaysInserted},
		{RelationsTable, relationColumns, all.Relations, &s.RelationsInserted},
	}
	for _, c := range copies {
		if len(c.rows) == 0 {
			continue
		}
		n, err := conn.Conn().CopyFrom(ctx, pgx.Identifier{s.schema, c.table}, c.columns, pgx.CopyFromRows(c.rows))
		if err != nil {
			return fmt.Errorf("COPY to %s failed: %w", c.table, err)
		}
		c.counter.Add(n)
	}
	return nil
}

// Close logs the totals and closes the pool
func (s *Store) Close() error {
	logger.Get().Info("database load complete",
		zap.Int64("nodes", s.NodesInserted.Load()),
		zap.Int64("ways", s.WaysInserted.Load()),
		zap.Int64("relations", s.RelationsInserted.Load()))
	s.pool.Close()
	return nil
}
