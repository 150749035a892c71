// Package postgres is the analytical store: one table per kind keyed by
// (zone, datetime), plus the sync checkpoint table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
	"github.com/i474232898/grid-energy-pipeline/internal/store"
)

const (
	checkpointSelectSQL = `SELECT written_at, doc_id FROM sync_checkpoints WHERE kind = $1;`
	checkpointUpsertSQL = `
INSERT INTO sync_checkpoints (kind, written_at, doc_id, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (kind) DO UPDATE SET
    written_at = EXCLUDED.written_at,
    doc_id = EXCLUDED.doc_id,
    updated_at = NOW();
`
)

// tableDef describes the columns of one kind's table in bind order.
type tableDef struct {
	name      string
	values    []string
	metadata  []string
	upsertSQL string
	rangeSQL  string
	pruneSQL  string
}

var (
	commonMetadata = []string{"is_estimated", "estimation_method", "temporal_granularity", "source_updated_at", "source_created_at"}
	carbonMetadata = append([]string{"carbon_level", "emission_factor_type"}, commonMetadata...)
	trailer        = []string{"content_hash", "run_id", "run_at", "written_at"}
)

func newTableDef(kind energy.Kind) tableDef {
	def := tableDef{name: kind.Table(), values: energy.Columns(kind), metadata: commonMetadata}
	if kind == energy.KindCarbon {
		def.metadata = carbonMetadata
	}

	cols := def.columns()
	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if c != "zone" && c != "datetime" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}
	updates = append(updates, "updated_at = NOW()")

	// Newer runs win; identical content is left untouched so re-syncs change nothing.
	def.upsertSQL = fmt.Sprintf(`
INSERT INTO %[1]s (%[2]s)
VALUES (%[3]s)
ON CONFLICT (zone, datetime) DO UPDATE SET
    %[4]s
WHERE %[1]s.run_at <= EXCLUDED.run_at
  AND %[1]s.content_hash IS DISTINCT FROM EXCLUDED.content_hash;
`, def.name, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ",\n    "))

	def.rangeSQL = fmt.Sprintf(`
SELECT %s
FROM %s
WHERE zone = $1 AND datetime >= $2 AND datetime <= $3
ORDER BY datetime;
`, strings.Join(cols, ", "), def.name)

	def.pruneSQL = fmt.Sprintf(`DELETE FROM %s WHERE datetime < $1;`, def.name)
	return def
}

func (t tableDef) columns() []string {
	cols := []string{"zone", "datetime"}
	cols = append(cols, t.values...)
	cols = append(cols, "imputed_fields", "unknown_fields")
	cols = append(cols, t.metadata...)
	return append(cols, trailer...)
}

func (t tableDef) args(row energy.Row) []any {
	args := []any{row.Key.Zone, row.Key.Datetime}
	for _, c := range t.values {
		args = append(args, row.Values[c])
	}
	args = append(args, nonNil(row.Imputed), nonNil(row.Unknown))
	if row.Key.Kind == energy.KindCarbon {
		args = append(args, string(row.CarbonLevel), nullString(row.EmissionFactorType))
	}
	args = append(args,
		row.IsEstimated,
		nullString(row.EstimationMethod),
		nullString(row.TemporalGranularity),
		row.UpdatedAt,
		row.CreatedAt,
	)
	return append(args, row.Hash, row.RunID, row.RunAt, row.WrittenAt)
}

func (t tableDef) scan(kind energy.Kind, rows pgx.Rows) (energy.Row, error) {
	out := energy.Row{Key: energy.IdentityKey{Kind: kind}, Values: make(map[string]*float64, len(t.values))}
	values := make([]*float64, len(t.values))
	var (
		imputed, unknown                    []string
		level, factor, method, granularity *string
	)

	dest := []any{&out.Key.Zone, &out.Key.Datetime}
	for i := range values {
		dest = append(dest, &values[i])
	}
	dest = append(dest, &imputed, &unknown)
	if kind == energy.KindCarbon {
		dest = append(dest, &level, &factor)
	}
	dest = append(dest, &out.IsEstimated, &method, &granularity, &out.UpdatedAt, &out.CreatedAt)
	dest = append(dest, &out.Hash, &out.RunID, &out.RunAt, &out.WrittenAt)

	if err := rows.Scan(dest...); err != nil {
		return energy.Row{}, err
	}
	for i, c := range t.values {
		out.Values[c] = values[i]
	}
	if len(imputed) > 0 {
		out.Imputed = imputed
	}
	if len(unknown) > 0 {
		out.Unknown = unknown
	}
	out.CarbonLevel = energy.CarbonLevel(deref(level))
	out.EmissionFactorType = deref(factor)
	out.EstimationMethod = deref(method)
	out.TemporalGranularity = deref(granularity)
	out.Key.Datetime = out.Key.Datetime.UTC()
	out.RunAt = out.RunAt.UTC()
	out.WrittenAt = out.WrittenAt.UTC()
	if out.UpdatedAt != nil {
		u := out.UpdatedAt.UTC()
		out.UpdatedAt = &u
	}
	if out.CreatedAt != nil {
		c := out.CreatedAt.UTC()
		out.CreatedAt = &c
	}
	return out, nil
}

// Store persists analytical rows and sync checkpoints in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	tables map[energy.Kind]tableDef
}

// New constructs a Store backed by the provided pgx pool.
func New(pool *pgxpool.Pool) *Store {
	tables := make(map[energy.Kind]tableDef, len(energy.Kinds))
	for _, kind := range energy.Kinds {
		tables[kind] = newTableDef(kind)
	}
	return &Store{pool: pool, tables: tables}
}

// Open creates a pool for dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return New(pool), nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) table(kind energy.Kind) (tableDef, error) {
	def, ok := s.tables[kind]
	if !ok {
		return tableDef{}, eris.Errorf("postgres: unknown kind %q", kind)
	}
	return def, nil
}

func (s *Store) Checkpoint(ctx context.Context, kind energy.Kind) (energy.Checkpoint, error) {
	var cp energy.Checkpoint
	err := s.pool.QueryRow(ctx, checkpointSelectSQL, string(kind)).Scan(&cp.WrittenAt, &cp.DocID)
	if errors.Is(err, pgx.ErrNoRows) {
		return energy.Checkpoint{}, nil
	}
	if err != nil {
		return energy.Checkpoint{}, eris.Wrapf(err, "postgres: load checkpoint %s", kind)
	}
	cp.WrittenAt = cp.WrittenAt.UTC()
	return cp, nil
}

// ApplyBatch upserts rows and moves the checkpoint in a single transaction, so
// the checkpoint never passes rows that were not committed.
func (s *Store) ApplyBatch(ctx context.Context, kind energy.Kind, rows []energy.Row, next energy.Checkpoint) (int, error) {
	def, err := s.table(kind)
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin sync batch")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(def.upsertSQL, def.args(row)...)
	}
	batch.Queue(checkpointUpsertSQL, string(kind), next.WrittenAt, next.DocID)

	br := tx.SendBatch(ctx, batch)
	applied := 0
	for _, row := range rows {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, eris.Wrapf(err, "postgres: upsert %s", row.Key)
		}
		applied += int(tag.RowsAffected())
	}
	if _, err := br.Exec(); err != nil {
		_ = br.Close()
		return 0, eris.Wrap(err, "postgres: advance checkpoint")
	}
	if err := br.Close(); err != nil {
		return 0, eris.Wrap(err, "postgres: close batch")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit sync batch")
	}
	return applied, nil
}

// Range returns rows for a zone between from and to (inclusive), ordered by datetime.
func (s *Store) Range(ctx context.Context, kind energy.Kind, zone string, from, to time.Time) ([]energy.Row, error) {
	def, err := s.table(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, def.rangeSQL, zone, from, to)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query %s", def.name)
	}
	defer rows.Close()

	var out []energy.Row
	for rows.Next() {
		row, err := def.scan(kind, rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", def.name)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "postgres: iterate %s", def.name)
	}
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	return out, nil
}

func (s *Store) Prune(ctx context.Context, kind energy.Kind, before time.Time) (int64, error) {
	def, err := s.table(kind)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, def.pruneSQL, before)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: prune %s", def.name)
	}
	return tag.RowsAffected(), nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
