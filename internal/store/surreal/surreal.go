// Package surreal is an alternate operational store on SurrealDB. It keeps the
// same one-table-per-kind layout as the MongoDB store.
package surreal

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	surrealdb "github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
	"go.uber.org/zap"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
)

type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

type Store struct {
	db     *surrealdb.DB
	logger *zap.Logger
}

// Connect opens a websocket connection using the surrealcbor codec, which
// round-trips time.Time as native datetimes.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, eris.Wrap(err, "surreal: parse url")
	}

	conf := connection.NewConfig(u)
	codec := surrealcbor.New()
	conf.Marshaler = codec
	conf.Unmarshaler = codec

	db, err := surrealdb.FromConnection(ctx, gorillaws.New(conf))
	if err != nil {
		return nil, eris.Wrap(err, "surreal: connect")
	}
	if cfg.Username != "" && cfg.Password != "" {
		if _, err := db.SignIn(ctx, map[string]any{"user": cfg.Username, "pass": cfg.Password}); err != nil {
			_ = db.Close(context.Background())
			return nil, eris.Wrap(err, "surreal: sign in")
		}
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = db.Close(context.Background())
		return nil, eris.Wrap(err, "surreal: use namespace")
	}

	s := &Store{db: db, logger: logger}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close(context.Background())
		return nil, err
	}
	logger.Info("surreal: connected", zap.String("namespace", cfg.Namespace), zap.String("database", cfg.Database))
	return s, nil
}

// EnsureSchema defines the identity and sync-cursor indexes. Tables themselves
// are created on first write.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, kind := range energy.Kinds {
		tb := kind.Table()
		q := fmt.Sprintf(`DEFINE INDEX IF NOT EXISTS zone_datetime ON TABLE %[1]s FIELDS zone, datetime UNIQUE;
DEFINE INDEX IF NOT EXISTS sync_cursor ON TABLE %[1]s FIELDS written_at, doc_id;`, tb)
		if _, err := surrealdb.Query[any](ctx, s.db, q, nil); err != nil {
			return eris.Wrapf(err, "surreal: define indexes on %s", tb)
		}
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close(ctx)
}

func recordID(key energy.IdentityKey) models.RecordID {
	return models.RecordID{Table: key.Kind.Table(), ID: key.DocID()}
}

const maxUpsertAttempts = 3

// upsertQuery writes only when the record is new, or older-or-equal in run
// time with different content. The condition is evaluated inside the UPSERT.
const upsertQuery = `UPSERT $rid CONTENT $doc
WHERE run_at = NONE OR (run_at <= $doc.run_at AND content_hash != $doc.content_hash)
RETURN $before.content_hash AS prev_hash`

// Upsert writes the row unless the stored content is identical or belongs to a
// newer run.
func (s *Store) Upsert(ctx context.Context, row energy.Row) (energy.UpsertOutcome, error) {
	rid := recordID(row.Key)

	type written struct {
		PrevHash *string `json:"prev_hash"`
	}
	for attempt := 1; ; attempt++ {
		res, err := surrealdb.Query[[]written](ctx, s.db, upsertQuery,
			map[string]any{"rid": rid, "doc": toDocument(row)})
		if err != nil {
			return 0, eris.Wrapf(err, "surreal: upsert %s", row.Key)
		}
		if res != nil && len(*res) > 0 && len((*res)[0].Result) > 0 {
			if (*res)[0].Result[0].PrevHash == nil {
				return energy.OutcomeInserted, nil
			}
			return energy.OutcomeUpdated, nil
		}

		outcome, ok, err := s.classify(ctx, rid, row)
		if err != nil {
			return 0, err
		}
		if ok {
			return outcome, nil
		}
		if attempt == maxUpsertAttempts {
			return 0, eris.Errorf("surreal: upsert %s: record changed concurrently %d times", row.Key, attempt)
		}
	}
}

// classify explains why the conditional UPSERT skipped a record. It reports
// false when the record no longer blocks the write.
func (s *Store) classify(ctx context.Context, rid models.RecordID, row energy.Row) (energy.UpsertOutcome, bool, error) {
	type existing struct {
		Hash  string    `json:"content_hash"`
		RunAt time.Time `json:"run_at"`
	}
	res, err := surrealdb.Query[[]existing](ctx, s.db,
		`SELECT content_hash, run_at FROM $rid`, map[string]any{"rid": rid})
	if err != nil {
		return 0, false, eris.Wrapf(err, "surreal: load %s", row.Key)
	}
	if res == nil || len(*res) == 0 || len((*res)[0].Result) == 0 {
		return 0, false, nil
	}
	found := (*res)[0].Result[0]
	switch {
	case found.Hash == row.Hash:
		return energy.OutcomeUnchanged, true, nil
	case found.RunAt.After(row.RunAt):
		return energy.OutcomeStale, true, nil
	}
	return 0, false, nil
}

func (s *Store) ChangedSince(ctx context.Context, kind energy.Kind, after energy.Checkpoint, limit int) ([]energy.Row, error) {
	q := `SELECT * FROM type::table($tb)
WHERE written_at > $ts OR (written_at = $ts AND doc_id > $id)
ORDER BY written_at ASC, doc_id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	res, err := surrealdb.Query[[]document](ctx, s.db, q, map[string]any{
		"tb": kind.Table(),
		"ts": after.WrittenAt,
		"id": after.DocID,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "surreal: find changed %s", kind.Table())
	}
	var rows []energy.Row
	if res != nil && len(*res) > 0 {
		for _, d := range (*res)[0].Result {
			rows = append(rows, d.row())
		}
	}
	return rows, nil
}

func (s *Store) Prune(ctx context.Context, kind energy.Kind, before time.Time) (int64, error) {
	res, err := surrealdb.Query[[]document](ctx, s.db,
		`DELETE type::table($tb) WHERE datetime < $before RETURN BEFORE`,
		map[string]any{"tb": kind.Table(), "before": before})
	if err != nil {
		return 0, eris.Wrapf(err, "surreal: prune %s", kind.Table())
	}
	if res == nil || len(*res) == 0 {
		return 0, nil
	}
	return int64(len((*res)[0].Result)), nil
}

type document struct {
	ID       *models.RecordID `json:"id,omitempty"`
	DocID    string           `json:"doc_id"`
	Zone     string           `json:"zone"`
	Datetime time.Time        `json:"datetime"`
	Kind     string           `json:"kind"`

	Values  map[string]*float64 `json:"values"`
	Imputed []string            `json:"imputed_fields"`
	Unknown []string            `json:"unknown_fields"`

	CarbonLevel         string     `json:"carbon_level"`
	UpdatedAt           *time.Time `json:"updated_at_source,omitempty"`
	CreatedAt           *time.Time `json:"created_at_source,omitempty"`
	IsEstimated         *bool      `json:"is_estimated,omitempty"`
	EstimationMethod    string     `json:"estimation_method"`
	EmissionFactorType  string     `json:"emission_factor_type"`
	TemporalGranularity string     `json:"temporal_granularity"`

	Hash      string    `json:"content_hash"`
	RunID     string    `json:"run_id"`
	RunAt     time.Time `json:"run_at"`
	WrittenAt time.Time `json:"written_at"`
}

func toDocument(r energy.Row) document {
	imputed, unknown := r.Imputed, r.Unknown
	if imputed == nil {
		imputed = []string{}
	}
	if unknown == nil {
		unknown = []string{}
	}
	return document{
		DocID:               r.Key.DocID(),
		Zone:                r.Key.Zone,
		Datetime:            r.Key.Datetime,
		Kind:                string(r.Key.Kind),
		Values:              r.Values,
		Imputed:             imputed,
		Unknown:             unknown,
		CarbonLevel:         string(r.CarbonLevel),
		UpdatedAt:           r.UpdatedAt,
		CreatedAt:           r.CreatedAt,
		IsEstimated:         r.IsEstimated,
		EstimationMethod:    r.EstimationMethod,
		EmissionFactorType:  r.EmissionFactorType,
		TemporalGranularity: r.TemporalGranularity,
		Hash:                r.Hash,
		RunID:               r.RunID,
		RunAt:               r.RunAt,
		WrittenAt:           r.WrittenAt,
	}
}

func (d document) row() energy.Row {
	row := energy.Row{
		Key: energy.IdentityKey{
			Zone:     d.Zone,
			Datetime: d.Datetime.UTC(),
			Kind:     energy.Kind(d.Kind),
		},
		Values:              d.Values,
		CarbonLevel:         energy.CarbonLevel(d.CarbonLevel),
		UpdatedAt:           d.UpdatedAt,
		CreatedAt:           d.CreatedAt,
		IsEstimated:         d.IsEstimated,
		EstimationMethod:    d.EstimationMethod,
		EmissionFactorType:  d.EmissionFactorType,
		TemporalGranularity: d.TemporalGranularity,
		Hash:                d.Hash,
		RunID:               d.RunID,
		RunAt:               d.RunAt.UTC(),
		WrittenAt:           d.WrittenAt.UTC(),
	}
	if len(d.Imputed) > 0 {
		row.Imputed = d.Imputed
	}
	if len(d.Unknown) > 0 {
		row.Unknown = d.Unknown
	}
	return row
}
