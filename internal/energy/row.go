package energy

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Row is the flat storage form of an EnrichedRecord shared by both stores.
// A nil entry in Values is the explicit unknown marker; Unknown lists those names.
type Row struct {
	Key    IdentityKey
	Values map[string]*float64
	// Imputed and Unknown are sorted field names.
	Imputed []string
	Unknown []string

	CarbonLevel         CarbonLevel
	UpdatedAt           *time.Time
	CreatedAt           *time.Time
	IsEstimated         *bool
	EstimationMethod    string
	EmissionFactorType  string
	TemporalGranularity string

	// Hash fingerprints everything above; identical content means identical hash.
	Hash string

	// RunID and RunAt identify the pipeline run that produced the content.
	RunID string
	RunAt time.Time
	// WrittenAt is set by the operational writer and orders sync.
	WrittenAt time.Time
}

// Value rebuilds the tagged value of a stored field.
func (r Row) Value(name string) Value {
	p, ok := r.Values[name]
	if !ok || p == nil {
		return Unknown()
	}
	i := sort.SearchStrings(r.Imputed, name)
	if i < len(r.Imputed) && r.Imputed[i] == name {
		return Imputed(*p)
	}
	return Known(*p)
}

// Row flattens the record for storage, stamping it with the producing run.
func (e EnrichedRecord) Row(runID string, runAt time.Time) Row {
	rec := e.Record
	row := Row{
		Key:                 rec.Key,
		Values:              make(map[string]*float64),
		EstimationMethod:    rec.Meta.EstimationMethod,
		EmissionFactorType:  rec.Meta.EmissionFactorType,
		TemporalGranularity: rec.Meta.TemporalGranularity,
		RunID:               runID,
		RunAt:               runAt,
	}
	fields := append(rec.Fields(), e.DerivedFields()...)
	for _, f := range fields {
		row.Values[f.Name] = f.Value.Ptr()
		switch f.Value.Quality() {
		case QualityUnknown:
			row.Unknown = append(row.Unknown, f.Name)
		case QualityImputed:
			row.Imputed = append(row.Imputed, f.Name)
		}
	}
	sort.Strings(row.Imputed)
	sort.Strings(row.Unknown)
	if e.Carbon != nil {
		row.CarbonLevel = e.Carbon.Level
	}
	if rec.Meta.UpdatedAt.Valid {
		t := rec.Meta.UpdatedAt.Time
		row.UpdatedAt = &t
	}
	if rec.Meta.CreatedAt.Valid {
		t := rec.Meta.CreatedAt.Time
		row.CreatedAt = &t
	}
	if rec.Meta.IsEstimated.Valid {
		b := rec.Meta.IsEstimated.Bool
		row.IsEstimated = &b
	}
	row.Hash = row.fingerprint()
	return row
}

func (r Row) fingerprint() string {
	var b strings.Builder
	b.WriteString(r.Key.String())
	names := make([]string, 0, len(r.Values))
	for name := range r.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(";" + name + "=" + r.Value(name).String())
	}
	b.WriteString(";level=" + string(r.CarbonLevel))
	b.WriteString(";updated=" + formatOptionalTime(r.UpdatedAt))
	b.WriteString(";created=" + formatOptionalTime(r.CreatedAt))
	if r.IsEstimated != nil {
		b.WriteString(";estimated=" + strconv.FormatBool(*r.IsEstimated))
	}
	b.WriteString(";method=" + r.EstimationMethod)
	b.WriteString(";factor=" + r.EmissionFactorType)
	b.WriteString(";granularity=" + r.TemporalGranularity)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Fingerprint identifies the record's content, used for in-batch duplicate detection.
func (r CleanRecord) Fingerprint() string {
	var b strings.Builder
	b.WriteString(r.Key.String())
	for _, f := range r.Fields() {
		b.WriteString(";" + f.Name + "=" + f.Value.String())
	}
	if r.Meta.UpdatedAt.Valid {
		b.WriteString(";updated=" + r.Meta.UpdatedAt.Time.Format(time.RFC3339Nano))
	}
	if r.Meta.CreatedAt.Valid {
		b.WriteString(";created=" + r.Meta.CreatedAt.Time.Format(time.RFC3339Nano))
	}
	if r.Meta.IsEstimated.Valid {
		b.WriteString(";estimated=" + strconv.FormatBool(r.Meta.IsEstimated.Bool))
	}
	b.WriteString(";method=" + r.Meta.EstimationMethod)
	b.WriteString(";factor=" + r.Meta.EmissionFactorType)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Checkpoint marks how far the analytical store has caught up with the
// operational store. Rows are ordered by (WrittenAt, DocID).
type Checkpoint struct {
	WrittenAt time.Time
	DocID     string
}

// CheckpointOf returns the checkpoint positioned at r.
func CheckpointOf(r Row) Checkpoint {
	return Checkpoint{WrittenAt: r.WrittenAt, DocID: r.Key.DocID()}
}

// Precedes reports whether r lies after the checkpoint and still needs syncing.
func (c Checkpoint) Precedes(r Row) bool {
	if r.WrittenAt.After(c.WrittenAt) {
		return true
	}
	return r.WrittenAt.Equal(c.WrittenAt) && r.Key.DocID() > c.DocID
}
