package mongo

import (
	"time"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
)

type document struct {
	ID       string    `bson:"_id"`
	Zone     string    `bson:"zone"`
	Datetime time.Time `bson:"datetime"`
	Kind     string    `bson:"kind"`

	Values  map[string]*float64 `bson:"values"`
	Imputed []string            `bson:"imputed_fields"`
	Unknown []string            `bson:"unknown_fields"`

	CarbonLevel         string     `bson:"carbon_level,omitempty"`
	UpdatedAt           *time.Time `bson:"updated_at_source,omitempty"`
	CreatedAt           *time.Time `bson:"created_at_source,omitempty"`
	IsEstimated         *bool      `bson:"is_estimated,omitempty"`
	EstimationMethod    string     `bson:"estimation_method,omitempty"`
	EmissionFactorType  string     `bson:"emission_factor_type,omitempty"`
	TemporalGranularity string     `bson:"temporal_granularity,omitempty"`

	Hash      string    `bson:"content_hash"`
	RunID     string    `bson:"run_id"`
	RunAt     time.Time `bson:"run_at"`
	WrittenAt time.Time `bson:"written_at"`
}

func toDocument(r energy.Row) document {
	return document{
		ID:                  r.Key.DocID(),
		Zone:                r.Key.Zone,
		Datetime:            r.Key.Datetime,
		Kind:                string(r.Key.Kind),
		Values:              r.Values,
		Imputed:             nonNil(r.Imputed),
		Unknown:             nonNil(r.Unknown),
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
	return energy.Row{
		Key: energy.IdentityKey{
			Zone:     d.Zone,
			Datetime: d.Datetime.UTC(),
			Kind:     energy.Kind(d.Kind),
		},
		Values:              d.Values,
		Imputed:             emptyToNil(d.Imputed),
		Unknown:             emptyToNil(d.Unknown),
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
}

// nonNil stores empty lists as [] rather than null.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyToNil(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}
