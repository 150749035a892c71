package energy

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/sourcegraph/conc/iter"
)

// DerivedPrecision is the number of decimal places kept on derived fields.
const DerivedPrecision = 2

// Threshold maps intensities strictly below Below to Level.
type Threshold struct {
	Below float64
	Level CarbonLevel
}

// Thresholds is an ascending bucket table; intensities at or above the last bound are Very High.
type Thresholds []Threshold

// DefaultThresholds are the carbon level buckets in gCO2eq/kWh.
func DefaultThresholds() Thresholds {
	return Thresholds{
		{Below: 200, Level: LevelLow},
		{Below: 400, Level: LevelMedium},
		{Below: 600, Level: LevelHigh},
	}
}

// ParseThresholds reads three ascending bounds such as "200,400,600".
func ParseThresholds(s string) (Thresholds, error) {
	parts := strings.Split(s, ",")
	levels := []CarbonLevel{LevelLow, LevelMedium, LevelHigh}
	if len(parts) != len(levels) {
		return nil, fmt.Errorf("expected %d bounds, got %d", len(levels), len(parts))
	}
	th := make(Thresholds, 0, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bound %q: %w", p, err)
		}
		th = append(th, Threshold{Below: v, Level: levels[i]})
	}
	if !sort.SliceIsSorted(th, func(i, j int) bool { return th[i].Below < th[j].Below }) {
		return nil, errors.New("bounds must be ascending")
	}
	return th, nil
}

// Classify returns the bucket containing the intensity.
func (t Thresholds) Classify(v Value) CarbonLevel {
	x, ok := v.Get()
	if !ok || math.IsNaN(x) {
		return LevelUnknown
	}
	for _, th := range t {
		if x < th.Below {
			return th.Level
		}
	}
	return LevelVeryHigh
}

var ErrNotAccepted = errors.New("record was not accepted")

// Enricher computes derived fields. Results depend only on the validated record.
type Enricher struct {
	thresholds Thresholds
}

func NewEnricher(thresholds Thresholds) *Enricher {
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds()
	}
	return &Enricher{thresholds: thresholds}
}

// Enrich derives fields for an accepted record.
func (e *Enricher) Enrich(vr ValidatedRecord) (EnrichedRecord, error) {
	if !vr.Forward() {
		return EnrichedRecord{}, fmt.Errorf("%w: %s", ErrNotAccepted, vr.Record.Key)
	}
	rec := vr.Record
	out := EnrichedRecord{Record: rec, HoursSinceUpdate: hoursSinceUpdate(rec)}

	switch {
	case rec.Power != nil:
		p := rec.Power
		fossil := Sum(pick(p.Production, FossilFuels)...)
		renewable := Sum(pick(p.Production, RenewableFuels)...)
		total := p.ProductionTotal
		out.Power = &PowerDerived{
			FossilTotal:      fossil.Round(DerivedPrecision),
			RenewableTotal:   renewable.Round(DerivedPrecision),
			TotalGeneration:  total.Round(DerivedPrecision),
			TotalConsumption: p.ConsumptionTotal.Round(DerivedPrecision),
			PercentRenewable: Share(renewable, total).Round(DerivedPrecision),
			PercentFossil:    Share(fossil, total).Round(DerivedPrecision),
		}
	case rec.Carbon != nil:
		out.Carbon = &CarbonDerived{Level: e.thresholds.Classify(rec.Carbon.CarbonIntensity)}
	}
	return out, nil
}

// EnrichBatch enriches the forwarded records, preserving order.
func (e *Enricher) EnrichBatch(vrs []ValidatedRecord) []EnrichedRecord {
	accepted := make([]ValidatedRecord, 0, len(vrs))
	for _, vr := range vrs {
		if vr.Forward() {
			accepted = append(accepted, vr)
		}
	}
	return iter.Map(accepted, func(vr *ValidatedRecord) EnrichedRecord {
		out, _ := e.Enrich(*vr)
		return out
	})
}

func pick(m map[Fuel]Value, fuels []Fuel) []Value {
	out := make([]Value, 0, len(fuels))
	for _, f := range fuels {
		out = append(out, m[f])
	}
	return out
}

func hoursSinceUpdate(rec CleanRecord) Value {
	if !rec.Meta.UpdatedAt.Valid || rec.TimeStatus != TimeOK {
		return Unknown()
	}
	h := rec.Meta.UpdatedAt.Time.Sub(rec.Key.Datetime).Hours()
	return Known(h).Round(DerivedPrecision)
}
