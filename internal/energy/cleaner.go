package energy

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sourcegraph/conc/iter"
)

// timeLayouts accepted for source timestamps. Every layout carries an explicit
// offset; zone-less timestamps are ambiguous and left unparsed.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04Z07:00",
}

// Cleaner normalizes raw records. It is stateless and safe for concurrent use.
type Cleaner struct{}

func NewCleaner() *Cleaner { return &Cleaner{} }

// Clean maps one raw record to exactly one clean record.
func (c *Cleaner) Clean(raw RawRecord) CleanRecord {
	rec := CleanRecord{
		Key: IdentityKey{
			Zone: normalizeZone(raw.Zone),
			Kind: raw.Kind,
		},
		RawTime: raw.Datetime,
	}
	rec.Key.Datetime, rec.TimeStatus = normalizeTime(raw.Datetime)
	rec.Meta = cleanMeta(raw.Meta)

	switch {
	case raw.Power != nil:
		rec.Power = cleanPower(raw.Power)
	case raw.Carbon != nil:
		rec.Carbon = &CleanCarbon{
			CarbonIntensity:      parseValue(raw.Carbon.CarbonIntensity),
			FossilFreePercentage: parseValue(raw.Carbon.FossilFreePercentage),
			RenewablePercentage:  parseValue(raw.Carbon.RenewablePercentage),
		}
	}
	return rec
}

// CleanBatch cleans records in parallel, preserving order and stamping arrival sequence.
func (c *Cleaner) CleanBatch(raws []RawRecord) []CleanRecord {
	out := iter.Map(raws, func(raw *RawRecord) CleanRecord {
		return c.Clean(*raw)
	})
	for i := range out {
		out[i].Seq = i
	}
	return out
}

func cleanPower(raw *RawPower) *CleanPower {
	p := &CleanPower{
		ConsumptionTotal:     parseValue(raw.ConsumptionTotal),
		ProductionTotal:      parseValue(raw.ProductionTotal),
		FossilFreePercentage: parseValue(raw.FossilFreePercentage),
		RenewablePercentage:  parseValue(raw.RenewablePercentage),
		Production:           make(map[Fuel]Value, len(Fuels)),
	}
	parts := make([]Value, 0, len(Fuels))
	for _, f := range Fuels {
		v, ok := raw.Production[string(f)]
		if !ok {
			v = raw.Production[strings.ReplaceAll(string(f), " ", "_")]
		}
		p.Production[f] = parseValue(v)
		parts = append(parts, p.Production[f])
	}
	if p.ProductionTotal.IsUnknown() {
		if sum, ok := Sum(parts...).Get(); ok {
			p.ProductionTotal = Imputed(sum)
		}
	}
	return p
}

func cleanMeta(raw RawMeta) CleanMeta {
	m := CleanMeta{
		EstimationMethod:    strings.TrimSpace(raw.EstimationMethod),
		EmissionFactorType:  strings.TrimSpace(raw.EmissionFactorType),
		TemporalGranularity: strings.TrimSpace(raw.TemporalGranularity),
		IsEstimated:         parseBool(raw.IsEstimated),
	}
	if t, st := normalizeTime(raw.UpdatedAt); st == TimeOK {
		m.UpdatedAt = OptionalTime{Time: t, Valid: true}
	}
	if t, st := normalizeTime(raw.CreatedAt); st == TimeOK {
		m.CreatedAt = OptionalTime{Time: t, Valid: true}
	}
	return m
}

func normalizeZone(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func normalizeTime(s string) (time.Time, TimeStatus) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, TimeMissing
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), TimeOK
		}
	}
	return time.Time{}, TimeUnparseable
}

// parseValue coerces a JSON scalar to a number. Anything that is not a finite
// number, or a string holding one, becomes Unknown.
func parseValue(raw RawValue) Value {
	if raw.IsNull() {
		return Unknown()
	}
	s := string(raw)
	if strings.HasPrefix(s, `"`) {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return Unknown()
		}
		s = strings.TrimSpace(unq)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return Unknown()
	}
	return Known(f)
}

func parseBool(raw RawValue) OptionalBool {
	if raw.IsNull() {
		return OptionalBool{}
	}
	s := strings.Trim(string(raw), `"`)
	b, err := strconv.ParseBool(s)
	if err != nil {
		return OptionalBool{}
	}
	return OptionalBool{Bool: b, Valid: true}
}
