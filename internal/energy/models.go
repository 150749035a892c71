package energy

import (
	"strings"
	"time"
)

// Kind discriminates the two record families served by the metrics API.
type Kind string

const (
	KindPower  Kind = "power"
	KindCarbon Kind = "carbon"
)

// Kinds lists every kind a run processes, in processing order.
var Kinds = []Kind{KindPower, KindCarbon}

func (k Kind) String() string { return string(k) }

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindPower || k == KindCarbon
}

// Table is the collection (operational) and table (analytical) name for the kind.
func (k Kind) Table() string {
	switch k {
	case KindPower:
		return "power_data"
	case KindCarbon:
		return "carbon_intensity"
	default:
		return ""
	}
}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	return k, k.Valid()
}

// IdentityKey uniquely identifies one logical observation across both stores.
type IdentityKey struct {
	Zone     string
	Datetime time.Time
	Kind     Kind
}

func (k IdentityKey) String() string {
	return string(k.Kind) + "/" + k.Zone + "/" + k.Datetime.UTC().Format(time.RFC3339)
}

// DocID is the per-kind document identifier used by the operational stores.
func (k IdentityKey) DocID() string {
	return k.Zone + "|" + k.Datetime.UTC().Format(time.RFC3339)
}

// Window is a closed time range requested from the source.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// IsZero reports whether no bounds are set, meaning "the source's default history".
func (w Window) IsZero() bool {
	return w.From.IsZero() && w.To.IsZero()
}

// Fuel names one entry of the production breakdown.
type Fuel string

const (
	FuelNuclear          Fuel = "nuclear"
	FuelGeothermal       Fuel = "geothermal"
	FuelBiomass          Fuel = "biomass"
	FuelCoal             Fuel = "coal"
	FuelWind             Fuel = "wind"
	FuelSolar            Fuel = "solar"
	FuelHydro            Fuel = "hydro"
	FuelGas              Fuel = "gas"
	FuelOil              Fuel = "oil"
	FuelUnknown          Fuel = "unknown"
	FuelHydroDischarge   Fuel = "hydro discharge"
	FuelBatteryDischarge Fuel = "battery discharge"
)

// Fuels is the fixed production breakdown schema.
var Fuels = []Fuel{
	FuelNuclear, FuelGeothermal, FuelBiomass, FuelCoal, FuelWind, FuelSolar,
	FuelHydro, FuelGas, FuelOil, FuelUnknown, FuelHydroDischarge, FuelBatteryDischarge,
}

var (
	RenewableFuels = []Fuel{FuelWind, FuelSolar, FuelHydro, FuelBiomass, FuelGeothermal}
	FossilFuels    = []Fuel{FuelCoal, FuelGas, FuelOil}
)

// Field returns the column name of the fuel's production value.
func (f Fuel) Field() string {
	return "production_" + strings.ReplaceAll(string(f), " ", "_")
}

// RawValue holds an undecoded JSON scalar exactly as the source sent it.
type RawValue []byte

func (r *RawValue) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

func (r RawValue) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// IsNull reports whether the value was absent or JSON null.
func (r RawValue) IsNull() bool {
	return len(r) == 0 || string(r) == "null"
}

// RawRecord is one entry as received from the source. Exactly one of Power or
// Carbon is set, matching Kind. It is never mutated after the fetch.
type RawRecord struct {
	Zone     string
	Datetime string
	Kind     Kind
	Meta     RawMeta
	Power    *RawPower
	Carbon   *RawCarbon
}

// RawMeta holds provenance attributes common to both kinds.
type RawMeta struct {
	UpdatedAt           string
	CreatedAt           string
	IsEstimated         RawValue
	EstimationMethod    string
	EmissionFactorType  string
	TemporalGranularity string
}

type RawPower struct {
	ConsumptionTotal     RawValue
	ProductionTotal      RawValue
	FossilFreePercentage RawValue
	RenewablePercentage  RawValue
	Production           map[string]RawValue
}

type RawCarbon struct {
	CarbonIntensity      RawValue
	FossilFreePercentage RawValue
	RenewablePercentage  RawValue
}

// TimeStatus records the outcome of timestamp normalization.
type TimeStatus uint8

const (
	TimeOK TimeStatus = iota
	TimeMissing
	TimeUnparseable
)

// OptionalTime is a timestamp that may legitimately be absent.
type OptionalTime struct {
	Time  time.Time
	Valid bool
}

// OptionalBool is a flag that may legitimately be absent.
type OptionalBool struct {
	Bool  bool
	Valid bool
}

// CleanMeta is RawMeta after normalization.
type CleanMeta struct {
	UpdatedAt           OptionalTime
	CreatedAt           OptionalTime
	IsEstimated         OptionalBool
	EstimationMethod    string
	EmissionFactorType  string
	TemporalGranularity string
}

// CleanPower has one Value per schema field; fuels missing from the source are Unknown.
type CleanPower struct {
	ConsumptionTotal     Value
	ProductionTotal      Value
	FossilFreePercentage Value
	RenewablePercentage  Value
	Production           map[Fuel]Value
}

type CleanCarbon struct {
	CarbonIntensity      Value
	FossilFreePercentage Value
	RenewablePercentage  Value
}

// CleanRecord is a normalized RawRecord. Seq is the arrival position within its batch.
type CleanRecord struct {
	Key        IdentityKey
	Seq        int
	TimeStatus TimeStatus
	RawTime    string
	Meta       CleanMeta
	Power      *CleanPower
	Carbon     *CleanCarbon
}

// Field is a named numeric schema field.
type Field struct {
	Name  string
	Value Value
}

// Fields enumerates the numeric payload fields in schema order.
func (r CleanRecord) Fields() []Field {
	switch {
	case r.Power != nil:
		out := []Field{
			{"power_consumption_total", r.Power.ConsumptionTotal},
			{"power_production_total", r.Power.ProductionTotal},
			{"fossil_free_percentage", r.Power.FossilFreePercentage},
			{"renewable_percentage", r.Power.RenewablePercentage},
		}
		for _, f := range Fuels {
			out = append(out, Field{f.Field(), r.Power.Production[f]})
		}
		return out
	case r.Carbon != nil:
		return []Field{
			{"carbon_intensity", r.Carbon.CarbonIntensity},
			{"fossil_free_percentage", r.Carbon.FossilFreePercentage},
			{"renewable_percentage", r.Carbon.RenewablePercentage},
		}
	default:
		return nil
	}
}

// VerdictStatus is the outcome of validation.
type VerdictStatus string

const (
	StatusAccepted VerdictStatus = "accepted"
	// StatusDuplicate marks an identical repeat of an accepted record: accepted as a no-op.
	StatusDuplicate VerdictStatus = "duplicate"
	StatusRejected  VerdictStatus = "rejected"
)

// Reason is a stable rejection code.
type Reason string

const (
	ReasonMissingField     Reason = "missing_field"
	ReasonOutOfRange       Reason = "out_of_range"
	ReasonImplausibleTime  Reason = "implausible_time"
	ReasonDuplicateInBatch Reason = "duplicate_in_batch"
)

// Verdict is the result of validating one record.
type Verdict struct {
	Status VerdictStatus
	Reason Reason
	Detail string
}

type ValidatedRecord struct {
	Record  CleanRecord
	Verdict Verdict
}

// Forward reports whether the record continues to enrichment.
func (v ValidatedRecord) Forward() bool {
	return v.Verdict.Status == StatusAccepted
}

// CarbonLevel is the categorical classification of carbon intensity.
type CarbonLevel string

const (
	LevelLow      CarbonLevel = "Low"
	LevelMedium   CarbonLevel = "Medium"
	LevelHigh     CarbonLevel = "High"
	LevelVeryHigh CarbonLevel = "Very High"
	LevelUnknown  CarbonLevel = "Unknown"
)

type PowerDerived struct {
	FossilTotal      Value
	RenewableTotal   Value
	TotalGeneration  Value
	TotalConsumption Value
	PercentRenewable Value
	PercentFossil    Value
}

type CarbonDerived struct {
	Level CarbonLevel
}

// EnrichedRecord is an accepted record plus derived fields.
type EnrichedRecord struct {
	Record           CleanRecord
	HoursSinceUpdate Value
	Power            *PowerDerived
	Carbon           *CarbonDerived
}

// DerivedFields enumerates the numeric derived fields in schema order.
func (e EnrichedRecord) DerivedFields() []Field {
	var out []Field
	if e.Power != nil {
		out = append(out,
			Field{"fossil_total", e.Power.FossilTotal},
			Field{"renewable_total", e.Power.RenewableTotal},
			Field{"total_generation", e.Power.TotalGeneration},
			Field{"total_consumption", e.Power.TotalConsumption},
			Field{"percent_renewable", e.Power.PercentRenewable},
			Field{"percent_fossil", e.Power.PercentFossil},
		)
	}
	return append(out, Field{"hours_since_update", e.HoursSinceUpdate})
}

// Columns lists the numeric value columns stored for a kind.
func Columns(kind Kind) []string {
	var empty EnrichedRecord
	switch kind {
	case KindPower:
		empty = EnrichedRecord{Record: CleanRecord{Power: &CleanPower{}}, Power: &PowerDerived{}}
	case KindCarbon:
		empty = EnrichedRecord{Record: CleanRecord{Carbon: &CleanCarbon{}}, Carbon: &CarbonDerived{}}
	default:
		return nil
	}
	var cols []string
	for _, f := range empty.Record.Fields() {
		cols = append(cols, f.Name)
	}
	for _, f := range empty.DerivedFields() {
		cols = append(cols, f.Name)
	}
	return cols
}
