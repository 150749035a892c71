package energy

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Rule is one entry of the validation table. Check returns a detail message and
// false when the record violates the rule.
type Rule struct {
	Name   string
	Reason Reason
	Check  func(rec CleanRecord, now time.Time) (string, bool)
}

// FieldRange bounds a numeric field. Pattern is a field name, or a prefix ending in "*".
type FieldRange struct {
	Pattern string
	Min     float64
	Max     float64
}

func (r FieldRange) matches(name string) bool {
	if prefix, ok := strings.CutSuffix(r.Pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return r.Pattern == name
}

// DefaultRanges are the physically plausible bounds. The first matching entry wins,
// so storage discharge (negative while charging) is listed before the production wildcard.
func DefaultRanges() []FieldRange {
	return []FieldRange{
		{Pattern: "fossil_free_percentage", Min: 0, Max: 100},
		{Pattern: "renewable_percentage", Min: 0, Max: 100},
		{Pattern: "carbon_intensity", Min: 0, Max: 5000},
		{Pattern: FuelHydroDischarge.Field(), Min: -1e6, Max: 1e6},
		{Pattern: FuelBatteryDischarge.Field(), Min: -1e6, Max: 1e6},
		{Pattern: "production_*", Min: 0, Max: 1e6},
		{Pattern: "power_consumption_total", Min: 0, Max: 1e7},
		{Pattern: "power_production_total", Min: 0, Max: 1e7},
	}
}

// ValidationOptions bounds the plausible time window around now.
type ValidationOptions struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
	Ranges    []FieldRange
}

// DefaultRules builds the rule table: required fields, plausible time, value ranges.
func DefaultRules(opts ValidationOptions) []Rule {
	ranges := opts.Ranges
	if ranges == nil {
		ranges = DefaultRanges()
	}
	return []Rule{
		{Name: "zone", Reason: ReasonMissingField, Check: requireZone},
		{Name: "kind", Reason: ReasonMissingField, Check: requireKind},
		{Name: "datetime", Reason: ReasonMissingField, Check: requireDatetime},
		{Name: "payload", Reason: ReasonMissingField, Check: requirePayload},
		{Name: "datetime_parse", Reason: ReasonImplausibleTime, Check: parseableTime},
		{Name: "time_window", Reason: ReasonImplausibleTime, Check: timeWindow(opts.MaxAge, opts.MaxFuture)},
		{Name: "ranges", Reason: ReasonOutOfRange, Check: inRange(ranges)},
	}
}

func requireZone(rec CleanRecord, _ time.Time) (string, bool) {
	return "zone is empty", rec.Key.Zone != ""
}

func requireKind(rec CleanRecord, _ time.Time) (string, bool) {
	if !rec.Key.Kind.Valid() {
		return fmt.Sprintf("unknown kind %q", rec.Key.Kind), false
	}
	if (rec.Key.Kind == KindPower) != (rec.Power != nil) || (rec.Key.Kind == KindCarbon) != (rec.Carbon != nil) {
		return "payload does not match kind", false
	}
	return "", true
}

func requireDatetime(rec CleanRecord, _ time.Time) (string, bool) {
	return "datetime is empty", rec.TimeStatus != TimeMissing
}

func requirePayload(rec CleanRecord, _ time.Time) (string, bool) {
	for _, f := range rec.Fields() {
		if !f.Value.IsUnknown() {
			return "", true
		}
	}
	return "no payload value present", false
}

func parseableTime(rec CleanRecord, _ time.Time) (string, bool) {
	return fmt.Sprintf("unparseable datetime %q", rec.RawTime), rec.TimeStatus == TimeOK
}

func timeWindow(maxAge, maxFuture time.Duration) func(CleanRecord, time.Time) (string, bool) {
	return func(rec CleanRecord, now time.Time) (string, bool) {
		dt := rec.Key.Datetime
		if maxAge > 0 && dt.Before(now.Add(-maxAge)) {
			return fmt.Sprintf("datetime %s older than %s", dt.Format(time.RFC3339), maxAge), false
		}
		if maxFuture > 0 && dt.After(now.Add(maxFuture)) {
			return fmt.Sprintf("datetime %s more than %s ahead", dt.Format(time.RFC3339), maxFuture), false
		}
		return "", true
	}
}

func inRange(ranges []FieldRange) func(CleanRecord, time.Time) (string, bool) {
	return func(rec CleanRecord, _ time.Time) (string, bool) {
		for _, f := range rec.Fields() {
			v, ok := f.Value.Get()
			if !ok {
				continue
			}
			for _, r := range ranges {
				if !r.matches(f.Name) {
					continue
				}
				if v < r.Min || v > r.Max {
					return fmt.Sprintf("%s=%g outside [%g, %g]", f.Name, v, r.Min, r.Max), false
				}
				break
			}
		}
		return "", true
	}
}

// Validator applies a rule table to clean records.
type Validator struct {
	rules []Rule
	now   func() time.Time
}

func NewValidator(rules []Rule, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{rules: rules, now: now}
}

// Validate evaluates the rules in order; the first violation decides the reason.
func (v *Validator) Validate(rec CleanRecord) ValidatedRecord {
	now := v.now().UTC()
	for _, rule := range v.rules {
		if detail, ok := rule.Check(rec, now); !ok {
			return ValidatedRecord{
				Record:  rec,
				Verdict: Verdict{Status: StatusRejected, Reason: rule.Reason, Detail: rule.Name + ": " + detail},
			}
		}
	}
	return ValidatedRecord{Record: rec, Verdict: Verdict{Status: StatusAccepted}}
}

// ValidateBatch validates records in arrival order and resolves in-batch
// duplicates: an identical repeat inherits the first verdict (accepted becomes a
// no-op duplicate), a conflicting repeat is rejected.
func (v *Validator) ValidateBatch(recs []CleanRecord) []ValidatedRecord {
	ordered := make([]CleanRecord, len(recs))
	copy(ordered, recs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	type first struct {
		fingerprint string
		verdict     Verdict
	}
	seen := make(map[IdentityKey]first, len(ordered))
	out := make([]ValidatedRecord, 0, len(ordered))
	for _, rec := range ordered {
		if rec.TimeStatus != TimeOK || rec.Key.Zone == "" {
			out = append(out, v.Validate(rec))
			continue
		}
		fp := rec.Fingerprint()
		if prev, ok := seen[rec.Key]; ok {
			verdict := prev.verdict
			switch {
			case prev.fingerprint != fp:
				verdict = Verdict{
					Status: StatusRejected,
					Reason: ReasonDuplicateInBatch,
					Detail: "conflicting values for " + rec.Key.String(),
				}
			case verdict.Status == StatusAccepted:
				verdict = Verdict{Status: StatusDuplicate, Detail: "identical repeat of " + rec.Key.String()}
			}
			out = append(out, ValidatedRecord{Record: rec, Verdict: verdict})
			continue
		}
		vr := v.Validate(rec)
		seen[rec.Key] = first{fingerprint: fp, verdict: vr.Verdict}
		out = append(out, vr)
	}
	return out
}
