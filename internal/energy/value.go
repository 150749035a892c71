package energy

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Quality tags how a Value was obtained.
type Quality uint8

const (
	QualityUnknown Quality = iota
	QualityKnown
	QualityImputed
)

func (q Quality) String() string {
	switch q {
	case QualityKnown:
		return "known"
	case QualityImputed:
		return "imputed"
	default:
		return "unknown"
	}
}

// Value is a numeric field that is Known, Imputed or Unknown. The zero value is Unknown.
type Value struct {
	v float64
	q Quality
}

func Known(v float64) Value   { return Value{v: v, q: QualityKnown} }
func Imputed(v float64) Value { return Value{v: v, q: QualityImputed} }
func Unknown() Value          { return Value{} }

func (v Value) Quality() Quality { return v.q }
func (v Value) IsUnknown() bool  { return v.q == QualityUnknown }
func (v Value) WasImputed() bool { return v.q == QualityImputed }

// Get returns the number and false when the value is unknown.
func (v Value) Get() (float64, bool) {
	return v.v, v.q != QualityUnknown
}

// Ptr returns nil for unknown values.
func (v Value) Ptr() *float64 {
	if v.q == QualityUnknown {
		return nil
	}
	x := v.v
	return &x
}

// Round returns v rounded half away from zero to the given number of decimal places.
func (v Value) Round(places int32) Value {
	if v.q == QualityUnknown {
		return v
	}
	return Value{v: decimal.NewFromFloat(v.v).Round(places).InexactFloat64(), q: v.q}
}

func (v Value) String() string {
	if v.q == QualityUnknown {
		return "unknown"
	}
	s := strconv.FormatFloat(v.v, 'g', -1, 64)
	if v.q == QualityImputed {
		s += "~"
	}
	return s
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.q == QualityUnknown {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v.v, 'g', -1, 64), nil
}

// combine derives the quality of a value computed from inputs.
func combine(inputs ...Value) Quality {
	q := QualityKnown
	for _, in := range inputs {
		switch in.q {
		case QualityUnknown:
			return QualityUnknown
		case QualityImputed:
			q = QualityImputed
		}
	}
	return q
}

// Sum adds the inputs; the result is unknown when any input is.
func Sum(inputs ...Value) Value {
	q := combine(inputs...)
	if q == QualityUnknown {
		return Unknown()
	}
	var total float64
	for _, in := range inputs {
		total += in.v
	}
	return Value{v: total, q: q}
}

// Share returns part/whole as a percentage. It is unknown when either input is
// unknown or the whole is not positive.
func Share(part, whole Value) Value {
	q := combine(part, whole)
	if q == QualityUnknown || whole.v <= 0 {
		return Unknown()
	}
	return Value{v: part.v / whole.v * 100, q: q}
}
