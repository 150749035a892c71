package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/i474232898/grid-energy-pipeline/internal/common"
	"github.com/i474232898/grid-energy-pipeline/internal/energy"
)

const DefaultElectricityMapsURL = "https://api.electricitymap.org/v3"

// ElectricityMapsProvider implements energy.Source for the Electricity Maps v3 API.
type ElectricityMapsProvider struct {
	name    string
	token   string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

// NewElectricityMapsProvider builds the adapter. requestsPerSecond <= 0 disables pacing.
func NewElectricityMapsProvider(client *http.Client, baseURL, token string, requestsPerSecond float64) *ElectricityMapsProvider {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "electricitymaps",
		MaxRequests: 1,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})

	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	if baseURL == "" {
		baseURL = DefaultElectricityMapsURL
	}

	return &ElectricityMapsProvider{
		name:    "electricitymaps",
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpCfg: HTTPClientConfig{Client: client, Limiter: limiter},
		circuit: cb,
	}
}

func (p *ElectricityMapsProvider) Name() string {
	return p.name
}

// Fetch returns the zone's history for the kind. A zero window asks for the
// API's default recent history.
func (p *ElectricityMapsProvider) Fetch(ctx context.Context, zone string, kind energy.Kind, window energy.Window) ([]energy.RawRecord, error) {
	if p.token == "" {
		return nil, &energy.FetchError{Kind: energy.FetchUnauthorized, Err: errors.New("api token is not configured")}
	}

	u, err := p.endpoint(zone, kind, window)
	if err != nil {
		return nil, &energy.FetchError{Kind: energy.FetchUnavailable, Err: err}
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, &energy.FetchError{Kind: energy.FetchUnavailable, Err: err}
	}
	req.Header.Set("auth-token", p.token)
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Accept", "application/json")

	body, err := doRequest(ctx, p.httpCfg, p.circuit, req)
	if err != nil {
		return nil, err
	}
	return decodeHistory(body, zone, kind)
}

func (p *ElectricityMapsProvider) endpoint(zone string, kind energy.Kind, window energy.Window) (string, error) {
	var resource string
	switch kind {
	case energy.KindPower:
		resource = "power-breakdown"
	case energy.KindCarbon:
		resource = "carbon-intensity"
	default:
		return "", fmt.Errorf("unsupported kind %q", kind)
	}

	values := url.Values{}
	values.Set("zone", zone)
	path := "history"
	if !window.IsZero() {
		path = "past-range"
		values.Set("start", window.From.UTC().Format(time.RFC3339))
		values.Set("end", window.To.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("%s/%s/%s?%s", p.baseURL, resource, path, values.Encode()), nil
}

// historyEnvelope covers both the /history ("history") and /past-range ("data") shapes.
type historyEnvelope struct {
	Zone                string          `json:"zone"`
	TemporalGranularity string          `json:"temporalGranularity"`
	History             *[]historyEntry `json:"history"`
	Data                *[]historyEntry `json:"data"`
}

type historyEntry struct {
	Zone                string          `json:"zone"`
	Datetime            energy.RawValue `json:"datetime"`
	UpdatedAt           energy.RawValue `json:"updatedAt"`
	CreatedAt           energy.RawValue `json:"createdAt"`
	IsEstimated         energy.RawValue `json:"isEstimated"`
	EstimationMethod    string          `json:"estimationMethod"`
	EmissionFactorType  string          `json:"emissionFactorType"`
	TemporalGranularity string          `json:"temporalGranularity"`

	CarbonIntensity      energy.RawValue `json:"carbonIntensity"`
	FossilFreePercentage energy.RawValue `json:"fossilFreePercentage"`
	RenewablePercentage  energy.RawValue `json:"renewablePercentage"`

	PowerConsumptionTotal    energy.RawValue            `json:"powerConsumptionTotal"`
	PowerProductionTotal     energy.RawValue            `json:"powerProductionTotal"`
	PowerProductionBreakdown map[string]energy.RawValue `json:"powerProductionBreakdown"`
}

func decodeHistory(body []byte, zone string, kind energy.Kind) ([]energy.RawRecord, error) {
	var env historyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &energy.FetchError{Kind: energy.FetchMalformedResponse, Err: err}
	}

	var entries []historyEntry
	switch {
	case env.History != nil:
		entries = *env.History
	case env.Data != nil:
		entries = *env.Data
	default:
		return nil, &energy.FetchError{Kind: energy.FetchMalformedResponse, Err: errors.New("response has no history array")}
	}

	records := make([]energy.RawRecord, 0, len(entries))
	for _, e := range entries {
		rec := energy.RawRecord{
			Zone:     firstNonEmpty(e.Zone, env.Zone, zone),
			Datetime: rawString(e.Datetime),
			Kind:     kind,
			Meta: energy.RawMeta{
				UpdatedAt:           rawString(e.UpdatedAt),
				CreatedAt:           rawString(e.CreatedAt),
				IsEstimated:         e.IsEstimated,
				EstimationMethod:    e.EstimationMethod,
				EmissionFactorType:  e.EmissionFactorType,
				TemporalGranularity: firstNonEmpty(e.TemporalGranularity, env.TemporalGranularity),
			},
		}
		switch kind {
		case energy.KindPower:
			rec.Power = &energy.RawPower{
				ConsumptionTotal:     e.PowerConsumptionTotal,
				ProductionTotal:      e.PowerProductionTotal,
				FossilFreePercentage: e.FossilFreePercentage,
				RenewablePercentage:  e.RenewablePercentage,
				Production:           e.PowerProductionBreakdown,
			}
		case energy.KindCarbon:
			rec.Carbon = &energy.RawCarbon{
				CarbonIntensity:      e.CarbonIntensity,
				FossilFreePercentage: e.FossilFreePercentage,
				RenewablePercentage:  e.RenewablePercentage,
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// rawString returns a JSON string's contents, or the raw token for non-strings
// so the cleaner can flag it as unparseable.
func rawString(v energy.RawValue) string {
	if v.IsNull() {
		return ""
	}
	return common.Unquote(string(v))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
