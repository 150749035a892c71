package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
)

const carbonHistory = `{
  "zone": "TR",
  "temporalGranularity": "hourly",
  "history": [
    {"datetime": "2024-01-01T00:00:00.000Z", "carbonIntensity": 150, "fossilFreePercentage": 42.5,
     "updatedAt": "2024-01-01T01:00:00.000Z", "isEstimated": false, "emissionFactorType": "lifecycle"}
  ]
}`

const powerRange = `{
  "zone": "TR",
  "data": [
    {"zone": "TR", "datetime": "2024-01-01T00:00:00.000Z", "powerConsumptionTotal": 30000,
     "powerProductionBreakdown": {"coal": 9000, "wind": 3000, "battery discharge": null}}
  ]
}`

func newTestProvider(t *testing.T, handler http.HandlerFunc) *ElectricityMapsProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewElectricityMapsProvider(srv.Client(), srv.URL, "secret", 0)
}

func TestFetchCarbonHistory(t *testing.T) {
	var gotPath, gotToken, gotAuth string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotToken = r.Header.Get("auth-token")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(carbonHistory))
	})

	recs, err := p.Fetch(context.Background(), "TR", energy.KindCarbon, energy.Window{})
	require.NoError(t, err)

	assert.Equal(t, "/carbon-intensity/history?zone=TR", gotPath)
	assert.Equal(t, "secret", gotToken)
	assert.Equal(t, "Bearer secret", gotAuth)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "TR", rec.Zone)
	assert.Equal(t, energy.KindCarbon, rec.Kind)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", rec.Datetime)
	assert.Equal(t, "hourly", rec.Meta.TemporalGranularity)
	assert.Equal(t, "lifecycle", rec.Meta.EmissionFactorType)
	require.NotNil(t, rec.Carbon)
	assert.Equal(t, "150", string(rec.Carbon.CarbonIntensity))
	assert.Equal(t, "42.5", string(rec.Carbon.FossilFreePercentage))
}

func TestFetchPowerPastRange(t *testing.T) {
	var gotQuery string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Path + "?" + r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(powerRange))
	})
	window := energy.Window{
		From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}

	recs, err := p.Fetch(context.Background(), "TR", energy.KindPower, window)
	require.NoError(t, err)

	assert.Equal(t, "/power-breakdown/past-range?end=2024-01-02T00%3A00%3A00Z&start=2024-01-01T00%3A00%3A00Z&zone=TR", gotQuery)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Power)
	assert.Equal(t, "9000", string(recs[0].Power.Production["coal"]))
	assert.True(t, recs[0].Power.Production["battery discharge"].IsNull())

	clean := energy.NewCleaner().Clean(recs[0])
	coal, ok := clean.Power.Production[energy.FuelCoal].Get()
	require.True(t, ok)
	assert.Equal(t, 9000.0, coal)
}

func TestFetchErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		header     map[string]string
		body       string
		want       error
		retryAfter time.Duration
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: energy.ErrUnauthorized},
		{name: "forbidden", status: http.StatusForbidden, want: energy.ErrUnauthorized},
		{name: "rate limited", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "7"},
			want: energy.ErrRateLimited, retryAfter: 7 * time.Second},
		{name: "server error", status: http.StatusServiceUnavailable, want: energy.ErrUnavailable},
		{name: "bad json", status: http.StatusOK, body: `{"history": [`, want: energy.ErrMalformedResponse},
		{name: "no history", status: http.StatusOK, body: `{"error": "zone not found"}`, want: energy.ErrMalformedResponse},
		{name: "html", status: http.StatusOK, header: map[string]string{"Content-Type": "text/html"}, body: "<html>", want: energy.ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := p.Fetch(context.Background(), "TR", energy.KindCarbon, energy.Window{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var fe *energy.FetchError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.retryAfter, fe.RetryAfter)
		})
	}
}

func TestFetchWithoutTokenIsUnauthorized(t *testing.T) {
	p := NewElectricityMapsProvider(http.DefaultClient, "http://127.0.0.1:0", "", 0)

	_, err := p.Fetch(context.Background(), "TR", energy.KindPower, energy.Window{})
	assert.ErrorIs(t, err, energy.ErrUnauthorized)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, time.Minute, parseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
}
