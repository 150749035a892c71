package httpapi

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
	"github.com/i474232898/grid-energy-pipeline/internal/scheduler"
	"github.com/i474232898/grid-energy-pipeline/internal/store"
)

var validate = validator.New()

// RunController is the part of the scheduler the API drives.
type RunController interface {
	Status() scheduler.Status
	Submit(ctx context.Context) (string, error)
}

// RangeReader serves read-only time-range queries.
type RangeReader interface {
	Range(ctx context.Context, kind energy.Kind, zone string, from, to time.Time) ([]energy.Row, error)
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, runs RunController, reader RangeReader) {
	v1 := app.Group("/api/v1")

	v1.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(runs.Status())
	})

	// The run continues in the background; clients poll /status for its result.
	v1.Post("/runs", func(c *fiber.Ctx) error {
		runID, err := runs.Submit(c.UserContext())
		if err != nil {
			if errors.Is(err, scheduler.ErrRunInProgress) {
				return fiber.NewError(fiber.StatusConflict, "a run is already in progress")
			}
			return fiber.NewError(fiber.StatusServiceUnavailable, "run could not be started")
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"run_id":     runID,
			"status_url": "/api/v1/status",
		})
	})

	v1.Get("/power", rangeHandler(reader, energy.KindPower))
	v1.Get("/carbon", rangeHandler(reader, energy.KindCarbon))
}

func rangeHandler(reader RangeReader, kind energy.Kind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req rangeQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		rows, err := reader.Range(c.UserContext(), kind, req.Zone, req.From, req.To)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no "+string(kind)+" data for requested range")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to query "+string(kind)+" data")
		}

		views := make([]rowView, len(rows))
		for i, r := range rows {
			views[i] = newRowView(r)
		}
		return c.JSON(fiber.Map{
			"zone": req.Zone,
			"kind": kind,
			"from": req.From,
			"to":   req.To,
			"rows": views,
		})
	}
}

// rangeQuery holds query parameters for the range endpoints.
type rangeQuery struct {
	Zone string    `validate:"required,alphanum|contains=-"`
	From time.Time `validate:"required"`
	To   time.Time `validate:"required,gtefield=From"`
}

func (q *rangeQuery) bind(c *fiber.Ctx) error {
	q.Zone = strings.ToUpper(strings.TrimSpace(c.Query("zone")))

	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return errors.New("from and to query parameters are required")
	}

	from, err := parseTime(fromStr)
	if err != nil {
		return err
	}
	to, err := parseTime(toStr)
	if err != nil {
		return err
	}

	q.From = from
	q.To = to
	return nil
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}

// rowView is the JSON shape of an analytical row. Unknown values are null.
type rowView struct {
	Zone                string              `json:"zone"`
	Datetime            time.Time           `json:"datetime"`
	Values              map[string]*float64 `json:"values"`
	ImputedFields       []string            `json:"imputed_fields"`
	UnknownFields       []string            `json:"unknown_fields"`
	CarbonLevel         string              `json:"carbon_level,omitempty"`
	IsEstimated         *bool               `json:"is_estimated,omitempty"`
	EstimationMethod    string              `json:"estimation_method,omitempty"`
	EmissionFactorType  string              `json:"emission_factor_type,omitempty"`
	TemporalGranularity string              `json:"temporal_granularity,omitempty"`
	SourceUpdatedAt     *time.Time          `json:"source_updated_at,omitempty"`
	RunID               string              `json:"run_id"`
	RunAt               time.Time           `json:"run_at"`
}

func newRowView(r energy.Row) rowView {
	v := rowView{
		Zone:                r.Key.Zone,
		Datetime:            r.Key.Datetime,
		Values:              r.Values,
		ImputedFields:       r.Imputed,
		UnknownFields:       r.Unknown,
		CarbonLevel:         string(r.CarbonLevel),
		IsEstimated:         r.IsEstimated,
		EstimationMethod:    r.EstimationMethod,
		EmissionFactorType:  r.EmissionFactorType,
		TemporalGranularity: r.TemporalGranularity,
		SourceUpdatedAt:     r.UpdatedAt,
		RunID:               r.RunID,
		RunAt:               r.RunAt,
	}
	if v.ImputedFields == nil {
		v.ImputedFields = []string{}
	}
	if v.UnknownFields == nil {
		v.UnknownFields = []string{}
	}
	return v
}
