package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/crop-yield-pipeline/internal/assets"
	"github.com/i474232898/crop-yield-pipeline/internal/geometry"
	"github.com/i474232898/crop-yield-pipeline/internal/indices"
	"github.com/i474232898/crop-yield-pipeline/internal/pipeline"
	"github.com/i474232898/crop-yield-pipeline/internal/store"
)

var validate = validator.New()

// ErrorHandler renders every error as {"error": true, "message": ...}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service *pipeline.Service) {
	v1 := app.Group("/api/v1")

	v1.Post("/fields/area", func(c *fiber.Ctx) error {
		var req areaRequest
		aoi, err := bindAOI(c, &req, &req.AOI)
		if err != nil {
			return err
		}

		area, err := service.Area(aoi)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(area)
	})

	v1.Post("/fields/indices", func(c *fiber.Ctx) error {
		var req indicesRequest
		aoi, err := bindAOI(c, &req, &req.AOI)
		if err != nil {
			return err
		}

		products := make([]indices.Product, 0, len(req.Products))
		for _, p := range req.Products {
			products = append(products, indices.Product(p))
		}

		res, err := service.Indices(c.UserContext(), pipeline.IndicesRequest{
			AOI:           aoi,
			Products:      products,
			IncludePixels: req.IncludePixels,
		})
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(res)
	})

	v1.Post("/predictions", func(c *fiber.Ctx) error {
		var req predictionRequest
		aoi, err := bindAOI(c, &req, &req.AOI)
		if err != nil {
			return err
		}
		// An empty start date forecasts from the latest scene.
		var start time.Time
		if req.StartDate != "" {
			if start, err = parseTime(req.StartDate); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}

		p, err := service.Predict(c.UserContext(), pipeline.PredictRequest{
			AOI:      aoi,
			Raw:      req.AOI,
			FieldKey: req.FieldKey,
			Start:    start,
		})
		if err != nil {
			return toHTTPError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(p)
	})

	v1.Get("/predictions/:id", func(c *fiber.Ctx) error {
		p, err := service.GetPrediction(c.UserContext(), c.Params("id"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(p)
	})

	v1.Get("/predictions", func(c *fiber.Ctx) error {
		var req historyQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		list, err := service.ListPredictions(c.UserContext(), req.FieldKey, req.From, req.To)
		if err != nil {
			return toHTTPError(err)
		}

		return c.JSON(fiber.Map{
			"fieldKey":    req.FieldKey,
			"from":        req.From,
			"to":          req.To,
			"predictions": list,
		})
	})

	v1.Get("/scenes/latest", func(c *fiber.Ctx) error {
		if scene, ok := service.Latest(); ok && c.Query("refresh") != "true" {
			return c.JSON(scene)
		}
		scene, err := service.RefreshLatest(c.UserContext())
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(scene)
	})
}

// toHTTPError maps domain errors onto HTTP statuses.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, geometry.ErrInvalidGeoJSON), errors.Is(err, geometry.ErrUnsupportedCRS):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrAreaTooLarge), errors.Is(err, pipeline.ErrNoValidPixels):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "prediction not found")
	case errors.Is(err, assets.ErrNoScene), errors.Is(err, assets.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrNoModel):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.NewError(fiber.StatusGatewayTimeout, "request timed out")
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}

// areaRequest is the body of the area endpoint.
type areaRequest struct {
	AOI json.RawMessage `json:"aoi" validate:"required"`
}

// indicesRequest is the body of the indices endpoint.
type indicesRequest struct {
	AOI           json.RawMessage `json:"aoi" validate:"required"`
	Products      []string        `json:"products" validate:"omitempty,dive,oneof=EVI ST SMI MTVI2"`
	IncludePixels bool            `json:"includePixels"`
}

// predictionRequest is the body of the prediction endpoint.
type predictionRequest struct {
	AOI       json.RawMessage `json:"aoi" validate:"required"`
	StartDate string          `json:"startDate"`
	FieldKey  string          `json:"fieldKey" validate:"omitempty,max=128"`
}

// bindAOI parses and validates the body into req and decodes the AOI it carries.
func bindAOI(c *fiber.Ctx, req any, raw *json.RawMessage) (*geometry.AOI, error) {
	if err := c.BodyParser(req); err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
	}
	if err := validate.Struct(req); err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	aoi, err := geometry.ParseAOI(*raw)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return aoi, nil
}

// historyQuery holds query parameters for the prediction history endpoint.
type historyQuery struct {
	FieldKey string    `validate:"required"`
	From     time.Time `validate:"required"`
	To       time.Time `validate:"required,gtefield=From"`
}

func (h *historyQuery) bind(c *fiber.Ctx) error {
	h.FieldKey = c.Query("fieldKey")

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

	h.From = from
	h.To = to
	return nil
}

// parseTime tries RFC3339, a plain date, then Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.DateOnly, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339, YYYY-MM-DD or unix seconds")
}
