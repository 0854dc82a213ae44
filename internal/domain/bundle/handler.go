package bundle

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirgraph/fhirgraph/internal/domain/resource"
	"github.com/fhirgraph/fhirgraph/internal/platform/fhir"
	"github.com/fhirgraph/fhirgraph/internal/platform/graph"
)

// Handler accepts batch and transaction bundles at the root of the FHIR
// endpoint group.
type Handler struct {
	processor *Processor
	log       zerolog.Logger
}

func NewHandler(processor *Processor, log zerolog.Logger) *Handler {
	return &Handler{
		processor: processor,
		log:       log.With().Str("component", "bundle-handler").Logger(),
	}
}

func (h *Handler) Register(g *echo.Group) {
	g.POST("", h.Submit)
	g.POST("/", h.Submit)
}

func (h *Handler) Submit(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil || len(body) == 0 {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(fhir.IssueInvalid, "empty or unreadable request body"))
	}
	b, err := fhir.ParseBundle(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(fhir.IssueInvalid, "invalid bundle: "+err.Error()))
	}

	result, err := h.processor.Process(c.Request().Context(), b)
	if err != nil {
		status := http.StatusBadRequest
		var backendErr *graph.BackendError
		if errors.As(err, &backendErr) {
			status = http.StatusInternalServerError
			h.log.Error().Err(err).Msg("bundle processing failed")
		}
		return c.JSON(status, resource.OutcomeFor(err))
	}

	for fullURL, placed := range result.FullURLs {
		h.log.Debug().Str("fullUrl", fullURL).Str("resource", placed).Msg("bundle entry placed")
	}
	return c.JSON(http.StatusOK, result.Bundle)
}
