package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	jiterrors "github.com/p-blackswan/jit-access/internal/errors"
	"github.com/p-blackswan/jit-access/internal/workflow"
)

// Handlers serves the request lifecycle endpoints.
type Handlers struct {
	workflow *workflow.Workflow
	logger   zerolog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(wf *workflow.Workflow, logger zerolog.Logger) *Handlers {
	return &Handlers{
		workflow: wf,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// SubmitRequest is the POST /v1/requests body.
type SubmitRequest struct {
	Principal     string            `json:"principal"`
	Entitlement   string            `json:"entitlement"`
	Justification string            `json:"justification"`
	Duration      string            `json:"duration"` // Go duration string, e.g. "30m"
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// DecisionRequest is the body for approve/deny/revoke endpoints.
type DecisionRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Submit handles POST /v1/requests.
func (h *Handlers) Submit(c *fiber.Ctx) error {
	var body SubmitRequest
	if err := c.BodyParser(&body); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	principal := actorIdentity(c, body.Principal)
	duration, err := time.ParseDuration(body.Duration)
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_duration", "Bad Request", "Invalid duration: "+body.Duration)
	}

	req, err := h.workflow.Submit(c.UserContext(), principal, body.Entitlement, body.Justification, duration, body.Metadata)
	if err != nil {
		// Auto-approval may fail after the request is durably created; in
		// that case report the failure but include the pending request.
		if req != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"request": req,
				"error":   err.Error(),
			})
		}
		return h.mapError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"request": req})
}

// List handles GET /v1/requests.
func (h *Handlers) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	requests, err := h.workflow.List(limit)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(fiber.Map{"requests": requests})
}

// Get handles GET /v1/requests/:id.
func (h *Handlers) Get(c *fiber.Ctx) error {
	req, err := h.workflow.Get(c.Params("id"))
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(fiber.Map{"request": req})
}

// Approve handles POST /v1/requests/:id/approve.
func (h *Handlers) Approve(c *fiber.Ctx) error {
	var body DecisionRequest
	if err := c.BodyParser(&body); err != nil && len(c.Body()) > 0 {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	actor := actorIdentity(c, body.Actor)
	if err := h.workflow.Approve(c.UserContext(), c.Params("id"), actor); err != nil {
		return h.mapError(c, err)
	}
	return h.Get(c)
}

// Deny handles POST /v1/requests/:id/deny.
func (h *Handlers) Deny(c *fiber.Ctx) error {
	var body DecisionRequest
	if err := c.BodyParser(&body); err != nil && len(c.Body()) > 0 {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	actor := actorIdentity(c, body.Actor)
	if err := h.workflow.Deny(c.UserContext(), c.Params("id"), actor, body.Reason); err != nil {
		return h.mapError(c, err)
	}
	return h.Get(c)
}

// Revoke handles POST /v1/requests/:id/revoke.
func (h *Handlers) Revoke(c *fiber.Ctx) error {
	var body DecisionRequest
	if err := c.BodyParser(&body); err != nil && len(c.Body()) > 0 {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	actor := actorIdentity(c, body.Actor)
	if err := h.workflow.Revoke(c.UserContext(), c.Params("id"), actor, body.Reason); err != nil {
		return h.mapError(c, err)
	}
	return h.Get(c)
}

// Audit handles GET /v1/requests/:id/audit.
func (h *Handlers) Audit(c *fiber.Ctx) error {
	entries, err := h.workflow.AuditTrail(c.Params("id"))
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(fiber.Map{"entries": entries})
}

// mapError translates workflow errors into problem responses.
func (h *Handlers) mapError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, jiterrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound,
			"not_found", "Not Found", err.Error())
	case errors.Is(err, jiterrors.ErrValidation):
		return problemResponse(c, fiber.StatusBadRequest,
			"validation_failed", "Bad Request", err.Error())
	case errors.Is(err, jiterrors.ErrInvalidState):
		return problemResponse(c, fiber.StatusConflict,
			"invalid_state", "Conflict", err.Error())
	case errors.Is(err, jiterrors.ErrDuplicateID):
		return problemResponse(c, fiber.StatusConflict,
			"duplicate_id", "Conflict", err.Error())
	}

	var dirErr *jiterrors.DirectoryError
	if errors.As(err, &dirErr) {
		return problemResponse(c, fiber.StatusBadGateway,
			"directory_error", "Bad Gateway", err.Error())
	}
	var storeErr *jiterrors.StoreError
	if errors.As(err, &storeErr) {
		h.logger.Error().Err(err).Msg("store failure")
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"store_error", "Service Unavailable", "Persistence unavailable, retry the call")
	}

	h.logger.Error().Err(err).Msg("unhandled error")
	return problemResponse(c, fiber.StatusInternalServerError,
		"internal_error", "Internal Server Error", "An internal error occurred")
}
