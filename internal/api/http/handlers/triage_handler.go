package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/rfi-sync-service/internal/api/dto"
	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/service"
	apperrors "github.com/spec-kit/rfi-sync-service/pkg/util/errorutil"
)

// TriageHandler lets operators work the triage queue.
type TriageHandler struct {
	service *service.TriageService
}

// NewTriageHandler constructs handler.
func NewTriageHandler(triageService *service.TriageService) *TriageHandler {
	return &TriageHandler{service: triageService}
}

// List GET /triage.
func (h *TriageHandler) List(c *fiber.Ctx) error {
	filter := service.TriageListFilter{}
	if raw := c.Query("status"); raw != "" {
		status := domain.TriageStatus(raw)
		switch status {
		case domain.TriageStatusOpen, domain.TriageStatusLinked, domain.TriageStatusRequeued, domain.TriageStatusDismissed:
		default:
			return apperrors.NewValidationError("unknown status", map[string]any{"status": raw})
		}
		filter.Status = &status
	}
	if raw := c.Query("reason"); raw != "" {
		reason := domain.TriageReason(raw)
		filter.Reason = &reason
	}
	filter.Limit, filter.Offset = pagination(c)
	items, err := h.service.List(c.UserContext(), filter)
	if err != nil {
		return err
	}
	views := make([]dto.TriageItemView, 0, len(items))
	for i := range items {
		views = append(views, dto.NewTriageItemView(&items[i]))
	}
	return c.JSON(fiber.Map{"data": views})
}

// Get GET /triage/:id.
func (h *TriageHandler) Get(c *fiber.Ctx) error {
	item, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTriageItemView(item)})
}

// Link POST /triage/:id/link.
func (h *TriageHandler) Link(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.LinkTriageRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	item, err := h.service.Link(c.UserContext(), actor, c.Params("id"), req.RFIID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTriageItemView(item)})
}

// Requeue POST /triage/:id/requeue.
func (h *TriageHandler) Requeue(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	item, err := h.service.Requeue(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"data": dto.NewTriageItemView(item)})
}

// Dismiss POST /triage/:id/dismiss.
func (h *TriageHandler) Dismiss(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	item, err := h.service.Dismiss(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewTriageItemView(item)})
}
