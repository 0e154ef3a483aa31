package handlers

import (
	"slices"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/rfi-sync-service/internal/api/dto"
	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/service"
	apperrors "github.com/spec-kit/rfi-sync-service/pkg/util/errorutil"
)

// RFIHandler serves request record endpoints.
type RFIHandler struct {
	service *service.RFIService
	now     func() time.Time
}

// NewRFIHandler constructs handler.
func NewRFIHandler(rfiService *service.RFIService, now func() time.Time) *RFIHandler {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &RFIHandler{service: rfiService, now: now}
}

// Create POST /rfis.
func (h *RFIHandler) Create(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.CreateRFIRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	record, err := h.service.Create(c.UserContext(), actor, service.RFICreateInput{
		ProjectID:      req.ProjectID,
		Subject:        req.Subject,
		Question:       req.Question,
		Category:       req.Category,
		Priority:       req.Priority,
		RecipientEmail: req.RecipientEmail,
		RecipientName:  req.RecipientName,
		DueDate:        req.DueDate,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": dto.NewRFISummary(record, h.now())})
}

// List GET /rfis.
func (h *RFIHandler) List(c *fiber.Ctx) error {
	filter, err := parseRFIQuery(c)
	if err != nil {
		return err
	}
	records, err := h.service.List(c.UserContext(), filter)
	if err != nil {
		return err
	}
	now := h.now()
	items := make([]dto.RFISummary, 0, len(records))
	for i := range records {
		items = append(items, dto.NewRFISummary(&records[i], now))
	}
	return c.JSON(fiber.Map{"data": items})
}

// Get GET /rfis/:id.
func (h *RFIHandler) Get(c *fiber.Ctx) error {
	detail, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	resp := dto.RFIDetailResponse{
		RFISummary:    dto.NewRFISummary(detail.Record, h.now()),
		Question:      detail.Record.Question,
		RootMessageID: detail.Record.RootMessageID,
		CreatedBy:     detail.Record.CreatedBy,
		Allowed:       detail.Allowed,
		Responses:     make([]dto.ResponseEntryView, 0, len(detail.Responses)),
	}
	resp.Overdue = detail.Overdue
	for _, entry := range detail.Responses {
		resp.Responses = append(resp.Responses, dto.NewResponseEntryView(entry))
	}
	return c.JSON(fiber.Map{"data": resp})
}

// Send POST /rfis/:id/send.
func (h *RFIHandler) Send(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	record, err := h.service.Send(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewRFISummary(record, h.now())})
}

// FollowUp POST /rfis/:id/follow-ups.
func (h *RFIHandler) FollowUp(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.FollowUpRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	entry, err := h.service.SendFollowUp(c.UserContext(), actor, c.Params("id"), req.Body)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": dto.NewResponseEntryView(*entry)})
}

// Close POST /rfis/:id/close.
func (h *RFIHandler) Close(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	record, err := h.service.Close(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewRFISummary(record, h.now())})
}

// Reopen POST /rfis/:id/reopen.
func (h *RFIHandler) Reopen(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.ReopenRequest
	if len(c.Body()) > 0 {
		if err := bindAndValidate(c, &req); err != nil {
			return err
		}
	}
	record, err := h.service.Reopen(c.UserContext(), actor, c.Params("id"), req.Question)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": dto.NewRFISummary(record, h.now())})
}

// AddNote POST /rfis/:id/notes.
func (h *RFIHandler) AddNote(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.NoteRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	entry, err := h.service.AddNote(c.UserContext(), actor, c.Params("id"), req.Body)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": dto.NewResponseEntryView(*entry)})
}

// Events GET /rfis/:id/events.
func (h *RFIHandler) Events(c *fiber.Ctx) error {
	limit := parseInt(c.Query("limit"), 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	rows, err := h.service.Events(c.UserContext(), c.Params("id"), limit)
	if err != nil {
		return err
	}
	items := make([]dto.EmailEventView, 0, len(rows))
	for _, row := range rows {
		items = append(items, dto.NewEmailEventView(row))
	}
	return c.JSON(fiber.Map{"data": items})
}

func parseRFIQuery(c *fiber.Ctx) (service.RFIListFilter, error) {
	filter := service.RFIListFilter{}
	if project := c.Query("project_id"); project != "" {
		filter.ProjectID = &project
	}
	for _, part := range splitList(c.Query("status")) {
		status := domain.RFIStatus(part)
		if !slices.Contains(domain.AllRFIStatuses, status) {
			return filter, apperrors.NewValidationError("unknown status", map[string]any{"status": part})
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if raw := c.Query("overdue"); raw != "" {
		overdue, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, apperrors.NewValidationError("overdue must be a boolean", map[string]any{"overdue": raw})
		}
		filter.Overdue = &overdue
	}
	filter.Limit, filter.Offset = pagination(c)
	return filter, nil
}
