package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/rfi-sync-service/internal/api/dto"
	"github.com/spec-kit/rfi-sync-service/internal/observability"
	"github.com/spec-kit/rfi-sync-service/internal/service"
)

// QueueInspector reports ingestion backlog.
type QueueInspector interface {
	Depth(ctx context.Context) int
	Capacity() int
}

// DashboardHandler serves aggregate counts.
type DashboardHandler struct {
	rfis    *service.RFIService
	queue   QueueInspector
	metrics *observability.Metrics
}

// NewDashboardHandler constructs handler. queue and metrics may be nil.
func NewDashboardHandler(rfis *service.RFIService, queue QueueInspector, metrics *observability.Metrics) *DashboardHandler {
	return &DashboardHandler{rfis: rfis, queue: queue, metrics: metrics}
}

// Get GET /dashboard.
func (h *DashboardHandler) Get(c *fiber.Ctx) error {
	ctx := c.UserContext()
	counts, err := h.rfis.Dashboard(ctx)
	if err != nil {
		return err
	}
	resp := dto.DashboardResponse{Counts: counts, Metrics: h.metrics.Snapshot()}
	if h.queue != nil {
		resp.Queue = dto.QueueView{Depth: h.queue.Depth(ctx), Capacity: h.queue.Capacity()}
	}
	return c.JSON(fiber.Map{"data": resp})
}
