package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/rfi-sync-service/internal/audit"
	"github.com/spec-kit/rfi-sync-service/internal/domain"
	"github.com/spec-kit/rfi-sync-service/internal/ingestion"
	apperrors "github.com/spec-kit/rfi-sync-service/pkg/util/errorutil"
)

// WebhookConfig holds the shared secrets a push must prove.
type WebhookConfig struct {
	Secret     string
	Token      string
	RetryAfter time.Duration
}

// WebhookHandler receives provider push notifications.
type WebhookHandler struct {
	acceptor ingestion.Acceptor
	audit    *audit.Trail
	cfg      WebhookConfig
	logger   *zap.Logger
}

// NewWebhookHandler constructs handler. With neither secret nor token set every push is accepted.
func NewWebhookHandler(acceptor ingestion.Acceptor, trail *audit.Trail, cfg WebhookConfig, logger *zap.Logger) *WebhookHandler {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{acceptor: acceptor, audit: trail, cfg: cfg, logger: logger.Named("webhook")}
}

// Receive POST /webhooks/mail. It answers quickly; processing happens on the worker pool.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	body := c.Body()
	if !h.authentic(c, body) {
		if h.audit != nil {
			_ = h.audit.Record(c.UserContext(), audit.Entry{
				Direction:  domain.DirectionInbound,
				Stage:      domain.StageReceive,
				Outcome:    domain.OutcomeFailed,
				PayloadRef: "push:unverified",
				ErrorCode:  apperrors.CodeUnauthorized,
			})
		}
		h.logger.Warn("rejected unauthenticated push", zap.String("ip", c.IP()))
		return apperrors.NewUnauthorized("invalid webhook credentials")
	}

	delivery, err := ingestion.DecodeEnvelope(body)
	if err != nil {
		return err
	}
	receipt, err := h.acceptor.Accept(c.UserContext(), delivery)
	switch {
	case errors.Is(err, ingestion.ErrQueueFull):
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(h.cfg.RetryAfter.Seconds())))
		return apperrors.NewServiceUnavailable("ingestion queue is full", nil)
	case err != nil:
		return err
	case receipt.Duplicate:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": fiber.Map{"status": "duplicate"}})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"data": fiber.Map{
		"status": "accepted",
		"job_id": receipt.JobID,
	}})
}

func (h *WebhookHandler) authentic(c *fiber.Ctx, body []byte) bool {
	if h.cfg.Secret == "" && h.cfg.Token == "" {
		return true
	}
	if h.cfg.Secret != "" && ingestion.VerifySignature(h.cfg.Secret, body, c.Get(ingestion.SignatureHeader)) {
		return true
	}
	return h.cfg.Token != "" && ingestion.VerifyToken(h.cfg.Token, c.Query("token"))
}
