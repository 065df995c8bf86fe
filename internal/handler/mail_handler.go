package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/mail-gateway/internal/domain"
	"github.com/kursadbilgin/mail-gateway/internal/observability"
	"github.com/kursadbilgin/mail-gateway/internal/service"
)

const (
	HeaderAPIKey = "X-API-Key"

	principalLocalKey = "principal"
	// Retry-After sent when the quota ledger cannot be reached.
	ledgerRetryAfterSeconds = 5
)

type Authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*domain.Principal, error)
}

type AdmissionDecider interface {
	Decide(ctx context.Context, principal *domain.Principal, amount int) (service.Decision, error)
	Usage(ctx context.Context, principal *domain.Principal) (service.QuotaUsage, error)
}

type Dispatcher interface {
	Submit(ctx context.Context, principal *domain.Principal, email domain.Email) (*service.SubmissionResult, error)
}

type AttemptReader interface {
	GetByID(ctx context.Context, id string) (*domain.SendAttempt, error)
}

type MailHandler struct {
	admission  AdmissionDecider
	dispatcher Dispatcher
	attempts   AttemptReader
}

func NewMailHandler(admission AdmissionDecider, dispatcher Dispatcher, attempts AttemptReader) (*MailHandler, error) {
	if admission == nil {
		return nil, fmt.Errorf("admission decider is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt reader is required")
	}
	return &MailHandler{admission: admission, dispatcher: dispatcher, attempts: attempts}, nil
}

func RegisterMailRoutes(
	router fiber.Router,
	auth Authenticator,
	admission AdmissionDecider,
	dispatcher Dispatcher,
	attempts AttemptReader,
) error {
	if auth == nil {
		return fmt.Errorf("authenticator is required")
	}
	h, err := NewMailHandler(admission, dispatcher, attempts)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1", RequireAPIKey(auth))
	v1.Post("/mail/send", h.Send)
	v1.Get("/usage", h.Usage)
	v1.Get("/attempts/:id", h.GetAttempt)

	return nil
}

type sendRequest struct {
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Text    string            `json:"text"`
	Headers map[string]string `json:"headers"`
}

type sendResponse struct {
	Status    string `json:"status"`
	AttemptID string `json:"attemptId"`
	Remaining int    `json:"remaining"`
}

type quotaExceededResponse struct {
	Error      string `json:"error"`
	Used       int    `json:"used"`
	Requested  int    `json:"requested"`
	Limit      int    `json:"limit"`
	RetryAfter int    `json:"retryAfter"`
}

type usageResponse struct {
	PrincipalID string    `json:"principalId"`
	Day         string    `json:"day"`
	Used        int       `json:"used"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	ResetAt     time.Time `json:"resetAt"`
	TotalSent   int64     `json:"totalSent"`
}

type attemptResponse struct {
	ID            string     `json:"id"`
	Recipient     string     `json:"recipient"`
	Subject       string     `json:"subject"`
	CorrelationID string     `json:"correlationId,omitempty"`
	Outcome       string     `json:"outcome"`
	DeliveryID    *string    `json:"deliveryId,omitempty"`
	FailureReason *string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	FinalizedAt   *time.Time `json:"finalizedAt,omitempty"`
}

// Send validates the message before admission so malformed requests never
// consume quota.
func (h *MailHandler) Send(c *fiber.Ctx) error {
	principal := principalFromCtx(c)

	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	email := domain.Email{
		To:      req.To,
		Subject: req.Subject,
		HTML:    req.HTML,
		Text:    req.Text,
		Headers: req.Headers,
	}
	email.Normalize()
	if err := email.Validate(); err != nil {
		return toHTTPError(c, err)
	}

	ctx := requestContext(c)
	decision, err := h.admission.Decide(ctx, principal, 1)
	if err != nil {
		return toHTTPError(c, err)
	}
	if !decision.Allowed() {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(decision.RetryAfter))
		return c.Status(fiber.StatusTooManyRequests).JSON(quotaExceededResponse{
			Error:      "daily quota exceeded",
			Used:       decision.Used,
			Requested:  decision.Requested,
			Limit:      decision.Limit,
			RetryAfter: decision.RetryAfter,
		})
	}

	result, err := h.dispatcher.Submit(ctx, principal, email)
	if err != nil {
		return toHTTPError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(sendResponse{
		Status:    result.Status,
		AttemptID: result.AttemptID,
		Remaining: decision.Remaining,
	})
}

func (h *MailHandler) Usage(c *fiber.Ctx) error {
	usage, err := h.admission.Usage(requestContext(c), principalFromCtx(c))
	if err != nil {
		return toHTTPError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(usageResponse{
		PrincipalID: usage.PrincipalID,
		Day:         usage.Day.String(),
		Used:        usage.Used,
		Limit:       usage.Limit,
		Remaining:   usage.Remaining,
		ResetAt:     usage.ResetAt,
		TotalSent:   usage.TotalSent,
	})
}

// GetAttempt only exposes attempts of the calling key; others read as
// missing.
func (h *MailHandler) GetAttempt(c *fiber.Ctx) error {
	principal := principalFromCtx(c)
	id := strings.TrimSpace(c.Params("id"))

	attempt, err := h.attempts.GetByID(requestContext(c), id)
	if err != nil {
		return toHTTPError(c, err)
	}
	if attempt.PrincipalID != principal.ID {
		return toHTTPError(c, fmt.Errorf("%w: attempt %s", domain.ErrNotFound, id))
	}

	return c.Status(fiber.StatusOK).JSON(toAttemptResponse(attempt))
}

// RequireAPIKey authenticates the X-API-Key header and stores the principal
// for downstream handlers.
func RequireAPIKey(auth Authenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal, err := auth.Authenticate(requestContext(c), c.Get(HeaderAPIKey))
		if err != nil {
			return toHTTPError(c, err)
		}

		c.Locals(principalLocalKey, principal)
		return c.Next()
	}
}

func principalFromCtx(c *fiber.Ctx) *domain.Principal {
	principal, _ := c.Locals(principalLocalKey).(*domain.Principal)
	return principal
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if correlationID := requestCorrelationID(c); correlationID != "" {
		ctx = observability.WithCorrelationID(ctx, correlationID)
	}
	return ctx
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toAttemptResponse(a *domain.SendAttempt) attemptResponse {
	return attemptResponse{
		ID:            a.ID,
		Recipient:     a.Recipient,
		Subject:       a.Subject,
		CorrelationID: a.CorrelationID,
		Outcome:       a.Outcome.String(),
		DeliveryID:    a.DeliveryID,
		FailureReason: a.FailureReason,
		CreatedAt:     a.CreatedAt,
		FinalizedAt:   a.FinalizedAt,
	}
}

func toHTTPError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		return fiber.NewError(fiber.StatusUnauthorized, "invalid or missing api key")
	case errors.Is(err, domain.ErrInactiveKey):
		return fiber.NewError(fiber.StatusForbidden, "api key is inactive")
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrLedgerUnavailable):
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(ledgerRetryAfterSeconds))
		return fiber.NewError(fiber.StatusServiceUnavailable, "quota service unavailable, retry later")
	case errors.Is(err, domain.ErrRecordingFailed):
		return fiber.NewError(fiber.StatusInternalServerError, "failed to record send attempt")
	case errors.Is(err, domain.ErrDispatchUnavailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, "delivery queue unavailable, retry later")
	default:
		return err
	}
}
