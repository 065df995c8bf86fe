package handler

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/mail-gateway/internal/domain"
	"github.com/kursadbilgin/mail-gateway/internal/observability"
	"github.com/kursadbilgin/mail-gateway/internal/service"
	"github.com/kursadbilgin/mail-gateway/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const testAPIKey = "mgw_0a1b2c3d_secret"

func TestMailIntegration_SendQueued(t *testing.T) {
	t.Parallel()

	var gotEmail domain.Email
	var gotCorrelation string
	decider := &stubAdmission{
		decideFn: func(ctx context.Context, p *domain.Principal, amount int) (service.Decision, error) {
			if amount != 1 {
				t.Fatalf("amount = %d, want 1", amount)
			}
			return service.Decision{Kind: service.DecisionAllowed, Used: 3, Requested: 1, Limit: 5, Remaining: 2}, nil
		},
	}
	dispatcher := &stubDispatcher{
		submitFn: func(ctx context.Context, p *domain.Principal, email domain.Email) (*service.SubmissionResult, error) {
			gotEmail = email
			gotCorrelation, _ = observability.CorrelationIDFromContext(ctx)
			return &service.SubmissionResult{Status: service.StatusQueued, AttemptID: "attempt-1"}, nil
		},
	}

	app := newMailTestApp(t, decider, dispatcher, &stubAttempts{})

	body := `{"to":" jane@example.com ","subject":"Invoice 42","text":"attached","headers":{"X-Campaign":"march"}}`
	resp, respBody := performRequest(t, app, http.MethodPost, "/v1/mail/send", body, map[string]string{
		fiber.HeaderXRequestID: "req-9",
	})
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(respBody))
	}

	var accepted map[string]any
	if err := json.Unmarshal(respBody, &accepted); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if accepted["status"] != "queued" || accepted["attemptId"] != "attempt-1" {
		t.Fatalf("body = %v, want queued attempt-1", accepted)
	}
	if accepted["remaining"] != float64(2) {
		t.Fatalf("remaining = %v, want 2", accepted["remaining"])
	}
	if gotEmail.To != "jane@example.com" || gotEmail.Headers["X-Campaign"] != "march" {
		t.Fatalf("submitted email = %+v", gotEmail)
	}
	if gotCorrelation != "req-9" {
		t.Fatalf("correlation id = %q, want req-9", gotCorrelation)
	}
}

func TestMailIntegration_SendQuotaExceeded(t *testing.T) {
	t.Parallel()

	decider := &stubAdmission{
		decideFn: func(ctx context.Context, p *domain.Principal, amount int) (service.Decision, error) {
			return service.Decision{Kind: service.DecisionDenied, Used: 5, Requested: 1, Limit: 5, RetryAfter: 3600}, nil
		},
	}
	dispatcher := &stubDispatcher{
		submitFn: func(ctx context.Context, p *domain.Principal, email domain.Email) (*service.SubmissionResult, error) {
			t.Fatal("denied requests must not be dispatched")
			return nil, nil
		},
	}

	app := newMailTestApp(t, decider, dispatcher, &stubAttempts{})

	resp, body := performRequest(t, app, http.MethodPost, "/v1/mail/send", validSendBody, nil)
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429, body=%s", resp.StatusCode, string(body))
	}
	if got := resp.Header.Get(fiber.HeaderRetryAfter); got != "3600" {
		t.Fatalf("Retry-After = %q, want 3600", got)
	}

	var denied quotaExceededResponse
	if err := json.Unmarshal(body, &denied); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if denied.Used != 5 || denied.Limit != 5 || denied.Requested != 1 || denied.RetryAfter != 3600 {
		t.Fatalf("body = %+v", denied)
	}
}

func TestMailIntegration_SendErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		body           string
		decideErr      error
		submitErr      error
		wantStatus     int
		wantRetryAfter string
	}{
		{name: "malformed json", body: `{`, wantStatus: fiber.StatusBadRequest},
		{name: "invalid recipient", body: `{"to":"nope","subject":"s","text":"t"}`, wantStatus: fiber.StatusBadRequest},
		{name: "reserved header", body: `{"to":"a@b.io","subject":"s","text":"t","headers":{"From":"x@y.io"}}`, wantStatus: fiber.StatusBadRequest},
		{
			name:           "ledger unavailable",
			body:           validSendBody,
			decideErr:      fmt.Errorf("%w: connection refused", domain.ErrLedgerUnavailable),
			wantStatus:     fiber.StatusServiceUnavailable,
			wantRetryAfter: "5",
		},
		{
			name:       "recording failed",
			body:       validSendBody,
			submitErr:  fmt.Errorf("%w: insert failed", domain.ErrRecordingFailed),
			wantStatus: fiber.StatusInternalServerError,
		},
		{
			name:       "queue unavailable",
			body:       validSendBody,
			submitErr:  fmt.Errorf("%w: queue is closed", domain.ErrDispatchUnavailable),
			wantStatus: fiber.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			decider := &stubAdmission{
				decideFn: func(ctx context.Context, p *domain.Principal, amount int) (service.Decision, error) {
					if tt.decideErr != nil {
						return service.Decision{Kind: service.DecisionIndeterminate}, tt.decideErr
					}
					return service.Decision{Kind: service.DecisionAllowed, Used: 1, Limit: 5, Remaining: 4}, nil
				},
			}
			dispatcher := &stubDispatcher{
				submitFn: func(ctx context.Context, p *domain.Principal, email domain.Email) (*service.SubmissionResult, error) {
					if tt.submitErr != nil {
						return nil, tt.submitErr
					}
					return &service.SubmissionResult{Status: service.StatusQueued, AttemptID: "a"}, nil
				},
			}

			app := newMailTestApp(t, decider, dispatcher, &stubAttempts{})
			resp, body := performRequest(t, app, http.MethodPost, "/v1/mail/send", tt.body, nil)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tt.wantStatus, string(body))
			}
			if tt.wantRetryAfter != "" && resp.Header.Get(fiber.HeaderRetryAfter) != tt.wantRetryAfter {
				t.Fatalf("Retry-After = %q, want %q", resp.Header.Get(fiber.HeaderRetryAfter), tt.wantRetryAfter)
			}
			if strings.Contains(string(body), "insert failed") {
				t.Fatalf("storage detail leaked: %s", string(body))
			}
		})
	}
}

func TestMailIntegration_Authentication(t *testing.T) {
	t.Parallel()

	decider := &stubAdmission{
		decideFn: func(ctx context.Context, p *domain.Principal, amount int) (service.Decision, error) {
			t.Fatal("unauthenticated requests must not reach admission")
			return service.Decision{}, nil
		},
	}
	app := newMailTestApp(t, decider, &stubDispatcher{}, &stubAttempts{})

	tests := []struct {
		name       string
		key        string
		wantStatus int
	}{
		{name: "missing key", key: "", wantStatus: fiber.StatusUnauthorized},
		{name: "unknown key", key: "mgw_ffffffff_nope", wantStatus: fiber.StatusUnauthorized},
		{name: "inactive key", key: "mgw_dead0000_inactive", wantStatus: fiber.StatusForbidden},
	}

	for _, tt := range tests {
		resp, body := performRequest(t, app, http.MethodPost, "/v1/mail/send", validSendBody, map[string]string{
			HeaderAPIKey: tt.key,
		})
		if resp.StatusCode != tt.wantStatus {
			t.Fatalf("%s: status = %d, want %d, body=%s", tt.name, resp.StatusCode, tt.wantStatus, string(body))
		}
	}
}

func TestMailIntegration_Usage(t *testing.T) {
	t.Parallel()

	day, _ := domain.ParseQuotaDay("2026-03-14")
	decider := &stubAdmission{
		usageFn: func(ctx context.Context, p *domain.Principal) (service.QuotaUsage, error) {
			return service.QuotaUsage{
				PrincipalID: p.ID,
				Day:         day,
				Used:        0,
				Limit:       p.DailyLimit,
				Remaining:   p.DailyLimit,
				ResetAt:     day.ResetAt(),
				TotalSent:   12,
			}, nil
		},
	}

	app := newMailTestApp(t, decider, &stubDispatcher{}, &stubAttempts{})
	resp, body := performRequest(t, app, http.MethodGet, "/v1/usage", "", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var usage usageResponse
	if err := json.Unmarshal(body, &usage); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if usage.PrincipalID != "principal-1" || usage.Day != "2026-03-14" {
		t.Fatalf("usage = %+v", usage)
	}
	if usage.Used != 0 || usage.Limit != 5 || usage.Remaining != 5 || usage.TotalSent != 12 {
		t.Fatalf("usage = %+v, want 0/5 remaining 5 totalSent 12", usage)
	}
	if !usage.ResetAt.Equal(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("resetAt = %s", usage.ResetAt)
	}
}

func TestMailIntegration_GetAttempt(t *testing.T) {
	t.Parallel()

	reason := "connection refused"
	attempts := &stubAttempts{
		getByIDFn: func(ctx context.Context, id string) (*domain.SendAttempt, error) {
			switch id {
			case "mine":
				return &domain.SendAttempt{
					ID:            "mine",
					PrincipalID:   "principal-1",
					Recipient:     "jane@example.com",
					Outcome:       domain.OutcomeFailed,
					FailureReason: &reason,
				}, nil
			case "theirs":
				return &domain.SendAttempt{ID: "theirs", PrincipalID: "principal-2", Outcome: domain.OutcomePending}, nil
			default:
				return nil, domain.ErrNotFound
			}
		},
	}

	app := newMailTestApp(t, &stubAdmission{}, &stubDispatcher{}, attempts)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/attempts/mine", "", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var got attemptResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if got.Outcome != "failed" || got.FailureReason == nil || *got.FailureReason != reason {
		t.Fatalf("attempt = %+v", got)
	}

	for _, id := range []string{"theirs", "unknown"} {
		resp, body = performRequest(t, app, http.MethodGet, "/v1/attempts/"+id, "", nil)
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404, body=%s", id, resp.StatusCode, string(body))
		}
	}
}

func TestHealthIntegration_LivezReadyzMetrics(t *testing.T) {
	t.Parallel()

	t.Run("livez returns 200", func(t *testing.T) {
		t.Parallel()

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sql.OpenDB(stubConnector{}), nil, nil)

		resp, body := performRequest(t, app, http.MethodGet, "/livez", "", nil)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz without redis checks postgres only", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, nil, nil)

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "", nil)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
		if strings.Contains(string(body), "redis") {
			t.Fatalf("body = %s, want no redis check", string(body))
		}
	})

	t.Run("readyz returns 503 when redis down", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(errors.New("redis down"))
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, rdb, nil)

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "", nil)
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 503 when postgres down", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{pingErr: errors.New("postgres down")})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(nil)
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, rdb, nil)

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "", nil)
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("metrics exposes gateway collectors", func(t *testing.T) {
		t.Parallel()

		metrics := observability.NewMetrics()
		metrics.IncAdmissionDecision("denied")

		app := fiber.New()
		RegisterHealthRoutes(app, sql.OpenDB(stubConnector{}), nil, metrics)

		resp, body := performRequest(t, app, http.MethodGet, "/metrics", "", nil)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		if !strings.Contains(string(body), `mail_gateway_admission_decisions_total{result="denied"} 1`) {
			t.Fatalf("metrics body missing admission counter:\n%s", string(body))
		}
	})
}

const validSendBody = `{"to":"jane@example.com","subject":"Invoice 42","text":"attached"}`

type stubAuthenticator struct{}

func (stubAuthenticator) Authenticate(ctx context.Context, rawKey string) (*domain.Principal, error) {
	switch rawKey {
	case testAPIKey:
		return &domain.Principal{ID: "principal-1", DailyLimit: 5, Active: true}, nil
	case "mgw_dead0000_inactive":
		return nil, fmt.Errorf("%w: key dead0000 is inactive", domain.ErrInactiveKey)
	case "":
		return nil, fmt.Errorf("%w: missing api key", domain.ErrUnauthorized)
	default:
		return nil, fmt.Errorf("%w: unknown api key", domain.ErrUnauthorized)
	}
}

type stubAdmission struct {
	decideFn func(ctx context.Context, p *domain.Principal, amount int) (service.Decision, error)
	usageFn  func(ctx context.Context, p *domain.Principal) (service.QuotaUsage, error)
}

func (s *stubAdmission) Decide(ctx context.Context, p *domain.Principal, amount int) (service.Decision, error) {
	if s.decideFn != nil {
		return s.decideFn(ctx, p, amount)
	}
	return service.Decision{}, errors.New("not implemented")
}

func (s *stubAdmission) Usage(ctx context.Context, p *domain.Principal) (service.QuotaUsage, error) {
	if s.usageFn != nil {
		return s.usageFn(ctx, p)
	}
	return service.QuotaUsage{}, errors.New("not implemented")
}

type stubDispatcher struct {
	submitFn func(ctx context.Context, p *domain.Principal, email domain.Email) (*service.SubmissionResult, error)
}

func (s *stubDispatcher) Submit(ctx context.Context, p *domain.Principal, email domain.Email) (*service.SubmissionResult, error) {
	if s.submitFn != nil {
		return s.submitFn(ctx, p, email)
	}
	return nil, errors.New("not implemented")
}

type stubAttempts struct {
	getByIDFn func(ctx context.Context, id string) (*domain.SendAttempt, error)
}

func (s *stubAttempts) GetByID(ctx context.Context, id string) (*domain.SendAttempt, error) {
	if s.getByIDFn != nil {
		return s.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func newMailTestApp(t *testing.T, admission AdmissionDecider, dispatcher Dispatcher, attempts AttemptReader) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})

	if err := RegisterMailRoutes(app, stubAuthenticator{}, admission, dispatcher, attempts); err != nil {
		t.Fatalf("RegisterMailRoutes() error = %v", err)
	}

	return app
}

// performRequest sends the test API key unless headers override it.
func performRequest(t *testing.T, app *fiber.App, method string, path string, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(HeaderAPIKey, testAPIKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

type stubConnector struct {
	pingErr error
}

func (c stubConnector) Connect(context.Context) (driver.Conn, error) {
	return stubConn(c), nil
}

func (c stubConnector) Driver() driver.Driver {
	return stubDriver(c)
}

type stubDriver struct {
	pingErr error
}

func (d stubDriver) Open(string) (driver.Conn, error) {
	return stubConn(d), nil
}

type stubConn struct {
	pingErr error
}

func (c stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c stubConn) Close() error                        { return nil }
func (c stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }
func (c stubConn) Ping(context.Context) error          { return c.pingErr }

type stubRedisHook struct {
	pingErr error
}

func (h stubRedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h stubRedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.EqualFold(cmd.Name(), "ping") && h.pingErr != nil {
			cmd.SetErr(h.pingErr)
			return h.pingErr
		}
		cmd.SetErr(nil)
		return nil
	}
}

func (h stubRedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			cmd.SetErr(nil)
		}
		return nil
	}
}

func newStubRedisClient(pingErr error) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:6379",
		DialTimeout:  time.Millisecond,
		ReadTimeout:  time.Millisecond,
		WriteTimeout: time.Millisecond,
	})
	rdb.AddHook(stubRedisHook{pingErr: pingErr})
	return rdb
}
