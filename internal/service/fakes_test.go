package service

import (
	"context"
	"time"

	"github.com/kursadbilgin/mail-gateway/internal/domain"
	"github.com/kursadbilgin/mail-gateway/internal/mailer"
	"github.com/kursadbilgin/mail-gateway/internal/queue"
	"github.com/kursadbilgin/mail-gateway/internal/ratelimit"
)

type fakeAttemptRepo struct {
	createFn           func(ctx context.Context, a *domain.SendAttempt) error
	getByIDFn          func(ctx context.Context, id string) (*domain.SendAttempt, error)
	claimFn            func(ctx context.Context, id string, at time.Time) (bool, error)
	finalizeFn         func(ctx context.Context, id string, res domain.Resolution, at time.Time) (bool, error)
	abandonFn          func(ctx context.Context, id string, res domain.Resolution, at time.Time) (bool, error)
	countDeliveredFn   func(ctx context.Context, principalID string) (int64, error)
	listStalePendingFn func(ctx context.Context, createdBefore, claimedBefore time.Time, limit int) ([]domain.SendAttempt, error)
}

func (f *fakeAttemptRepo) Create(ctx context.Context, a *domain.SendAttempt) error {
	if f.createFn != nil {
		return f.createFn(ctx, a)
	}
	return nil
}

func (f *fakeAttemptRepo) GetByID(ctx context.Context, id string) (*domain.SendAttempt, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeAttemptRepo) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	if f.claimFn != nil {
		return f.claimFn(ctx, id, at)
	}
	return true, nil
}

func (f *fakeAttemptRepo) Finalize(ctx context.Context, id string, res domain.Resolution, at time.Time) (bool, error) {
	if f.finalizeFn != nil {
		return f.finalizeFn(ctx, id, res, at)
	}
	return true, nil
}

func (f *fakeAttemptRepo) Abandon(ctx context.Context, id string, res domain.Resolution, at time.Time) (bool, error) {
	if f.abandonFn != nil {
		return f.abandonFn(ctx, id, res, at)
	}
	return true, nil
}

func (f *fakeAttemptRepo) CountDelivered(ctx context.Context, principalID string) (int64, error) {
	if f.countDeliveredFn != nil {
		return f.countDeliveredFn(ctx, principalID)
	}
	return 0, nil
}

func (f *fakeAttemptRepo) ListStalePending(ctx context.Context, createdBefore, claimedBefore time.Time, limit int) ([]domain.SendAttempt, error) {
	if f.listStalePendingFn != nil {
		return f.listStalePendingFn(ctx, createdBefore, claimedBefore, limit)
	}
	return nil, nil
}

type fakeAPIKeyRepo struct {
	createFn      func(ctx context.Context, k *domain.APIKey) error
	getByPrefixFn func(ctx context.Context, prefix string) (*domain.APIKey, error)
	getByIDFn     func(ctx context.Context, id string) (*domain.APIKey, error)
	setActiveFn   func(ctx context.Context, id string, active bool) error
	listFn        func(ctx context.Context) ([]domain.APIKey, error)
}

func (f *fakeAPIKeyRepo) Create(ctx context.Context, k *domain.APIKey) error {
	if f.createFn != nil {
		return f.createFn(ctx, k)
	}
	return nil
}

func (f *fakeAPIKeyRepo) GetByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error) {
	if f.getByPrefixFn != nil {
		return f.getByPrefixFn(ctx, prefix)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeAPIKeyRepo) GetByID(ctx context.Context, id string) (*domain.APIKey, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeAPIKeyRepo) SetActive(ctx context.Context, id string, active bool) error {
	if f.setActiveFn != nil {
		return f.setActiveFn(ctx, id, active)
	}
	return nil
}

func (f *fakeAPIKeyRepo) List(ctx context.Context) ([]domain.APIKey, error) {
	if f.listFn != nil {
		return f.listFn(ctx)
	}
	return nil, nil
}

type fakeLedger struct {
	tryAdmitFn func(ctx context.Context, principalID string, day domain.QuotaDay, amount int, limit int) (ratelimit.AdmissionResult, error)
	peekFn     func(ctx context.Context, principalID string, day domain.QuotaDay, fallbackLimit int) (ratelimit.Usage, error)
}

func (f *fakeLedger) TryAdmit(ctx context.Context, principalID string, day domain.QuotaDay, amount int, limit int) (ratelimit.AdmissionResult, error) {
	if f.tryAdmitFn != nil {
		return f.tryAdmitFn(ctx, principalID, day, amount, limit)
	}
	return ratelimit.AdmissionResult{Admitted: true, UsedAfter: amount, Limit: limit}, nil
}

func (f *fakeLedger) Peek(ctx context.Context, principalID string, day domain.QuotaDay, fallbackLimit int) (ratelimit.Usage, error) {
	if f.peekFn != nil {
		return f.peekFn(ctx, principalID, day, fallbackLimit)
	}
	return ratelimit.Usage{Limit: fallbackLimit}, nil
}

type fakePublisher struct {
	publishFn func(ctx context.Context, msg queue.DeliveryMessage) error
	closeFn   func() error
}

func (f *fakePublisher) Publish(ctx context.Context, msg queue.DeliveryMessage) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, handler queue.MessageHandler) error
	closeFn   func() error
}

func (f *fakeConsumer) Consume(ctx context.Context, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

type fakeDeliverer struct {
	deliverFn func(ctx context.Context, env mailer.Envelope) (string, error)
}

func (f *fakeDeliverer) Deliver(ctx context.Context, env mailer.Envelope) (string, error) {
	if f.deliverFn != nil {
		return f.deliverFn(ctx, env)
	}
	return "delivery-1", nil
}

type fakeThrottle struct {
	allowFn func(ctx context.Context, scope string) (bool, error)
	waitFn  func(ctx context.Context, scope string) error
}

func (f *fakeThrottle) Allow(ctx context.Context, scope string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, scope)
	}
	return true, nil
}

func (f *fakeThrottle) Wait(ctx context.Context, scope string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, scope)
	}
	return nil
}

func testPrincipal(limit int) *domain.Principal {
	return &domain.Principal{
		ID:         "principal-1",
		Name:       "billing",
		DailyLimit: limit,
		Active:     true,
	}
}

func testEmail() domain.Email {
	return domain.Email{
		To:      "jane@example.com",
		Subject: "Invoice 42",
		Text:    "Your invoice is attached.",
	}
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 22, 30, 0, 0, time.UTC)
}
