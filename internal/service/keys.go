package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/mail-gateway/internal/domain"
	"github.com/kursadbilgin/mail-gateway/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeySecretBytes   = 24
	maxPrefixCollisions = 3
)

type CreateKeyInput struct {
	Name           string
	DailyLimit     *int
	AllowedDomains []string
}

// CreatedKey is returned once at creation. PlainKey is not recoverable later.
type CreatedKey struct {
	Key      domain.APIKey
	PlainKey string
}

// KeyManager issues and toggles API keys for the operator CLI.
type KeyManager struct {
	keys       repository.APIKeyRepository
	logger     *zap.Logger
	bcryptCost int
	randRead   func(b []byte) (int, error)
}

func NewKeyManager(keys repository.APIKeyRepository, logger *zap.Logger) (*KeyManager, error) {
	if keys == nil {
		return nil, fmt.Errorf("api key repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &KeyManager{
		keys:       keys,
		logger:     logger,
		bcryptCost: bcrypt.DefaultCost,
		randRead:   rand.Read,
	}, nil
}

func (m *KeyManager) Create(ctx context.Context, input CreateKeyInput) (*CreatedKey, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: key name is required", domain.ErrValidation)
	}
	if input.DailyLimit != nil && *input.DailyLimit < 1 {
		return nil, fmt.Errorf("%w: daily limit must be >= 1", domain.ErrValidation)
	}

	domains := make([]string, 0, len(input.AllowedDomains))
	for _, d := range input.AllowedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			domains = append(domains, d)
		}
	}

	for i := 0; i < maxPrefixCollisions; i++ {
		plain, prefix, err := m.generateKey()
		if err != nil {
			return nil, err
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(plain), m.bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash api key: %w", err)
		}

		key := &domain.APIKey{
			Name:           name,
			KeyPrefix:      prefix,
			KeyHash:        string(hash),
			Active:         true,
			DailyLimit:     input.DailyLimit,
			AllowedDomains: domains,
		}
		err = m.keys.Create(ctx, key)
		if errors.Is(err, domain.ErrConflict) {
			m.logger.Warn("api key prefix collision, regenerating", zap.String("keyPrefix", prefix))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to store api key: %w", err)
		}

		m.logger.Info("api key created",
			zap.String("keyId", key.ID),
			zap.String("keyPrefix", key.KeyPrefix),
		)
		return &CreatedKey{Key: *key, PlainKey: plain}, nil
	}

	return nil, fmt.Errorf("%w: could not allocate a unique key prefix", domain.ErrConflict)
}

func (m *KeyManager) Activate(ctx context.Context, id string) error {
	return m.setActive(ctx, id, true)
}

func (m *KeyManager) Deactivate(ctx context.Context, id string) error {
	return m.setActive(ctx, id, false)
}

func (m *KeyManager) List(ctx context.Context) ([]domain.APIKey, error) {
	return m.keys.List(ctx)
}

func (m *KeyManager) setActive(ctx context.Context, id string, active bool) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: key id is required", domain.ErrValidation)
	}
	if err := m.keys.SetActive(ctx, id, active); err != nil {
		return err
	}

	m.logger.Info("api key state changed", zap.String("keyId", id), zap.Bool("active", active))
	return nil
}

func (m *KeyManager) generateKey() (plain string, prefix string, err error) {
	buf := make([]byte, apiKeyPrefixLen/2+apiKeySecretBytes)
	if _, err := m.randRead(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate api key: %w", err)
	}

	prefix = hex.EncodeToString(buf[:apiKeyPrefixLen/2])
	secret := hex.EncodeToString(buf[apiKeyPrefixLen/2:])
	return apiKeyScheme + "_" + prefix + "_" + secret, prefix, nil
}
