package service

import (
	"context"
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
	apiKeyScheme    = "mgw"
	apiKeyPrefixLen = 8
)

// Authenticator resolves a raw API key into the principal it belongs to.
type Authenticator struct {
	keys           repository.APIKeyRepository
	defaultLimit   int
	defaultDomains []string
	logger         *zap.Logger
}

func NewAuthenticator(
	keys repository.APIKeyRepository,
	defaultLimit int,
	defaultDomains []string,
	logger *zap.Logger,
) (*Authenticator, error) {
	if keys == nil {
		return nil, fmt.Errorf("api key repository is required")
	}
	if defaultLimit < 1 {
		return nil, fmt.Errorf("default daily limit must be >= 1")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Authenticator{
		keys:           keys,
		defaultLimit:   defaultLimit,
		defaultDomains: defaultDomains,
		logger:         logger,
	}, nil
}

// Authenticate returns domain.ErrUnauthorized for missing, malformed or
// unknown keys and domain.ErrInactiveKey for deactivated ones.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (*domain.Principal, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return nil, fmt.Errorf("%w: missing api key", domain.ErrUnauthorized)
	}

	prefix, ok := parseAPIKey(rawKey)
	if !ok {
		return nil, fmt.Errorf("%w: malformed api key", domain.ErrUnauthorized)
	}

	key, err := a.keys.GetByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown api key", domain.ErrUnauthorized)
		}
		return nil, fmt.Errorf("failed to load api key: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)); err != nil {
		a.logger.Warn("api key hash mismatch", zap.String("keyPrefix", prefix))
		return nil, fmt.Errorf("%w: unknown api key", domain.ErrUnauthorized)
	}

	if !key.Active {
		return nil, fmt.Errorf("%w: key %s is inactive", domain.ErrInactiveKey, prefix)
	}

	return key.Principal(a.defaultLimit, a.defaultDomains), nil
}

// parseAPIKey extracts the lookup prefix from a key shaped
// mgw_<8 hex>_<secret>.
func parseAPIKey(raw string) (string, bool) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 || parts[0] != apiKeyScheme || parts[2] == "" {
		return "", false
	}

	prefix := parts[1]
	if len(prefix) != apiKeyPrefixLen {
		return "", false
	}
	if _, err := hex.DecodeString(prefix); err != nil {
		return "", false
	}

	return strings.ToLower(prefix), true
}
