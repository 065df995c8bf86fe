package domain

import (
	"strings"
	"time"
)

// Principal is an authenticated API key owner. It is read-only for the
// admission and dispatch flows.
type Principal struct {
	ID                      string
	Name                    string
	DailyLimit              int
	Active                  bool
	AllowedRecipientDomains []string
}

// AllowsRecipient reports whether recipient's domain passes the principal's
// allowlist. An empty allowlist allows every domain.
func (p *Principal) AllowsRecipient(recipient string) bool {
	if p == nil || len(p.AllowedRecipientDomains) == 0 {
		return true
	}
	return DomainAllowed(recipient, p.AllowedRecipientDomains)
}

// DomainAllowed matches the part after the last '@' case-insensitively.
func DomainAllowed(recipient string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}

	at := strings.LastIndex(recipient, "@")
	if at < 0 || at == len(recipient)-1 {
		return false
	}
	domain := strings.ToLower(strings.TrimSpace(recipient[at+1:]))

	for _, d := range allowed {
		if strings.ToLower(strings.TrimSpace(d)) == domain {
			return true
		}
	}
	return false
}

// RecipientDomain returns the lowercased domain part of an address.
func RecipientDomain(recipient string) string {
	at := strings.LastIndex(recipient, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(recipient[at+1:]))
}

// APIKey is the stored credential a Principal is resolved from. The plain
// key is never stored; KeyPrefix is the lookup handle and KeyHash the
// bcrypt digest of the full key.
type APIKey struct {
	ID             string
	Name           string
	KeyPrefix      string
	KeyHash        string
	Active         bool
	DailyLimit     *int
	AllowedDomains []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Principal resolves the key's effective settings. Keys without their own
// limit or allowlist inherit the gateway defaults.
func (k *APIKey) Principal(defaultLimit int, defaultDomains []string) *Principal {
	if k == nil {
		return nil
	}

	limit := defaultLimit
	if k.DailyLimit != nil && *k.DailyLimit > 0 {
		limit = *k.DailyLimit
	}

	domains := k.AllowedDomains
	if len(domains) == 0 {
		domains = defaultDomains
	}

	return &Principal{
		ID:                      k.ID,
		Name:                    k.Name,
		DailyLimit:              limit,
		Active:                  k.Active,
		AllowedRecipientDomains: domains,
	}
}
