package repository

import (
	"encoding/json"
	"time"

	"github.com/kursadbilgin/mail-gateway/internal/domain"
	"gorm.io/datatypes"
)

// APIKeyModel is the persistence model for the api_keys table.
type APIKeyModel struct {
	ID             string         `gorm:"type:uuid;primaryKey"`
	Name           string         `gorm:"type:varchar(100);not null"`
	KeyPrefix      string         `gorm:"type:varchar(16);not null;uniqueIndex:idx_api_keys_key_prefix"`
	KeyHash        string         `gorm:"type:varchar(100);not null"`
	Active         bool           `gorm:"not null"`
	DailyLimit     *int           `gorm:"type:int"`
	AllowedDomains datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (APIKeyModel) TableName() string {
	return "api_keys"
}

// DailyUsageModel is one quota ledger row.
type DailyUsageModel struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	PrincipalID string `gorm:"type:varchar(36);not null;uniqueIndex:idx_daily_usage_principal_day,priority:1"`
	Day         string `gorm:"type:varchar(10);not null;uniqueIndex:idx_daily_usage_principal_day,priority:2"`
	Used        int    `gorm:"not null"`
	DailyLimit  int    `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (DailyUsageModel) TableName() string {
	return "daily_usage"
}

// SendAttemptModel is the persistence model for send_attempts.
type SendAttemptModel struct {
	ID            string         `gorm:"type:uuid;primaryKey"`
	PrincipalID   string         `gorm:"type:uuid;not null;index:idx_send_attempts_principal_created,priority:1"`
	Recipient     string         `gorm:"type:varchar(320);not null"`
	Subject       string         `gorm:"type:varchar(256);not null"`
	CorrelationID string         `gorm:"type:varchar(64);not null"`
	Outcome       domain.Outcome `gorm:"type:varchar(20);not null"`
	DeliveryID    *string        `gorm:"type:varchar(255)"`
	FailureReason *string        `gorm:"type:text"`
	CreatedAt     time.Time      `gorm:"index:idx_send_attempts_principal_created,priority:2"`
	ClaimedAt     *time.Time
	FinalizedAt   *time.Time

	// Keys with recorded attempts cannot be deleted; deactivate them instead.
	APIKey *APIKeyModel `gorm:"foreignKey:PrincipalID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

func (SendAttemptModel) TableName() string {
	return "send_attempts"
}

func apiKeyModelFromDomain(k *domain.APIKey) (*APIKeyModel, error) {
	if k == nil {
		return nil, nil
	}

	var domains datatypes.JSON
	if len(k.AllowedDomains) > 0 {
		raw, err := json.Marshal(k.AllowedDomains)
		if err != nil {
			return nil, err
		}
		domains = datatypes.JSON(raw)
	}

	return &APIKeyModel{
		ID:             k.ID,
		Name:           k.Name,
		KeyPrefix:      k.KeyPrefix,
		KeyHash:        k.KeyHash,
		Active:         k.Active,
		DailyLimit:     k.DailyLimit,
		AllowedDomains: domains,
		CreatedAt:      k.CreatedAt,
		UpdatedAt:      k.UpdatedAt,
	}, nil
}

func apiKeyModelToDomain(m *APIKeyModel) *domain.APIKey {
	if m == nil {
		return nil
	}

	return &domain.APIKey{
		ID:             m.ID,
		Name:           m.Name,
		KeyPrefix:      m.KeyPrefix,
		KeyHash:        m.KeyHash,
		Active:         m.Active,
		DailyLimit:     m.DailyLimit,
		AllowedDomains: decodeDomains(m.AllowedDomains),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func decodeDomains(value datatypes.JSON) []string {
	if len(value) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(value, &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sendAttemptModelFromDomain(a *domain.SendAttempt) *SendAttemptModel {
	if a == nil {
		return nil
	}

	return &SendAttemptModel{
		ID:            a.ID,
		PrincipalID:   a.PrincipalID,
		Recipient:     a.Recipient,
		Subject:       a.Subject,
		CorrelationID: a.CorrelationID,
		Outcome:       a.Outcome,
		DeliveryID:    a.DeliveryID,
		FailureReason: a.FailureReason,
		CreatedAt:     a.CreatedAt,
		ClaimedAt:     a.ClaimedAt,
		FinalizedAt:   a.FinalizedAt,
	}
}

func sendAttemptModelToDomain(m *SendAttemptModel) *domain.SendAttempt {
	if m == nil {
		return nil
	}

	return &domain.SendAttempt{
		ID:            m.ID,
		PrincipalID:   m.PrincipalID,
		Recipient:     m.Recipient,
		Subject:       m.Subject,
		CorrelationID: m.CorrelationID,
		Outcome:       m.Outcome,
		DeliveryID:    m.DeliveryID,
		FailureReason: m.FailureReason,
		CreatedAt:     m.CreatedAt,
		ClaimedAt:     m.ClaimedAt,
		FinalizedAt:   m.FinalizedAt,
	}
}
