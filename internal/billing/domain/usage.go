package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one append-only usage entry.
type UsageRecord struct {
	ID         uuid.UUID
	UserID     string
	Feature    Feature
	Count      int
	RecordedAt time.Time
}

// NewUsageRecord validates and creates a usage entry.
func NewUsageRecord(userID string, feature Feature, count int, now time.Time) (*UsageRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if count < 1 {
		return nil, fmt.Errorf("%w: count must be at least 1", ErrInvalidRequest)
	}
	return &UsageRecord{
		ID:         uuid.New(),
		UserID:     userID,
		Feature:    feature,
		Count:      count,
		RecordedAt: now.UTC(),
	}, nil
}

// FeatureUsage is the usage of one feature against its limit.
type FeatureUsage struct {
	Feature   Feature `json:"feature"`
	Used      int     `json:"used"`
	Limit     int     `json:"limit"`
	Remaining int     `json:"remaining"`
}

// UsageSummary totals usage over a window.
type UsageSummary struct {
	UserID   string         `json:"userId"`
	Period   string         `json:"period"`
	From     time.Time      `json:"from"`
	To       time.Time      `json:"to"`
	Plan     string         `json:"plan"`
	Features []FeatureUsage `json:"features"`
}
