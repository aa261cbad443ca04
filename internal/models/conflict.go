package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ConflictType classifies how two copies of a record diverged
type ConflictType string

const (
	ConflictField      ConflictType = "field_conflict"
	ConflictTimestamp  ConflictType = "timestamp_conflict"
	ConflictVersion    ConflictType = "version_conflict"
	ConflictEncryption ConflictType = "encryption_conflict"
)

// Severity ranks how much a conflict matters
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities so the worst field wins for the whole record.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Max returns the more severe of two severities.
func (s Severity) Max(other Severity) Severity {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

var ErrNoConflictingFields = errors.New("conflict record must have at least one conflicting field")

// ConflictRecord captures two divergent representations of the same
// logical record observed by different devices. Created by the detector,
// deleted by the resolver once resolved.
type ConflictRecord struct {
	ConflictID        string         `json:"conflictId"`
	UserID            string         `json:"userId"`
	Table             string         `json:"table"`
	RecordID          string         `json:"recordId"`
	LocalData         map[string]any `json:"localData"`
	RemoteData        map[string]any `json:"remoteData"`
	LocalTimestamp    time.Time      `json:"localTimestamp"`
	RemoteTimestamp   time.Time      `json:"remoteTimestamp"`
	ConflictingFields []string       `json:"conflictingFields"`
	ConflictType      ConflictType   `json:"conflictType"`
	Severity          Severity       `json:"severity"`
	AutoResolvable    bool           `json:"autoResolvable"`
	OriginDevice      string         `json:"originDevice"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// NewConflictRecord builds a conflict. A record with zero differing
// fields is not a conflict and is rejected here.
func NewConflictRecord(userID, table, recordID string, fields []string) (*ConflictRecord, error) {
	if len(fields) == 0 {
		return nil, ErrNoConflictingFields
	}
	return &ConflictRecord{
		ConflictID:        uuid.New().String(),
		UserID:            userID,
		Table:             table,
		RecordID:          recordID,
		ConflictingFields: fields,
		CreatedAt:         time.Now().UTC(),
	}, nil
}
