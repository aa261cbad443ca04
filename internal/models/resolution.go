package models

import "time"

// StrategyName identifies a conflict resolution strategy
type StrategyName string

const (
	StrategyTakeLocal      StrategyName = "take_local"
	StrategyTakeRemote     StrategyName = "take_remote"
	StrategyMergeFields    StrategyName = "merge_fields"
	StrategyLastWriteWins  StrategyName = "last_write_wins"
	StrategyFirstWriteWins StrategyName = "first_write_wins"
	StrategyManualReview   StrategyName = "manual_review"
)

// RiskLevel grades how likely a strategy is to lose meaningful data
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ResolutionStrategy is registered per (table, field) and looked up at
// resolution time; never mutated except via explicit policy update.
type ResolutionStrategy struct {
	Name          StrategyName `json:"name"`
	Confidence    float64      `json:"confidence"`
	RiskLevel     RiskLevel    `json:"riskLevel"`
	PreservesData bool         `json:"preservesData"`
}

// ResolutionResult records the outcome of one resolution attempt. It is
// appended to a bounded per-user history for audit and debugging; it is
// never authoritative for future resolutions.
type ResolutionResult struct {
	Success                    bool           `json:"success"`
	ResolvedData               map[string]any `json:"resolvedData,omitempty"`
	StrategyUsed               StrategyName   `json:"strategyUsed,omitempty"`
	Confidence                 float64        `json:"confidence"`
	ConflictsResolved          int            `json:"conflictsResolved"`
	RequiresManualIntervention bool           `json:"requiresManualIntervention"`
	Error                      string         `json:"error,omitempty"`
	ConflictID                 string         `json:"conflictId,omitempty"`
	Automatic                  bool           `json:"automatic"`
	ResolvedAt                 time.Time      `json:"resolvedAt"`
}

// ManualChoice is the caller's explicit decision for a pending conflict
type ManualChoice string

const (
	ChoiceTakeLocal  ManualChoice = "take_local"
	ChoiceTakeRemote ManualChoice = "take_remote"
	ChoiceMerge      ManualChoice = "merge"
	ChoiceCustom     ManualChoice = "custom"
)
