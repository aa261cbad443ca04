package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relaycrm/syncengine/internal/models"
	"github.com/relaycrm/syncengine/internal/observability"
)

// defaultHistoryLimit bounds the per-user resolution history when the
// configured limit is missing or nonsense.
const defaultHistoryLimit = 50

// ConflictResolver applies per-field resolution policies to conflicts
// the detector produced. Conflicts it cannot settle automatically stay
// pending until a caller decides via ResolveManually.
type ConflictResolver struct {
	mu         sync.Mutex
	registry   map[string]models.ResolutionStrategy
	defaultStr models.ResolutionStrategy
	pending    map[string]*models.ConflictRecord
	history    map[string][]models.ResolutionResult

	historyLimit int
	audit        *AuditService
	logger       *observability.Logger
	metrics      *observability.EngineMetrics
	now          func() time.Time
}

func NewConflictResolver(historyLimit int, audit *AuditService, logger *observability.Logger, metrics *observability.EngineMetrics) *ConflictResolver {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	r := &ConflictResolver{
		registry: make(map[string]models.ResolutionStrategy),
		defaultStr: models.ResolutionStrategy{
			Name:          models.StrategyLastWriteWins,
			Confidence:    0.5,
			RiskLevel:     models.RiskMedium,
			PreservesData: false,
		},
		pending:      make(map[string]*models.ConflictRecord),
		history:      make(map[string][]models.ResolutionResult),
		historyLimit: historyLimit,
		audit:        audit,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
	}
	r.registerDefaults()
	return r
}

// registerDefaults seeds policies for the fields we understand well.
// Anything security-adjacent is pinned to manual review.
func (r *ConflictResolver) registerDefaults() {
	safe := models.ResolutionStrategy{
		Name:          models.StrategyLastWriteWins,
		Confidence:    0.9,
		RiskLevel:     models.RiskLow,
		PreservesData: false,
	}
	merge := models.ResolutionStrategy{
		Name:          models.StrategyMergeFields,
		Confidence:    0.8,
		RiskLevel:     models.RiskLow,
		PreservesData: true,
	}
	review := models.ResolutionStrategy{
		Name:          models.StrategyManualReview,
		Confidence:    1.0,
		RiskLevel:     models.RiskHigh,
		PreservesData: true,
	}

	r.RegisterStrategy("settings", "theme", safe)
	r.RegisterStrategy("settings", "language", safe)
	r.RegisterStrategy("settings", "timezone", safe)
	r.RegisterStrategy("users", "avatar_url", safe)
	r.RegisterStrategy("users", "display_name", safe)
	r.RegisterStrategy("settings", "notifications_email", merge)
	r.RegisterStrategy("settings", "notifications_push", merge)
	r.RegisterStrategy("users", "email", review)
	r.RegisterStrategy("users", "password_hash", review)
	r.RegisterStrategy("users", "api_token", review)
}

// RegisterStrategy installs or replaces the policy for one field
func (r *ConflictResolver) RegisterStrategy(table, field string, strategy models.ResolutionStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry[table+"."+field] = strategy
}

// Resolve attempts automatic resolution. Whatever the outcome, the
// attempt is recorded in the user's history; only a successful attempt
// removes the conflict from the pending set.
func (r *ConflictResolver) Resolve(ctx context.Context, conflict *models.ConflictRecord) *models.ResolutionResult {
	r.mu.Lock()
	r.pending[conflict.ConflictID] = conflict
	strategy := r.governingStrategyLocked(conflict)
	r.mu.Unlock()

	result := &models.ResolutionResult{
		ConflictID:   conflict.ConflictID,
		StrategyUsed: strategy.Name,
		Confidence:   strategy.Confidence,
		Automatic:    true,
		ResolvedAt:   r.now().UTC(),
	}

	if !conflict.AutoResolvable || strategy.Name == models.StrategyManualReview {
		result.RequiresManualIntervention = true
		r.appendHistory(conflict.UserID, *result)
		r.logger.WithField("conflict_id", conflict.ConflictID).
			Infof("conflict on %s/%s held for manual review", conflict.Table, conflict.RecordID)
		return result
	}

	resolved, err := r.apply(strategy.Name, conflict)
	if err != nil {
		result.Error = err.Error()
		result.RequiresManualIntervention = true
		r.appendHistory(conflict.UserID, *result)
		return result
	}

	result.Success = true
	result.ResolvedData = resolved
	result.ConflictsResolved = len(conflict.ConflictingFields)
	r.finalize(ctx, conflict, *result)
	return result
}

// ResolveManually settles a pending conflict with the caller's explicit
// choice. A custom choice without a payload is an error and leaves the
// conflict pending.
func (r *ConflictResolver) ResolveManually(ctx context.Context, conflictID, userID string, choice models.ManualChoice, custom map[string]any) (*models.ResolutionResult, error) {
	r.mu.Lock()
	conflict, ok := r.pending[conflictID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending conflict %q", conflictID)
	}
	if conflict.UserID != userID {
		return nil, fmt.Errorf("conflict %q does not belong to user %q", conflictID, userID)
	}

	var (
		strategy models.StrategyName
		resolved map[string]any
		err      error
	)
	switch choice {
	case models.ChoiceTakeLocal:
		strategy = models.StrategyTakeLocal
		resolved, err = r.apply(strategy, conflict)
	case models.ChoiceTakeRemote:
		strategy = models.StrategyTakeRemote
		resolved, err = r.apply(strategy, conflict)
	case models.ChoiceMerge:
		strategy = models.StrategyMergeFields
		resolved, err = r.apply(strategy, conflict)
	case models.ChoiceCustom:
		if custom == nil {
			return nil, fmt.Errorf("custom resolution for conflict %q requires a payload", conflictID)
		}
		strategy = models.StrategyMergeFields
		resolved = custom
	default:
		return nil, fmt.Errorf("unknown resolution choice %q", choice)
	}
	if err != nil {
		return nil, err
	}

	// An explicit human decision is as confident as it gets.
	result := models.ResolutionResult{
		Success:           true,
		ResolvedData:      resolved,
		StrategyUsed:      strategy,
		Confidence:        1,
		ConflictsResolved: len(conflict.ConflictingFields),
		ConflictID:        conflictID,
		Automatic:         false,
		ResolvedAt:        r.now().UTC(),
	}
	r.finalize(ctx, conflict, result)
	return &result, nil
}

// governingStrategyLocked picks, among the strategies registered for
// the conflicting fields, the one with the highest confidence. Fields
// with no registration contribute the default.
func (r *ConflictResolver) governingStrategyLocked(conflict *models.ConflictRecord) models.ResolutionStrategy {
	best := r.defaultStr
	for _, field := range conflict.ConflictingFields {
		if s, ok := r.registry[conflict.Table+"."+field]; ok && s.Confidence > best.Confidence {
			best = s
		}
	}
	return best
}

func (r *ConflictResolver) apply(name models.StrategyName, conflict *models.ConflictRecord) (map[string]any, error) {
	switch name {
	case models.StrategyTakeLocal:
		return cloneRecord(conflict.LocalData), nil
	case models.StrategyTakeRemote:
		return cloneRecord(conflict.RemoteData), nil
	case models.StrategyLastWriteWins:
		if conflict.RemoteTimestamp.After(conflict.LocalTimestamp) {
			return cloneRecord(conflict.RemoteData), nil
		}
		return cloneRecord(conflict.LocalData), nil
	case models.StrategyFirstWriteWins:
		if conflict.RemoteTimestamp.Before(conflict.LocalTimestamp) {
			return cloneRecord(conflict.RemoteData), nil
		}
		return cloneRecord(conflict.LocalData), nil
	case models.StrategyMergeFields:
		return r.merge(conflict), nil
	default:
		return nil, fmt.Errorf("strategy %q cannot produce data", name)
	}
}

// merge unions the two copies: fields present on only one side are
// kept, and each conflicting field takes the value from the copy with
// the later modification time.
func (r *ConflictResolver) merge(conflict *models.ConflictRecord) map[string]any {
	remoteNewer := conflict.RemoteTimestamp.After(conflict.LocalTimestamp)
	disputed := make(map[string]bool, len(conflict.ConflictingFields))
	for _, f := range conflict.ConflictingFields {
		disputed[f] = true
	}

	merged := cloneRecord(conflict.LocalData)
	for k, v := range conflict.RemoteData {
		if _, ok := merged[k]; !ok {
			merged[k] = v
			continue
		}
		if disputed[k] && remoteNewer {
			merged[k] = v
		}
	}
	return merged
}

// finalize removes the conflict and records the result in one critical
// section, so a pending conflict is never visible alongside its own
// resolution.
func (r *ConflictResolver) finalize(ctx context.Context, conflict *models.ConflictRecord, result models.ResolutionResult) {
	r.mu.Lock()
	delete(r.pending, conflict.ConflictID)
	r.appendHistoryLocked(conflict.UserID, result)
	r.mu.Unlock()

	r.metrics.RecordConflictResolved(ctx, string(result.StrategyUsed), result.Automatic)
	if r.audit != nil {
		r.audit.Record(ctx, "conflict_resolved",
			fmt.Sprintf("%s/%s", conflict.Table, conflict.RecordID),
			"success",
			map[string]any{
				"conflict_id": conflict.ConflictID,
				"strategy":    result.StrategyUsed,
				"confidence":  result.Confidence,
				"automatic":   result.Automatic,
			})
	}
}

func (r *ConflictResolver) appendHistory(userID string, result models.ResolutionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendHistoryLocked(userID, result)
}

func (r *ConflictResolver) appendHistoryLocked(userID string, result models.ResolutionResult) {
	entries := append(r.history[userID], result)
	if len(entries) > r.historyLimit {
		entries = entries[len(entries)-r.historyLimit:]
	}
	r.history[userID] = entries
}

// PendingConflicts lists a user's unresolved conflicts, oldest first
func (r *ConflictResolver) PendingConflicts(userID string) []*models.ConflictRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ConflictRecord
	for _, c := range r.pending {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ResolutionHistory returns the user's recent resolutions, oldest first
func (r *ConflictResolver) ResolutionHistory(userID string) []models.ResolutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.history[userID]
	out := make([]models.ResolutionResult, len(entries))
	copy(out, entries)
	return out
}

func cloneRecord(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out
}
