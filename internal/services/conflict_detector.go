package services

import (
	"reflect"
	"strings"
	"time"

	"github.com/relaycrm/syncengine/internal/models"
	"github.com/relaycrm/syncengine/internal/observability"
)

// timestampTolerance absorbs clock skew between devices when comparing
// record modification times.
const timestampTolerance = 5 * time.Second

// bookkeeping fields maintained by the engine itself; differences here
// are expected and never count as conflicts.
var excludedFields = map[string]bool{
	"updated_at":  true,
	"last_synced": true,
}

// securityFieldMarkers flag fields whose divergence must never be
// merged automatically.
var securityFieldMarkers = []string{
	"password", "token", "secret", "credential", "encrypted", "key",
}

// accessFieldMarkers name account-control fields. Their values are not
// secrets, but a divergence changes what a user is allowed to do.
var accessFieldMarkers = []string{
	"role", "permission", "mfa",
}

// autoResolvableFields is a conservative allow-list of low-stakes
// preference fields. Everything not listed requires either a registered
// strategy or a human.
var autoResolvableFields = map[string]bool{
	"theme":               true,
	"language":            true,
	"timezone":            true,
	"avatar_url":          true,
	"display_name":        true,
	"notifications_email": true,
	"notifications_push":  true,
	"items_per_page":      true,
}

// severityOverrides assigns per-field severities where the default
// would be wrong. Keys are "table.field".
var severityOverrides = map[string]models.Severity{
	"users.email":       models.SeverityHigh,
	"users.phone":       models.SeverityHigh,
	"accounts.owner_id": models.SeverityHigh,
	"contacts.email":    models.SeverityMedium,
	"contacts.phone":    models.SeverityMedium,
	"settings.theme":    models.SeverityLow,
	"settings.language": models.SeverityLow,
	"settings.timezone": models.SeverityLow,
}

// ConflictDetector compares a locally cached record against the remote
// copy and produces a typed, severity-ranked conflict record for the
// resolver.
type ConflictDetector struct {
	logger *observability.Logger
}

func NewConflictDetector(logger *observability.Logger) *ConflictDetector {
	return &ConflictDetector{logger: logger}
}

// DetectConflicts diffs the two copies of a record. Returns nil when
// the copies agree on every substantive field.
func (d *ConflictDetector) DetectConflicts(userID, table, recordID, originDevice string, local, remote map[string]any) *models.ConflictRecord {
	fields := d.conflictingFields(local, remote)
	if len(fields) == 0 {
		return nil
	}

	conflictType := d.classify(fields, local, remote)
	severity := d.severityFor(table, fields, conflictType)

	record, err := models.NewConflictRecord(userID, table, recordID, fields)
	if err != nil {
		// Unreachable with a non-empty field list, but don't panic the
		// sync path over it.
		d.logger.Errorf("conflict record rejected for %s/%s: %v", table, recordID, err)
		return nil
	}
	record.ConflictType = conflictType
	record.Severity = severity
	record.LocalData = local
	record.RemoteData = remote
	record.OriginDevice = originDevice
	if t, ok := recordTime(local); ok {
		record.LocalTimestamp = t
	}
	if t, ok := recordTime(remote); ok {
		record.RemoteTimestamp = t
	}
	record.AutoResolvable = d.autoResolvable(conflictType, severity, fields)
	return record
}

// conflictingFields returns the substantive fields on which the two
// copies disagree, including fields present on only one side.
func (d *ConflictDetector) conflictingFields(local, remote map[string]any) []string {
	seen := make(map[string]bool, len(local)+len(remote))
	var fields []string

	check := func(name string) {
		if seen[name] || d.excluded(name) {
			return
		}
		seen[name] = true
		lv, lok := local[name]
		rv, rok := remote[name]
		if lok != rok || !reflect.DeepEqual(lv, rv) {
			fields = append(fields, name)
		}
	}

	for name := range local {
		check(name)
	}
	for name := range remote {
		check(name)
	}
	return fields
}

func (d *ConflictDetector) excluded(field string) bool {
	return excludedFields[field] || strings.HasPrefix(field, "_")
}

// classify picks the conflict type. Order matters: security-sensitive
// divergence dominates, then bookkeeping signals, then the generic
// field conflict.
func (d *ConflictDetector) classify(fields []string, local, remote map[string]any) models.ConflictType {
	for _, field := range fields {
		if isSecurityField(field) {
			return models.ConflictEncryption
		}
	}

	// Writes landing within the tolerance window are the ones wall
	// clocks cannot arbitrate.
	if lt, lok := recordTime(local); lok {
		if rt, rok := recordTime(remote); rok {
			if absDuration(lt.Sub(rt)) <= timestampTolerance {
				return models.ConflictTimestamp
			}
		}
	}

	if lv, lok := recordVersion(local); lok {
		if rv, rok := recordVersion(remote); rok && lv != rv {
			return models.ConflictVersion
		}
	}

	return models.ConflictField
}

// severityFor combines the per-field severity table into a composite:
// the conflict is as severe as its worst field.
func (d *ConflictDetector) severityFor(table string, fields []string, conflictType models.ConflictType) models.Severity {
	if conflictType == models.ConflictEncryption {
		return models.SeverityCritical
	}

	severity := models.SeverityLow
	for _, field := range fields {
		fs := models.SeverityMedium
		switch {
		case isSecurityField(field):
			fs = models.SeverityCritical
		case isAccessField(field):
			fs = models.SeverityHigh
		default:
			if override, ok := severityOverrides[table+"."+field]; ok {
				fs = override
			}
		}
		severity = severity.Max(fs)
	}
	return severity
}

// autoResolvable is deliberately conservative: every conflicting field
// must be on the allow-list, and nothing high-stakes may be involved.
func (d *ConflictDetector) autoResolvable(conflictType models.ConflictType, severity models.Severity, fields []string) bool {
	if conflictType == models.ConflictEncryption {
		return false
	}
	if severity == models.SeverityHigh || severity == models.SeverityCritical {
		return false
	}
	for _, field := range fields {
		if !autoResolvableFields[field] {
			return false
		}
	}
	return true
}

func isSecurityField(field string) bool {
	return matchesMarker(field, securityFieldMarkers)
}

func isAccessField(field string) bool {
	return matchesMarker(field, accessFieldMarkers)
}

func matchesMarker(field string, markers []string) bool {
	lower := strings.ToLower(field)
	for _, marker := range markers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// recordTime extracts updated_at as either time.Time or RFC 3339 text
func recordTime(record map[string]any) (time.Time, bool) {
	raw, ok := record["updated_at"]
	if !ok {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

// recordVersion extracts a numeric version field, tolerating the
// float64 that encoding/json produces.
func recordVersion(record map[string]any) (int64, bool) {
	raw, ok := record["version"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
