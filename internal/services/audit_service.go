package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/syncengine/internal/models"
	"github.com/relaycrm/syncengine/internal/observability"
	"github.com/relaycrm/syncengine/internal/repository"
)

// AuditService records engine actions to the audit trail. Recording is
// fire-and-forget: a failed write must never fail the operation being
// logged.
type AuditService struct {
	repo   repository.AuditRepo
	logger *observability.Logger
}

// NewAuditService creates a new audit service
func NewAuditService(repo repository.AuditRepo, logger *observability.Logger) *AuditService {
	return &AuditService{repo: repo, logger: logger}
}

// Record writes one audit entry, swallowing failures
func (s *AuditService) Record(ctx context.Context, action, resource, outcome string, metadata map[string]any) {
	if s == nil || s.repo == nil {
		return
	}

	entry := &models.AuditEntry{
		ID:        uuid.New().String(),
		Action:    action,
		Resource:  resource,
		Outcome:   outcome,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.repo.Record(ctx, entry); err != nil {
		s.logger.WithField("action", action).Warnf("audit write failed: %v", err)
	}
}

// ListRecent exposes the newest audit entries for the status API
func (s *AuditService) ListRecent(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	return s.repo.ListRecent(ctx, limit)
}
