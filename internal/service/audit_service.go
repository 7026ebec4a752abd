package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authdemo/authdemo-api/internal/models"
	"github.com/authdemo/authdemo-api/pkg/config"
	"github.com/authdemo/authdemo-api/pkg/jobs"
)

type auditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// AuditService writes audit trail entries off the request path. Entries are
// queued to an in-memory worker pool; a full buffer or a write failure never
// fails the request that produced the entry.
type AuditService struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

// AuditEntry is the queued payload for one audit record.
type AuditEntry struct {
	UserID     string
	Action     string
	Resource   string
	ResourceID string
	NewValues  interface{}
	IPAddress  string
	UserAgent  string
}

// NewAuditService builds the async audit writer on top of the job queue.
func NewAuditService(repo auditWriter, cfg config.AuditConfig, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &AuditService{logger: logger}
	s.queue = jobs.NewQueue("audit", func(ctx context.Context, job jobs.Job) error {
		log, ok := job.Payload.(*models.AuditLog)
		if !ok {
			logger.Error("dropping audit job with unexpected payload", zap.String("job_id", job.ID))
			return nil
		}
		return repo.CreateAuditLog(ctx, log)
	}, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
	})

	return s
}

// Start launches the audit workers.
func (s *AuditService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains and stops the audit workers.
func (s *AuditService) Stop() {
	s.queue.Stop()
}

// Record enqueues one audit entry. Failures are logged, never returned.
func (s *AuditService) Record(entry AuditEntry) {
	log := &models.AuditLog{
		ID:        uuid.NewString(),
		Action:    entry.Action,
		Resource:  entry.Resource,
		IPAddress: entry.IPAddress,
		UserAgent: entry.UserAgent,
		CreatedAt: time.Now().UTC(),
	}
	if entry.UserID != "" {
		userID := entry.UserID
		log.UserID = &userID
	}
	if entry.ResourceID != "" {
		resourceID := entry.ResourceID
		log.ResourceID = &resourceID
	}
	if entry.NewValues != nil {
		payload, err := json.Marshal(entry.NewValues)
		if err != nil {
			s.logger.Warn("failed to marshal audit values", zap.String("action", entry.Action), zap.Error(err))
		} else {
			log.NewValues = payload
		}
	}

	if err := s.queue.Enqueue(jobs.Job{ID: log.ID, Type: entry.Action, Payload: log}); err != nil {
		s.logger.Warn("failed to enqueue audit entry", zap.String("action", entry.Action), zap.Error(err))
	}
}
