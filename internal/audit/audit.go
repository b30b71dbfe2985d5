// Package audit defines the audit record boundary. Records are emitted to a
// pluggable sink; this service never persists them itself.
package audit

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandfile/sandfile/internal/metrics"
)

// Status of an audited operation.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Record describes one completed (or failed) file operation.
type Record struct {
	ID        string            `json:"id"`
	Operation string            `json:"operation"`
	Path      string            `json:"path"`
	Status    string            `json:"status"`
	UserID    string            `json:"user_id,omitempty"`
	ProjectID string            `json:"project_id"`
	Duration  time.Duration     `json:"duration"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Sink receives audit records. Emit must not block on slow consumers.
type Sink interface {
	Emit(Record)
}

// NewRecord fills in the generated ID and timestamp.
func NewRecord(operation, project, path, status string) Record {
	return Record{
		ID:        uuid.NewString(),
		Operation: operation,
		Path:      path,
		Status:    status,
		ProjectID: project,
		Timestamp: time.Now().UTC(),
	}
}

// ZapSink logs records through a structured logger.
type ZapSink struct {
	log *zap.Logger
}

func NewZapSink(log *zap.Logger) *ZapSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapSink{log: log.Named("audit")}
}

func (s *ZapSink) Emit(r Record) {
	fields := []zap.Field{
		zap.String("id", r.ID),
		zap.String("operation", r.Operation),
		zap.String("path", r.Path),
		zap.String("status", r.Status),
		zap.String("project", r.ProjectID),
		zap.Duration("duration", r.Duration),
		zap.Time("timestamp", r.Timestamp),
	}
	if r.UserID != "" {
		fields = append(fields, zap.String("user", r.UserID))
	}
	if len(r.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", r.Metadata))
	}

	if r.Status == StatusFailure {
		s.log.Warn("audit", fields...)
	} else {
		s.log.Info("audit", fields...)
	}
	metrics.RecordAuditRecord(r.Operation, r.Status)
}

// NopSink discards all records.
type NopSink struct{}

func (NopSink) Emit(Record) {}
