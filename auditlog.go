package webhookd

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/tdcommerce/webhookd/storage"
)

// Audit log levels.
const (
	AuditLevelDebug = "DEBUG"
	AuditLevelInfo  = "INFO"
	AuditLevelWarn  = "WARN"
	AuditLevelError = "ERROR"
	AuditLevelFatal = "FATAL"
)

// AuditEntry carries the forensic context of one delivery attempt: what was
// sent, what came back, and how long it took.
type AuditEntry struct {
	TenantID       string
	SubscriptionID string
	DeliveryID     string
	Request        map[string]interface{}
	Response       map[string]interface{}
	Error          string
	Duration       time.Duration
	Metadata       map[string]interface{}
}

// AuditLogger records every delivery attempt both to the structured log and,
// when a store is configured, to the append-only audit table. It never
// returns an error: logging failures must not fail a delivery attempt.
type AuditLogger struct {
	store  storage.Store
	logger *zap.Logger
}

// NewAuditLogger creates an audit logger. A nil store disables persistence;
// entries still reach the structured log.
func NewAuditLogger(store storage.Store, logger *zap.Logger) *AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogger{
		store:  store,
		logger: logger,
	}
}

// Log records one entry at the given level.
func (a *AuditLogger) Log(ctx context.Context, level, message string, entry AuditEntry) {
	fields := []zap.Field{
		zap.String("tenant_id", entry.TenantID),
	}
	if entry.SubscriptionID != "" {
		fields = append(fields, zap.String("subscription_id", entry.SubscriptionID))
	}
	if entry.DeliveryID != "" {
		fields = append(fields, zap.String("delivery_id", entry.DeliveryID))
	}
	if entry.Duration > 0 {
		fields = append(fields, zap.Duration("duration", entry.Duration))
	}
	if entry.Error != "" {
		fields = append(fields, zap.String("error", entry.Error))
	}

	switch level {
	case AuditLevelDebug:
		a.logger.Debug(message, fields...)
	case AuditLevelWarn:
		a.logger.Warn(message, fields...)
	case AuditLevelError, AuditLevelFatal:
		a.logger.Error(message, fields...)
	default:
		a.logger.Info(message, fields...)
	}

	if a.store == nil {
		return
	}

	rec := &storage.AuditLogRecord{
		TenantID:       entry.TenantID,
		Level:          level,
		Message:        message,
		SubscriptionID: entry.SubscriptionID,
		DeliveryID:     entry.DeliveryID,
		Request:        marshalAuditBlob(entry.Request),
		Response:       marshalAuditBlob(entry.Response),
		Error:          entry.Error,
		Duration:       entry.Duration,
		Metadata:       marshalAuditBlob(entry.Metadata),
	}
	if err := a.store.AppendAuditLog(ctx, rec); err != nil {
		a.logger.Warn("Failed to persist audit log entry",
			zap.String("delivery_id", entry.DeliveryID),
			zap.Error(err))
	}
}

func marshalAuditBlob(m map[string]interface{}) []byte {
	if len(m) == 0 {
		return nil
	}
	blob, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return blob
}
