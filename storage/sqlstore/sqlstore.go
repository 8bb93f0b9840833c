package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/tdcommerce/webhookd/storage"
)

const (
	tableSubscriptions = "webhook_subscriptions"
	tableEvents        = "webhook_events"
	tableDeliveries    = "webhook_deliveries"
	tableAuditLogs     = "webhook_audit_logs"
)

// SQL queries
const (
	createSubscriptionQuery = `
		INSERT INTO %s
		(id, tenant_id, url, secret, events, max_retries, retry_delay_ms, backoff_multiplier,
		 timeout_ms, verify_ssl, include_headers, custom_headers, is_active, is_healthy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	subscriptionColumns = `id, tenant_id, url, secret, events, max_retries, retry_delay_ms,
		backoff_multiplier, timeout_ms, verify_ssl, include_headers, custom_headers,
		is_active, is_healthy, total_deliveries, successful_deliveries, failed_deliveries,
		consecutive_failures, last_delivery_at, last_success_at, last_failure_at,
		created_at, updated_at`

	getSubscriptionQuery = `SELECT %s FROM %s WHERE id = ? AND tenant_id = ?`

	matchSubscriptionsQuery = `
		SELECT %s FROM %s
		WHERE tenant_id = ? AND is_active = TRUE AND JSON_CONTAINS(events, JSON_QUOTE(?))
		ORDER BY created_at`

	deleteSubscriptionQuery = `DELETE FROM %s WHERE id = ? AND tenant_id = ?`

	setHealthQuery = `UPDATE %s SET is_healthy = ? WHERE id = ? AND tenant_id = ?`

	applySuccessOutcomeQuery = `
		UPDATE %s
		SET total_deliveries = total_deliveries + 1,
		    successful_deliveries = successful_deliveries + 1,
		    consecutive_failures = 0,
		    is_healthy = TRUE,
		    last_delivery_at = ?,
		    last_success_at = ?
		WHERE id = ? AND tenant_id = ?`

	applyFailureOutcomeQuery = `
		UPDATE %s
		SET total_deliveries = total_deliveries + 1,
		    failed_deliveries = failed_deliveries + 1,
		    consecutive_failures = consecutive_failures + 1,
		    is_healthy = IF(consecutive_failures >= ?, FALSE, is_healthy),
		    last_delivery_at = ?,
		    last_failure_at = ?
		WHERE id = ? AND tenant_id = ?`

	countSubscriptionsQuery = `
		SELECT COUNT(*),
		       COALESCE(SUM(is_active), 0),
		       COALESCE(SUM(is_healthy), 0)
		FROM %s WHERE tenant_id = ?`

	createEventQuery = `
		INSERT INTO %s (id, tenant_id, event_type, version, source, payload, metadata, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	getEventQuery = `
		SELECT id, tenant_id, event_type, version, source, payload, metadata, status,
		       error_message, processed_at, created_at
		FROM %s WHERE id = ? AND tenant_id = ?`

	setEventStatusQuery = `
		UPDATE %s SET status = ?, error_message = ?, processed_at = ?
		WHERE id = ? AND tenant_id = ?`

	countEventsByTypeQuery = `SELECT event_type, COUNT(*) FROM %s WHERE tenant_id = ? GROUP BY event_type`

	createDeliveryQuery = `
		INSERT INTO %s
		(id, subscription_id, tenant_id, event_id, event_type, payload, headers, status,
		 attempt_count, max_retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	deliveryColumns = `id, subscription_id, tenant_id, event_id, event_type, payload, headers,
		status, attempt_count, max_retries, next_retry_at, started_at, completed_at,
		duration_ms, error_message, error_code, should_retry, signature, signature_method,
		http_status, response_body, response_headers, created_at, updated_at`

	getDeliveryQuery = `SELECT %s FROM %s WHERE id = ?`

	transitionDeliveryQuery = `UPDATE %s SET status = ? WHERE id = ? AND status IN (%s)`

	forceDeliveryStatusQuery = `UPDATE %s SET status = ? WHERE id = ?`

	updateDeliveryQuery = `
		UPDATE %s
		SET status = ?, attempt_count = ?, next_retry_at = ?, started_at = ?, completed_at = ?,
		    duration_ms = ?, error_message = ?, error_code = ?, should_retry = ?, signature = ?,
		    signature_method = ?, http_status = ?, response_body = ?, response_headers = ?
		WHERE id = ?`

	fetchPendingQuery = `
		SELECT %s FROM %s
		WHERE status = ?%s
		ORDER BY created_at
		LIMIT ?`

	fetchDueRetriesQuery = `
		SELECT %s FROM %s
		WHERE status = ? AND should_retry = TRUE AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at
		LIMIT ?`

	fetchStuckQuery = `
		SELECT %s FROM %s
		WHERE status IN (?, ?) AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`

	cancelForSubscriptionQuery = `
		UPDATE %s SET status = ?
		WHERE subscription_id = ? AND status IN (?, ?, ?, ?)`

	countDeliveriesByStatusQuery = `SELECT status, COUNT(*) FROM %s WHERE tenant_id = ? GROUP BY status`

	deliveryStatsQuery = `
		SELECT COUNT(*),
		       COALESCE(SUM(status = 'DELIVERED'), 0),
		       COALESCE(SUM(status IN ('FAILED', 'EXPIRED')), 0),
		       COALESCE(SUM(status = 'PENDING'), 0),
		       COALESCE(AVG(CASE WHEN status = 'DELIVERED' AND duration_ms > 0 THEN duration_ms END), 0)
		FROM %s WHERE tenant_id = ?`

	appendAuditLogQuery = `
		INSERT INTO %s
		(tenant_id, level, message, subscription_id, delivery_id, request, response, error,
		 duration_ms, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// SQLStore implements storage.Store on MySQL.
type SQLStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLStore(db *sql.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:     db,
		logger: logger,
	}
}

func (s *SQLStore) CreateSubscription(ctx context.Context, rec *storage.SubscriptionRecord) error {
	events, err := json.Marshal(rec.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription events: %w", err)
	}
	headers, err := marshalNullable(rec.CustomHeaders)
	if err != nil {
		return fmt.Errorf("failed to marshal custom headers: %w", err)
	}

	query := fmt.Sprintf(createSubscriptionQuery, tableSubscriptions)
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.TenantID,
		rec.URL,
		rec.Secret,
		events,
		rec.MaxRetries,
		rec.RetryDelay.Milliseconds(),
		rec.BackoffMultiplier,
		rec.Timeout.Milliseconds(),
		rec.VerifySSL,
		rec.IncludeHeaders,
		headers,
		rec.IsActive,
		rec.IsHealthy,
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", convertFromDBError(err))
	}
	return nil
}

func (s *SQLStore) GetSubscription(ctx context.Context, id, tenantID string) (*storage.SubscriptionRecord, error) {
	query := fmt.Sprintf(getSubscriptionQuery, subscriptionColumns, tableSubscriptions)
	rec, err := scanSubscription(s.db.QueryRowContext(ctx, query, id, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) ListSubscriptions(ctx context.Context, tenantID string, filter storage.SubscriptionFilter) ([]storage.SubscriptionRecord, error) {
	var (
		conds = []string{"tenant_id = ?"}
		args  = []interface{}{tenantID}
	)
	if filter.IsActive != nil {
		conds = append(conds, "is_active = ?")
		args = append(args, *filter.IsActive)
	}
	if filter.IsHealthy != nil {
		conds = append(conds, "is_healthy = ?")
		args = append(args, *filter.IsHealthy)
	}
	if len(filter.Events) > 0 {
		eventsJSON, err := json.Marshal(filter.Events)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal events filter: %w", err)
		}
		conds = append(conds, "JSON_OVERLAPS(events, CAST(? AS JSON))")
		args = append(args, eventsJSON)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY created_at`,
		subscriptionColumns, tableSubscriptions, strings.Join(conds, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	return scanSubscriptions(rows)
}

func (s *SQLStore) ListMatchingSubscriptions(ctx context.Context, tenantID, eventType string) ([]storage.SubscriptionRecord, error) {
	query := fmt.Sprintf(matchSubscriptionsQuery, subscriptionColumns, tableSubscriptions)
	rows, err := s.db.QueryContext(ctx, query, tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to query matching subscriptions: %w", err)
	}
	defer rows.Close()

	return scanSubscriptions(rows)
}

func (s *SQLStore) UpdateSubscription(ctx context.Context, id, tenantID string, update storage.SubscriptionUpdate) error {
	var (
		sets []string
		args []interface{}
	)
	if update.URL != nil {
		sets = append(sets, "url = ?")
		args = append(args, *update.URL)
	}
	if update.Secret != nil {
		sets = append(sets, "secret = ?")
		args = append(args, *update.Secret)
	}
	if update.Events != nil {
		eventsJSON, err := json.Marshal(update.Events)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription events: %w", err)
		}
		sets = append(sets, "events = ?")
		args = append(args, eventsJSON)
	}
	if update.MaxRetries != nil {
		sets = append(sets, "max_retries = ?")
		args = append(args, *update.MaxRetries)
	}
	if update.RetryDelay != nil {
		sets = append(sets, "retry_delay_ms = ?")
		args = append(args, update.RetryDelay.Milliseconds())
	}
	if update.BackoffMultiplier != nil {
		sets = append(sets, "backoff_multiplier = ?")
		args = append(args, *update.BackoffMultiplier)
	}
	if update.Timeout != nil {
		sets = append(sets, "timeout_ms = ?")
		args = append(args, update.Timeout.Milliseconds())
	}
	if update.VerifySSL != nil {
		sets = append(sets, "verify_ssl = ?")
		args = append(args, *update.VerifySSL)
	}
	if update.IncludeHeaders != nil {
		sets = append(sets, "include_headers = ?")
		args = append(args, *update.IncludeHeaders)
	}
	if update.CustomHeaders != nil {
		headers, err := json.Marshal(update.CustomHeaders)
		if err != nil {
			return fmt.Errorf("failed to marshal custom headers: %w", err)
		}
		sets = append(sets, "custom_headers = ?")
		args = append(args, headers)
	}
	if update.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *update.IsActive)
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ? AND tenant_id = ?`,
		tableSubscriptions, strings.Join(sets, ", "))
	args = append(args, id, tenantID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *SQLStore) DeleteSubscription(ctx context.Context, id, tenantID string) (bool, error) {
	query := fmt.Sprintf(deleteSubscriptionQuery, tableSubscriptions)
	res, err := s.db.ExecContext(ctx, query, id, tenantID)
	if err != nil {
		return false, fmt.Errorf("failed to delete subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLStore) SetSubscriptionHealth(ctx context.Context, id, tenantID string, healthy bool) error {
	query := fmt.Sprintf(setHealthQuery, tableSubscriptions)
	_, err := s.db.ExecContext(ctx, query, healthy, id, tenantID)
	return err
}

func (s *SQLStore) ApplyDeliveryOutcome(ctx context.Context, id, tenantID string, success bool, at time.Time, failureThreshold int) error {
	if success {
		query := fmt.Sprintf(applySuccessOutcomeQuery, tableSubscriptions)
		_, err := s.db.ExecContext(ctx, query, at, at, id, tenantID)
		return err
	}
	// MySQL applies SET clauses left to right, so the is_healthy comparison
	// sees the already incremented consecutive_failures.
	query := fmt.Sprintf(applyFailureOutcomeQuery, tableSubscriptions)
	_, err := s.db.ExecContext(ctx, query, failureThreshold, at, at, id, tenantID)
	return err
}

func (s *SQLStore) CountSubscriptions(ctx context.Context, tenantID string) (storage.SubscriptionCounts, error) {
	var counts storage.SubscriptionCounts
	query := fmt.Sprintf(countSubscriptionsQuery, tableSubscriptions)
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&counts.Total, &counts.Active, &counts.Healthy)
	if err != nil {
		return storage.SubscriptionCounts{}, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return counts, nil
}

func (s *SQLStore) CreateEvent(ctx context.Context, rec *storage.EventRecord) error {
	query := fmt.Sprintf(createEventQuery, tableEvents)
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.TenantID,
		rec.EventType,
		rec.Version,
		rec.Source,
		rec.Payload,
		nullableBytes(rec.Metadata),
		rec.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", convertFromDBError(err))
	}
	return nil
}

func (s *SQLStore) GetEvent(ctx context.Context, id, tenantID string) (*storage.EventRecord, error) {
	query := fmt.Sprintf(getEventQuery, tableEvents)
	var (
		rec         storage.EventRecord
		errMsg      sql.NullString
		processedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, id, tenantID).Scan(
		&rec.ID,
		&rec.TenantID,
		&rec.EventType,
		&rec.Version,
		&rec.Source,
		&rec.Payload,
		&rec.Metadata,
		&rec.Status,
		&errMsg,
		&processedAt,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	rec.ErrorMessage = errMsg.String
	if processedAt.Valid {
		rec.ProcessedAt = &processedAt.Time
	}
	return &rec, nil
}

func (s *SQLStore) SetEventStatus(ctx context.Context, id, tenantID, status, errorMessage string, processedAt *time.Time) error {
	query := fmt.Sprintf(setEventStatusQuery, tableEvents)
	res, err := s.db.ExecContext(ctx, query, status, errorMessage, nullableTime(processedAt), id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *SQLStore) CountEventsByType(ctx context.Context, tenantID string) (map[string]int64, error) {
	query := fmt.Sprintf(countEventsByTypeQuery, tableEvents)
	return s.groupCount(ctx, query, tenantID)
}

func (s *SQLStore) CreateDelivery(ctx context.Context, rec *storage.DeliveryRecord) error {
	query := fmt.Sprintf(createDeliveryQuery, tableDeliveries)
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.SubscriptionID,
		rec.TenantID,
		rec.EventID,
		rec.EventType,
		rec.Payload,
		nullableBytes(rec.Headers),
		rec.Status,
		rec.AttemptCount,
		rec.MaxRetries,
	)
	if err != nil {
		return fmt.Errorf("failed to save delivery: %w", convertFromDBError(err))
	}
	return nil
}

func (s *SQLStore) GetDelivery(ctx context.Context, id string) (*storage.DeliveryRecord, error) {
	query := fmt.Sprintf(getDeliveryQuery, deliveryColumns, tableDeliveries)
	rec, err := scanDelivery(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load delivery: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) TransitionDeliveryStatus(ctx context.Context, id string, from []string, to string) (bool, error) {
	var (
		query string
		args  []interface{}
	)
	if len(from) == 0 {
		query = fmt.Sprintf(forceDeliveryStatusQuery, tableDeliveries)
		args = []interface{}{to, id}
	} else {
		placeholders := strings.Repeat("?,", len(from)-1) + "?"
		query = fmt.Sprintf(transitionDeliveryQuery, tableDeliveries, placeholders)
		args = make([]interface{}, 0, len(from)+2)
		args = append(args, to, id)
		for _, st := range from {
			args = append(args, st)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition delivery status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLStore) UpdateDelivery(ctx context.Context, rec *storage.DeliveryRecord) error {
	query := fmt.Sprintf(updateDeliveryQuery, tableDeliveries)
	_, err := s.db.ExecContext(ctx, query,
		rec.Status,
		rec.AttemptCount,
		nullableTime(rec.NextRetryAt),
		nullableTime(rec.StartedAt),
		nullableTime(rec.CompletedAt),
		rec.Duration.Milliseconds(),
		rec.ErrorMessage,
		rec.ErrorCode,
		rec.ShouldRetry,
		rec.Signature,
		rec.SignatureMethod,
		rec.HTTPStatus,
		rec.ResponseBody,
		nullableBytes(rec.ResponseHeaders),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	return nil
}

func (s *SQLStore) FetchPendingDeliveries(ctx context.Context, tenantID string, limit int) ([]storage.DeliveryRecord, error) {
	var (
		tenantCond string
		args       = []interface{}{storage.DeliveryStatusPending}
	)
	if tenantID != "" {
		tenantCond = " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	args = append(args, limit)

	query := fmt.Sprintf(fetchPendingQuery, deliveryColumns, tableDeliveries, tenantCond)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending deliveries: %w", err)
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

func (s *SQLStore) FetchDueRetries(ctx context.Context, now time.Time, limit int) ([]storage.DeliveryRecord, error) {
	query := fmt.Sprintf(fetchDueRetriesQuery, deliveryColumns, tableDeliveries)
	rows, err := s.db.QueryContext(ctx, query, storage.DeliveryStatusFailed, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due retries: %w", err)
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

func (s *SQLStore) FetchStuckDeliveries(ctx context.Context, cutoff time.Time, limit int) ([]storage.DeliveryRecord, error) {
	query := fmt.Sprintf(fetchStuckQuery, deliveryColumns, tableDeliveries)
	rows, err := s.db.QueryContext(ctx, query,
		storage.DeliveryStatusSending, storage.DeliveryStatusRetrying, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck deliveries: %w", err)
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

func (s *SQLStore) CancelDeliveriesForSubscription(ctx context.Context, subscriptionID string) (int64, error) {
	query := fmt.Sprintf(cancelForSubscriptionQuery, tableDeliveries)
	res, err := s.db.ExecContext(ctx, query,
		storage.DeliveryStatusCancelled,
		subscriptionID,
		storage.DeliveryStatusPending,
		storage.DeliveryStatusSending,
		storage.DeliveryStatusFailed,
		storage.DeliveryStatusRetrying,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel deliveries: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) CountDeliveriesByStatus(ctx context.Context, tenantID string) (map[string]int64, error) {
	query := fmt.Sprintf(countDeliveriesByStatusQuery, tableDeliveries)
	return s.groupCount(ctx, query, tenantID)
}

func (s *SQLStore) GetDeliveryStats(ctx context.Context, tenantID string) (storage.DeliveryStats, error) {
	var (
		stats storage.DeliveryStats
		avgMs float64
	)
	query := fmt.Sprintf(deliveryStatsQuery, tableDeliveries)
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&stats.Total,
		&stats.Delivered,
		&stats.Failed,
		&stats.Pending,
		&avgMs,
	)
	if err != nil {
		return storage.DeliveryStats{}, fmt.Errorf("failed to load delivery stats: %w", err)
	}
	stats.AvgDuration = time.Duration(avgMs * float64(time.Millisecond))
	return stats, nil
}

func (s *SQLStore) AppendAuditLog(ctx context.Context, rec *storage.AuditLogRecord) error {
	query := fmt.Sprintf(appendAuditLogQuery, tableAuditLogs)
	_, err := s.db.ExecContext(ctx, query,
		rec.TenantID,
		rec.Level,
		rec.Message,
		rec.SubscriptionID,
		rec.DeliveryID,
		nullableBytes(rec.Request),
		nullableBytes(rec.Response),
		rec.Error,
		rec.Duration.Milliseconds(),
		nullableBytes(rec.Metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

func (s *SQLStore) groupCount(ctx context.Context, query, tenantID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query grouped counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			key   string
			count int64
		)
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("failed to scan grouped count: %w", err)
		}
		counts[key] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading grouped counts: %w", err)
	}
	return counts, nil
}

// convertFromDBError converts specific database driver errors to storage errors.
func convertFromDBError(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 { // Error 1062: Duplicate entry
		return storage.ErrAlreadyExists
	}
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*storage.SubscriptionRecord, error) {
	var (
		rec           storage.SubscriptionRecord
		events        []byte
		customHeaders []byte
		retryDelayMs  int64
		timeoutMs     int64
		lastDelivery  sql.NullTime
		lastSuccess   sql.NullTime
		lastFailure   sql.NullTime
	)
	err := row.Scan(
		&rec.ID,
		&rec.TenantID,
		&rec.URL,
		&rec.Secret,
		&events,
		&rec.MaxRetries,
		&retryDelayMs,
		&rec.BackoffMultiplier,
		&timeoutMs,
		&rec.VerifySSL,
		&rec.IncludeHeaders,
		&customHeaders,
		&rec.IsActive,
		&rec.IsHealthy,
		&rec.TotalDeliveries,
		&rec.SuccessfulDeliveries,
		&rec.FailedDeliveries,
		&rec.ConsecutiveFailures,
		&lastDelivery,
		&lastSuccess,
		&lastFailure,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(events, &rec.Events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription events: %w", err)
	}
	if len(customHeaders) > 0 {
		if err := json.Unmarshal(customHeaders, &rec.CustomHeaders); err != nil {
			return nil, fmt.Errorf("failed to unmarshal custom headers: %w", err)
		}
	}
	rec.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond
	rec.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if lastDelivery.Valid {
		rec.LastDeliveryAt = &lastDelivery.Time
	}
	if lastSuccess.Valid {
		rec.LastSuccessAt = &lastSuccess.Time
	}
	if lastFailure.Valid {
		rec.LastFailureAt = &lastFailure.Time
	}
	return &rec, nil
}

func scanSubscriptions(rows *sql.Rows) ([]storage.SubscriptionRecord, error) {
	var recs []storage.SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription row: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading subscription rows: %w", err)
	}
	return recs, nil
}

func scanDelivery(row rowScanner) (*storage.DeliveryRecord, error) {
	var (
		rec         storage.DeliveryRecord
		durationMs  int64
		nextRetry   sql.NullTime
		startedAt   sql.NullTime
		completedAt sql.NullTime
		errMsg      sql.NullString
		errCode     sql.NullString
		respBody    sql.NullString
	)
	err := row.Scan(
		&rec.ID,
		&rec.SubscriptionID,
		&rec.TenantID,
		&rec.EventID,
		&rec.EventType,
		&rec.Payload,
		&rec.Headers,
		&rec.Status,
		&rec.AttemptCount,
		&rec.MaxRetries,
		&nextRetry,
		&startedAt,
		&completedAt,
		&durationMs,
		&errMsg,
		&errCode,
		&rec.ShouldRetry,
		&rec.Signature,
		&rec.SignatureMethod,
		&rec.HTTPStatus,
		&respBody,
		&rec.ResponseHeaders,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Duration = time.Duration(durationMs) * time.Millisecond
	rec.ErrorMessage = errMsg.String
	rec.ErrorCode = errCode.String
	rec.ResponseBody = respBody.String
	if nextRetry.Valid {
		rec.NextRetryAt = &nextRetry.Time
	}
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return &rec, nil
}

func scanDeliveries(rows *sql.Rows) ([]storage.DeliveryRecord, error) {
	var recs []storage.DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery row: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading delivery rows: %w", err)
	}
	return recs, nil
}

func marshalNullable(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// EnsureTables creates the pipeline tables if they do not exist.
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	for _, ddl := range []string{
		createSubscriptionsTable,
		createEventsTable,
		createDeliveriesTable,
		createAuditLogsTable,
	} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

const createSubscriptionsTable = `
	CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		id                    CHAR(36)      NOT NULL PRIMARY KEY,
		tenant_id             VARCHAR(255)  NOT NULL,
		url                   VARCHAR(2048) NOT NULL,
		secret                VARCHAR(255)  NOT NULL,
		events                JSON          NOT NULL,
		max_retries           INT           NOT NULL DEFAULT 3,
		retry_delay_ms        BIGINT        NOT NULL DEFAULT 5000,
		backoff_multiplier    DOUBLE        NOT NULL DEFAULT 2,
		timeout_ms            BIGINT        NOT NULL DEFAULT 30000,
		verify_ssl            BOOLEAN       NOT NULL DEFAULT TRUE,
		include_headers       BOOLEAN       NOT NULL DEFAULT FALSE,
		custom_headers        JSON          NULL,
		is_active             BOOLEAN       NOT NULL DEFAULT TRUE,
		is_healthy            BOOLEAN       NOT NULL DEFAULT TRUE,
		total_deliveries      BIGINT        NOT NULL DEFAULT 0,
		successful_deliveries BIGINT        NOT NULL DEFAULT 0,
		failed_deliveries     BIGINT        NOT NULL DEFAULT 0,
		consecutive_failures  INT           NOT NULL DEFAULT 0,
		last_delivery_at      TIMESTAMP(6)  NULL,
		last_success_at       TIMESTAMP(6)  NULL,
		last_failure_at       TIMESTAMP(6)  NULL,
		created_at            TIMESTAMP(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		updated_at            TIMESTAMP(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
		INDEX idx_tenant_active (tenant_id, is_active)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
`

const createEventsTable = `
	CREATE TABLE IF NOT EXISTS webhook_events (
		id            CHAR(36)     NOT NULL PRIMARY KEY,
		tenant_id     VARCHAR(255) NOT NULL,
		event_type    VARCHAR(255) NOT NULL,
		version       VARCHAR(32)  NOT NULL DEFAULT '1',
		source        VARCHAR(255) NOT NULL DEFAULT '',
		payload       JSON         NOT NULL,
		metadata      JSON         NULL,
		status        VARCHAR(16)  NOT NULL DEFAULT 'RECEIVED',
		error_message TEXT         NULL,
		processed_at  TIMESTAMP(6) NULL,
		created_at    TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		INDEX idx_tenant_type (tenant_id, event_type),
		INDEX idx_status (status)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
`

const createDeliveriesTable = `
	CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id               CHAR(36)     NOT NULL PRIMARY KEY,
		subscription_id  CHAR(36)     NOT NULL,
		tenant_id        VARCHAR(255) NOT NULL,
		event_id         CHAR(36)     NOT NULL,
		event_type       VARCHAR(255) NOT NULL,
		payload          JSON         NOT NULL,
		headers          JSON         NULL,
		status           VARCHAR(16)  NOT NULL DEFAULT 'PENDING',
		attempt_count    INT          NOT NULL DEFAULT 0,
		max_retries      INT          NOT NULL DEFAULT 3,
		next_retry_at    TIMESTAMP(6) NULL,
		started_at       TIMESTAMP(6) NULL,
		completed_at     TIMESTAMP(6) NULL,
		duration_ms      BIGINT       NOT NULL DEFAULT 0,
		error_message    TEXT         NULL,
		error_code       VARCHAR(64)  NULL,
		should_retry     BOOLEAN      NOT NULL DEFAULT FALSE,
		signature        VARCHAR(512) NOT NULL DEFAULT '',
		signature_method VARCHAR(16)  NOT NULL DEFAULT '',
		http_status      INT          NOT NULL DEFAULT 0,
		response_body    MEDIUMTEXT   NULL,
		response_headers JSON         NULL,
		created_at       TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		updated_at       TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
		INDEX idx_status_created (status, created_at),
		INDEX idx_status_next_retry (status, next_retry_at),
		INDEX idx_subscription (subscription_id),
		INDEX idx_tenant (tenant_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
`

const createAuditLogsTable = `
	CREATE TABLE IF NOT EXISTS webhook_audit_logs (
		id              BIGINT       AUTO_INCREMENT PRIMARY KEY,
		tenant_id       VARCHAR(255) NOT NULL,
		level           VARCHAR(8)   NOT NULL,
		message         VARCHAR(1024) NOT NULL,
		subscription_id CHAR(36)     NULL,
		delivery_id     CHAR(36)     NULL,
		request         JSON         NULL,
		response        JSON         NULL,
		error           TEXT         NULL,
		duration_ms     BIGINT       NOT NULL DEFAULT 0,
		metadata        JSON         NULL,
		created_at      TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		INDEX idx_tenant_created (tenant_id, created_at),
		INDEX idx_delivery (delivery_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
`
