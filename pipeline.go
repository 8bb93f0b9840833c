package webhookd

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/tdcommerce/webhookd/storage"
	"github.com/tdcommerce/webhookd/storage/sqlstore"
)

// Pipeline holds the shared dependencies of the delivery pipeline and wires
// the individual services over one store. It acts as a dependency injection
// container for applications embedding the pipeline.
type Pipeline struct {
	store         storage.Store
	transport     Transport
	logger        *zap.Logger
	metrics       MetricsCollector
	schedulerOpts []SchedulerOption

	registry  *Registry
	ingestor  *Ingestor
	scheduler *Scheduler
	stats     *StatsAggregator
	audit     *AuditLogger
}

// NewPipeline creates a pipeline over the given database. Pass WithStore to
// replace the default MySQL-backed store, e.g. for tests.
func NewPipeline(db *sql.DB, opts ...PipelineOption) (*Pipeline, error) {
	p := &Pipeline{
		logger:  zap.NewNop(),
		metrics: NewNopMetricsCollector(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.store == nil {
		p.store = sqlstore.NewSQLStore(db, p.logger)
	}
	if p.transport == nil {
		p.transport = NewHTTPTransport(p.logger)
	}

	p.audit = NewAuditLogger(p.store, p.logger)
	p.registry = NewRegistry(p.store, p.logger, p.metrics)
	p.ingestor = NewIngestor(p.store, p.logger, p.metrics)
	p.scheduler = NewScheduler(p.store, p.transport, p.audit, p.logger, p.metrics, p.schedulerOpts...)
	p.stats = NewStatsAggregator(p.store, p.logger)

	return p, nil
}

// EnsureTables creates the pipeline's tables if they do not exist.
func (p *Pipeline) EnsureTables(ctx context.Context) error {
	return p.store.EnsureTables(ctx)
}

// Registry returns the subscription registry.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Ingestor returns the event ingestor.
func (p *Pipeline) Ingestor() *Ingestor { return p.ingestor }

// Scheduler returns the delivery scheduler.
func (p *Pipeline) Scheduler() *Scheduler { return p.scheduler }

// Stats returns the stats aggregator.
func (p *Pipeline) Stats() *StatsAggregator { return p.stats }

// Audit returns the audit logger.
func (p *Pipeline) Audit() *AuditLogger { return p.audit }

// PendingWorker returns a worker that drains PENDING deliveries on the given
// interval.
func (p *Pipeline) PendingWorker(interval time.Duration) Worker {
	return NewBaseWorker("pending-drain", interval, p.logger, func(ctx context.Context) error {
		_, err := p.scheduler.ProcessPending(ctx, "")
		return err
	})
}

// RetryWorker returns a worker that re-attempts deliveries whose retry time
// has passed.
func (p *Pipeline) RetryWorker(interval time.Duration) Worker {
	return NewBaseWorker("retry-drain", interval, p.logger, func(ctx context.Context) error {
		_, err := p.scheduler.ProcessDueRetries(ctx)
		return err
	})
}

// StuckWorker returns a worker that reclaims deliveries stuck in SENDING.
func (p *Pipeline) StuckWorker(interval time.Duration) Worker {
	return NewBaseWorker("stuck-recovery", interval, p.logger, p.scheduler.RecoverStuck)
}
