package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonLockHeld             = "lock_held"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonSkipLockedEmpty = "skip_locked_empty"
	SchedulerBatchDeferredReasonLockHeld        = "lock_held"
)

const (
	LockResourceSendAttempts      = "send_attempts"
	LockResourceWebhookDeliveries = "webhook_deliveries"
	LockResourceBudgetCounters    = "budget_counters"
	LockResourcePeriodClosures    = "period_closures"
)

// SchedulerMetrics captures background job health signals.
type SchedulerMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	batchProcessed   *prometheus.CounterVec
	batchDeferred    *prometheus.CounterVec
	runLoopLag       prometheus.Observer
	dbLockWait       *prometheus.HistogramVec
	lockWaitObserver map[string]prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func constLabels(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "smsgate"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "smsgate_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: labels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "smsgate_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 1800},
		ConstLabels: labels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "smsgate_scheduler_job_timeouts_total",
		Help:        "Scheduler job runs that hit their deadline.",
		ConstLabels: labels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "smsgate_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: labels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "smsgate_scheduler_batch_processed_total",
		Help:        "Items processed by scheduler jobs.",
		ConstLabels: labels,
	}, []string{"job", "resource"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "smsgate_scheduler_batch_deferred_total",
		Help:        "Scheduler batch deferrals by low-cardinality reason.",
		ConstLabels: labels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "smsgate_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: labels,
	})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "smsgate_db_lock_wait_seconds",
		Help:        "Time spent waiting on SELECT FOR UPDATE row locks.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: labels,
	}, []string{"resource"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		batchDeferred,
		runLoopLag,
		dbLockWait,
	)

	lockWaitObserver := map[string]prometheus.Observer{}
	for _, resource := range []string{
		LockResourceSendAttempts,
		LockResourceWebhookDeliveries,
		LockResourceBudgetCounters,
		LockResourcePeriodClosures,
	} {
		lockWaitObserver[resource] = dbLockWait.WithLabelValues(resource)
	}

	return &SchedulerMetrics{
		jobRuns:          jobRuns,
		jobDuration:      jobDuration,
		jobTimeouts:      jobTimeouts,
		jobErrors:        jobErrors,
		batchProcessed:   batchProcessed,
		batchDeferred:    batchDeferred,
		runLoopLag:       runLoopLag,
		dbLockWait:       dbLockWait,
		lockWaitObserver: lockWaitObserver,
	}
}

// IncJobRun increments the run counter for a scheduler job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the scheduler job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

// AddBatchProcessed increments the batch processed counter for a resource by count.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 || m.batchProcessed == nil {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m == nil || m.batchDeferred == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *SchedulerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	if m.dbLockWait != nil {
		m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
	}
}

// ErrLockHeld is returned when a distributed job lock is owned elsewhere.
var ErrLockHeld = errors.New("lock_held")

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	if err == nil {
		return SchedulerErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerErrorTypeDeadlineExceeded
	}
	if isDBError(err) {
		return SchedulerErrorTypeDB
	}
	return SchedulerErrorTypeBusinessRule
}

// IsSchedulerErrorRetryable reports whether the scheduler error should be retried.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, ErrLockHeld) {
		return true
	}
	return isDBError(err)
}

// ClassifySchedulerJobReason maps scheduler job errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SchedulerJobReasonDeadlineExceeded
	case errors.Is(err, ErrLockHeld):
		return SchedulerJobReasonLockHeld
	case hasPGCode(err, "55P03"):
		return SchedulerJobReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return SchedulerJobReasonSerializationFailure
	case isUniqueViolation(err):
		return SchedulerJobReasonUniqueViolation
	default:
		return SchedulerJobReasonUnknown
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrInvalidValue) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
