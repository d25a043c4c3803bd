package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sqlchat/sqlchat/internal/sqlguard"
)

var (
	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_validations_total",
			Help: "SQL validations by outcome (accepted, error, or rejection kind).",
		},
		[]string{"outcome"},
	)
	limitActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_limit_actions_total",
			Help: "Row limit decisions applied to accepted statements.",
		},
		[]string{"action"},
	)
	schemaReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_schema_reloads_total",
			Help: "Schema reload attempts by result.",
		},
		[]string{"result"},
	)
	schemaTables = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlchat_schema_tables",
			Help: "Number of tables in the current allowlist.",
		},
	)
	queryDurationMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlchat_query_duration_ms",
			Help:    "Validated query execution latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
	)
	queryRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlchat_query_rows_total",
			Help: "Rows returned by executed queries.",
		},
	)
	translateAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlchat_translate_attempts",
			Help:    "Generator attempts needed per chat question.",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)
	archiveWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_archive_writes_total",
			Help: "Exchange archive writes by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		validationsTotal,
		limitActionsTotal,
		schemaReloadsTotal,
		schemaTables,
		queryDurationMs,
		queryRowsTotal,
		translateAttempts,
		archiveWritesTotal,
	)
}

// GuardObserver feeds validator outcomes into the process metrics.
type GuardObserver struct{}

func (GuardObserver) ObserveValidation(outcome string, actions []sqlguard.LimitAction) {
	validationsTotal.WithLabelValues(outcome).Inc()
	for _, action := range actions {
		limitActionsTotal.WithLabelValues(string(action)).Inc()
	}
}

func ObserveSchemaReload(tables int, err error) {
	if err != nil {
		schemaReloadsTotal.WithLabelValues("error").Inc()
		return
	}
	schemaReloadsTotal.WithLabelValues("ok").Inc()
	schemaTables.Set(float64(tables))
}

func ObserveQuery(rows int, elapsed time.Duration) {
	queryDurationMs.Observe(float64(elapsed.Milliseconds()))
	if rows > 0 {
		queryRowsTotal.Add(float64(rows))
	}
}

func ObserveTranslateAttempts(attempts int) {
	translateAttempts.Observe(float64(attempts))
}

func ObserveArchiveWrite(err error) {
	if err != nil {
		archiveWritesTotal.WithLabelValues("error").Inc()
		return
	}
	archiveWritesTotal.WithLabelValues("ok").Inc()
}
