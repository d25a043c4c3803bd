package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	retentionRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_retention_runs_total",
			Help: "Total number of archive retention runs by status.",
		},
		[]string{"status"},
	)
	archiveObjectsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlchat_archive_objects_deleted_total",
			Help: "Total number of archived exchanges deleted by retention runs.",
		},
	)
)

func init() {
	prometheus.MustRegister(retentionRunsTotal, archiveObjectsDeletedTotal)
}
