package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ChunksAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drcv_chunks_accepted_total",
		Help: "Chunks written to staging.",
	})
	ChunkBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drcv_chunk_bytes_total",
		Help: "Payload bytes written to staging.",
	})
	UploadsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drcv_uploads_completed_total",
		Help: "Upload sessions finalized.",
	})
	UploadsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drcv_uploads_rejected_total",
		Help: "Chunk requests refused, by reason.",
	}, []string{"reason"})
	UploadsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drcv_uploads_reaped_total",
		Help: "Uploading sessions demoted to disconnected by the sweeper.",
	})
	ClientsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drcv_clients_reaped_total",
		Help: "Idle client rows dropped by the sweeper.",
	})
	HeartbeatsAcked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drcv_heartbeats_acked_total",
		Help: "Sessions kept alive by heartbeat calls.",
	})
	FeedObservers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drcv_feed_observers",
		Help: "Open admin change feed streams.",
	})
	ArchiveOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drcv_archive_outcomes_total",
		Help: "Archive attempts, by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ChunksAccepted,
		ChunkBytes,
		UploadsCompleted,
		UploadsRejected,
		UploadsReaped,
		ClientsReaped,
		HeartbeatsAcked,
		FeedObservers,
		ArchiveOutcomes,
	)
}
