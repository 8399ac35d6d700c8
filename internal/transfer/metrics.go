package transfer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bdrive_transfers_total",
		Help: "Completed transfers by direction and result.",
	}, []string{"direction", "result"})

	partsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bdrive_transfer_parts_total",
		Help: "Part uploads by result.",
	}, []string{"result"})

	transferBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bdrive_transfer_bytes_total",
		Help: "Bytes acknowledged by the blob service or written locally.",
	}, []string{"direction"})

	transferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bdrive_transfer_duration_seconds",
		Help:    "Wall time of whole transfers.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"direction"})

	previewHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bdrive_preview_cache_hits_total",
		Help: "Previews served from the scratch cache.",
	})
	previewMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bdrive_preview_cache_misses_total",
		Help: "Previews that had to be downloaded.",
	})
)

const (
	directionUpload   = "upload"
	directionDownload = "download"
)

func resultLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
