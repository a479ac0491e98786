// Package metrics counts what a run did and can export the counters as a
// node_exporter textfile.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "adsb_pings"

// Recorder holds the counters of one run in its own registry.
type Recorder struct {
	registry *prometheus.Registry

	Dates           *prometheus.CounterVec // by outcome
	Parts           *prometheus.CounterVec // by result
	BytesDownloaded prometheus.Counter
	DownloadSeconds prometheus.Histogram
	Entries         *prometheus.CounterVec // by result
	Snapshots       prometheus.Counter
	DecodeErrors    prometheus.Counter
	PingsAccepted   prometheus.Counter
	PingsRejected   *prometheus.CounterVec // by reason
}

// NewRecorder registers the run counters.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		Dates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dates_total",
			Help:      "Dates processed, by outcome (release, fallback, skipped, failed).",
		}, []string{"outcome"}),
		Parts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parts_total",
			Help:      "Archive parts ensured, by result (downloaded, present, failed).",
		}, []string{"result"}),
		BytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes of archive parts downloaded.",
		}),
		DownloadSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "part_download_seconds",
			Help:      "Time spent downloading one archive part.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		Entries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_total",
			Help:      "Archive entries seen, by result (decoded, ignored, malformed).",
		}, []string{"result"}),
		Snapshots: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Trace snapshots decoded or attempted.",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_decode_errors_total",
			Help:      "Trace snapshots skipped because they could not be decoded.",
		}),
		PingsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_accepted_total",
			Help:      "Pings that passed the geographic filter.",
		}),
		PingsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_rejected_total",
			Help:      "Pings rejected by the filter, by first failing test.",
		}, []string{"reason"}),
	}
}

// Registry returns the registry holding the run counters.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile atomically writes the counters in text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
