package torrent

import (
	"github.com/rcrowley/go-metrics"
)

type torrentMetrics struct {
	registry metrics.Registry

	// Bytes of accepted blocks.
	Downloaded metrics.Meter
	Uploaded   metrics.Meter
	// Bytes of verified pieces written to storage.
	Written metrics.Meter

	Wasted          metrics.Counter
	BadPieces       metrics.Counter
	StorageErrors   metrics.Counter
	CompletedPieces metrics.Counter

	Peers           metrics.Gauge
	PeersConnecting metrics.Gauge
}

func newMetrics() *torrentMetrics {
	r := metrics.NewRegistry()
	return &torrentMetrics{
		registry: r,

		Downloaded: metrics.NewRegisteredMeter("bytes_downloaded", r),
		Uploaded:   metrics.NewRegisteredMeter("bytes_uploaded", r),
		Written:    metrics.NewRegisteredMeter("bytes_written", r),

		Wasted:          metrics.NewRegisteredCounter("bytes_wasted", r),
		BadPieces:       metrics.NewRegisteredCounter("bad_pieces", r),
		StorageErrors:   metrics.NewRegisteredCounter("storage_errors", r),
		CompletedPieces: metrics.NewRegisteredCounter("completed_pieces", r),

		Peers:           metrics.NewRegisteredGauge("peers", r),
		PeersConnecting: metrics.NewRegisteredGauge("peers_connecting", r),
	}
}

func (m *torrentMetrics) Close() {
	m.Downloaded.Stop()
	m.Uploaded.Stop()
	m.Written.Stop()
	m.registry.UnregisterAll()
}
