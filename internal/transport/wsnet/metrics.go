package wsnet

import "github.com/prometheus/client_golang/prometheus"

// meshMetrics counts the node's wire traffic.
type meshMetrics struct {
	framesSent       prometheus.Counter
	framesRecv       prometheus.Counter
	bytesSent        prometheus.Counter
	bytesRecv        prometheus.Counter
	framesCompressed prometheus.Counter
}

func newMeshMetrics(reg prometheus.Registerer) *meshMetrics {
	m := &meshMetrics{
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcomm_frames_sent_total",
			Help: "Total frames written to peers",
		}),
		framesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcomm_frames_received_total",
			Help: "Total frames read from peers",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcomm_bytes_sent_total",
			Help: "Total bytes written to peers, including frame headers",
		}),
		bytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcomm_bytes_received_total",
			Help: "Total bytes read from peers, including frame headers",
		}),
		framesCompressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcomm_frames_compressed_total",
			Help: "Frames whose payload was sent compressed",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.framesSent, m.framesRecv, m.bytesSent, m.bytesRecv, m.framesCompressed)
	}
	return m
}
