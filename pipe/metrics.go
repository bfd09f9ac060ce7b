package pipe

import (
	"strconv"

	"github.com/c35s/gfpipe/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	commands *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	pipes    prometheus.Gauge
	signals  prometheus.Counter
	wakeups  prometheus.Counter
	dmaBytes prometheus.Gauge
}

// newMetrics creates the device's metrics, registering them with reg if it
// isn't nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)

	return &metrics{
		commands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gfpipe_commands_total",
				Help: "Pipe commands issued to the host, by command and status",
			},
			[]string{"cmd", "status"},
		),
		bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gfpipe_transfer_bytes_total",
				Help: "Bytes moved through pipes, by direction",
			},
			[]string{"cmd"},
		),
		pipes: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gfpipe_pipes_open",
				Help: "Open pipes",
			},
		),
		signals: f.NewCounter(
			prometheus.CounterOpts{
				Name: "gfpipe_signals_total",
				Help: "Signalled pipe entries read from the host",
			},
		),
		wakeups: f.NewCounter(
			prometheus.CounterOpts{
				Name: "gfpipe_wakeups_total",
				Help: "Pipe wakeups run by the deferred task",
			},
		),
		dmaBytes: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "gfpipe_dma_bytes",
				Help: "DMA memory held by pipes",
			},
		),
	}
}

func (m *metrics) command(cmd wire.Cmd, status int32) {
	// positive statuses are byte counts or poll masks
	m.commands.WithLabelValues(cmd.String(), strconv.Itoa(int(min(status, 0)))).Inc()
}

func (m *metrics) transferred(cmd wire.Cmd, n int) {
	m.bytes.WithLabelValues(cmd.String()).Add(float64(n))
}
