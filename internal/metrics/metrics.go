// Package metrics exposes prometheus instrumentation for the sync engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proposal_tally"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	deltasApplied   *prometheus.CounterVec
	deltasDiscarded *prometheus.CounterVec
	resyncs         *prometheus.CounterVec
	reconnects      prometheus.Counter
	subscriptions   prometheus.Counter
	blockNum        prometheus.Gauge
	trackedVoters   prometheus.Gauge
	connState       prometheus.Gauge
	provisional     prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deltasApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deltas_applied_total",
			Help: "Deltas applied to the replica, by kind.",
		}, []string{"kind"}),
		deltasDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deltas_discarded_total",
			Help: "Inbound messages discarded, by reason.",
		}, []string{"reason"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "resyncs_total",
			Help: "Full resync attempts, by result.",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_total",
			Help: "Feed connection attempts after a drop.",
		}),
		subscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "subscriptions_issued_total",
			Help: "Subscription requests sent to the feed.",
		}),
		blockNum: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "block_num",
			Help: "Replica watermark.",
		}),
		trackedVoters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tracked_voters",
			Help: "Voter accounts in the replica.",
		}),
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_state",
			Help: "Feed connection state: 0 disconnected, 1 connecting, 2 subscribed.",
		}),
		provisional: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "provisional_proposals",
			Help: "Proposals whose tally counts voters with partially known weight.",
		}),
	}
	reg.MustRegister(m.deltasApplied, m.deltasDiscarded, m.resyncs, m.reconnects,
		m.subscriptions, m.blockNum, m.trackedVoters, m.connState, m.provisional)
	return m
}

func (m *Metrics) DeltaApplied(kind string) {
	if m != nil {
		m.deltasApplied.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) DeltaDiscarded(reason string) {
	if m != nil {
		m.deltasDiscarded.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Resync(result string) {
	if m != nil {
		m.resyncs.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) SubscriptionIssued() {
	if m != nil {
		m.subscriptions.Inc()
	}
}

func (m *Metrics) SetBlockNum(n uint64) {
	if m != nil {
		m.blockNum.Set(float64(n))
	}
}

func (m *Metrics) SetTrackedVoters(n int) {
	if m != nil {
		m.trackedVoters.Set(float64(n))
	}
}

func (m *Metrics) SetConnectionState(state int) {
	if m != nil {
		m.connState.Set(float64(state))
	}
}

func (m *Metrics) SetProvisional(n int) {
	if m != nil {
		m.provisional.Set(float64(n))
	}
}

// Serve exposes reg on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
