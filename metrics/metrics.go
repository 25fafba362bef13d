// Package metrics tracks the broker counters behind the `$SYS` topic
// tree and exposes them two ways: as a snapshot consumable by the
// hook manager's OnSysInfoTick (which the dispatcher uses to publish the
// `$SYS/...` topics) and, optionally, as a Prometheus `/metrics` HTTP
// endpoint.
package metrics

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RustRobotics/hebo-sub002/hook"
)

// Registry holds the broker's live counters. All fields are updated with
// atomic operations from whichever goroutine observes the event (listener
// accept loop, dispatcher publish path, session send path) so Registry
// itself never needs a lock.
type Registry struct {
	started time.Time

	clientsConnected atomic.Int64
	clientsTotal     atomic.Int64
	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
	bytesReceived    atomic.Int64
	bytesSent        atomic.Int64
	messagesDropped  atomic.Int64
	subscriptions    atomic.Int64
	retained         atomic.Int64
	inflight         atomic.Int64

	prom *promCollectors
}

// promCollectors are registered with a prometheus.Registerer only when
// metrics export is enabled (config [metrics] / Dashboard wiring), so a
// broker running with export off never pays for Prometheus bookkeeping.
type promCollectors struct {
	uptime           prometheus.GaugeFunc
	clientsConnected prometheus.GaugeFunc
	messagesReceived prometheus.CounterFunc
	messagesSent     prometheus.CounterFunc
	bytesReceived    prometheus.CounterFunc
	bytesSent        prometheus.CounterFunc
	messagesDropped  prometheus.CounterFunc
	subscriptions    prometheus.GaugeFunc
	retained         prometheus.GaugeFunc
}

// NewRegistry creates an empty Registry with its uptime clock started now.
func NewRegistry() *Registry {
	return &Registry{started: time.Now()}
}

func (r *Registry) ClientConnected() {
	r.clientsConnected.Add(1)
	r.clientsTotal.Add(1)
}

func (r *Registry) ClientDisconnected() {
	r.clientsConnected.Add(-1)
}

func (r *Registry) MessageReceived(bytes int) {
	r.messagesReceived.Add(1)
	r.bytesReceived.Add(int64(bytes))
}

func (r *Registry) MessageSent(bytes int) {
	r.messagesSent.Add(1)
	r.bytesSent.Add(int64(bytes))
}

func (r *Registry) MessageDropped() {
	r.messagesDropped.Add(1)
}

func (r *Registry) SetSubscriptions(n int64) { r.subscriptions.Store(n) }
func (r *Registry) SetRetained(n int64) { r.retained.Store(n) }
func (r *Registry) SetInflight(n int64) { r.inflight.Store(n) }

// Uptime returns whole seconds since the Registry (i.e. the broker) started.
func (r *Registry) Uptime() int64 {
	return int64(time.Since(r.started).Seconds())
}

// SysInfo renders a snapshot shaped for hook.Manager.OnSysInfoTick, which
// every registered hook, including the dispatcher's `$SYS` publisher,
// receives on each telemetry tick (default every 3s).
func (r *Registry) SysInfo() *hook.SysInfo {
	return &hook.SysInfo{
		Uptime:              r.Uptime(),
		Started:             r.started,
		Time:                time.Now(),
		ClientsConnected:    r.clientsConnected.Load(),
		ClientsTotal:        r.clientsTotal.Load(),
		MessagesReceived:    r.messagesReceived.Load(),
		MessagesSent:        r.messagesSent.Load(),
		MessagesDropped:     r.messagesDropped.Load(),
		BytesReceived:       r.bytesReceived.Load(),
		BytesSent:           r.bytesSent.Load(),
		Subscriptions:       r.subscriptions.Load(),
		Retained:            r.retained.Load(),
		Inflight:            r.inflight.Load(),
	}
}

// EnablePrometheus registers gauge/counter funcs backed directly by the
// Registry's atomics onto reg, so exported values never drift from what
// SysInfo reports.
func (r *Registry) EnablePrometheus(reg prometheus.Registerer) {
	r.prom = &promCollectors{
		uptime: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hebo_broker_uptime_seconds", Help: "Seconds since the broker started.",
		}, func() float64 { return float64(r.Uptime()) }),
		clientsConnected: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hebo_broker_clients_connected", Help: "Currently connected clients.",
		}, func() float64 { return float64(r.clientsConnected.Load()) }),
		messagesReceived: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hebo_broker_messages_received_total", Help: "Total PUBLISH packets received from clients.",
		}, func() float64 { return float64(r.messagesReceived.Load()) }),
		messagesSent: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hebo_broker_messages_sent_total", Help: "Total PUBLISH packets delivered to clients.",
		}, func() float64 { return float64(r.messagesSent.Load()) }),
		bytesReceived: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hebo_broker_bytes_received_total", Help: "Total publish payload bytes received.",
		}, func() float64 { return float64(r.bytesReceived.Load()) }),
		bytesSent: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hebo_broker_bytes_sent_total", Help: "Total publish payload bytes sent.",
		}, func() float64 { return float64(r.bytesSent.Load()) }),
		messagesDropped: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hebo_broker_publish_messages_dropped_total", Help: "Total PUBLISH messages dropped by fan-out backpressure.",
		}, func() float64 { return float64(r.messagesDropped.Load()) }),
		subscriptions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hebo_broker_subscriptions", Help: "Current subscription count.",
		}, func() float64 { return float64(r.subscriptions.Load()) }),
		retained: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hebo_broker_retained_messages", Help: "Current retained message count.",
		}, func() float64 { return float64(r.retained.Load()) }),
	}

	reg.MustRegister(
		r.prom.uptime, r.prom.clientsConnected, r.prom.messagesReceived,
		r.prom.messagesSent, r.prom.bytesReceived, r.prom.bytesSent,
		r.prom.messagesDropped, r.prom.subscriptions, r.prom.retained,
	)
}

// Server serves the Prometheus /metrics endpoint alongside the
// dashboard's uptime endpoint (`GET /api/v1/metrics/uptime`). The full
// dashboard Web UI lives outside the broker; only the uptime surface is
// served here.
type Server struct {
	registry *Registry
	httpSrv  *http.Server
}

// NewServer builds an HTTP server exposing /metrics (Prometheus) and
// /api/v1/metrics/uptime (dashboard stub) on addr.
func NewServer(addr string, registry *Registry) *Server {
	reg := prometheus.NewRegistry()
	registry.EnablePrometheus(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/v1/metrics/uptime", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"uptime":` + itoa(registry.Uptime()) + `}`))
	})

	return &Server{
		registry: registry,
		httpSrv:  &http.Server{Addr: addr, Handler: mux},
	}
}

func (s *Server) ListenAndServe() error {
	return s.httpSrv.ListenAndServe()
}

// Serve runs the metrics HTTP server on an already-bound listener, letting
// callers (tests, or a caller that wants the OS-assigned port) learn the
// real address before traffic arrives.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpSrv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
