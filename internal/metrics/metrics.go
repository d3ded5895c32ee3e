package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ticket_commerce"

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"route", "method", "status"})

	latency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"route"})

	ticketsReserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tickets_reserved_total",
		Help:      "Ticket instances reserved into carts.",
	}, []string{"ticket_type_id"})

	ticketsReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tickets_released_total",
		Help:      "Ticket instances released from carts, by resulting status.",
	}, []string{"status"})

	reservationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reservation_insufficient_inventory_total",
		Help:      "Cart updates rejected for insufficient inventory.",
	})

	checkouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkouts_total",
		Help:      "Checkout attempts by method and outcome.",
	}, []string{"method", "outcome"})

	compensatingRefunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compensating_refunds_total",
		Help:      "Processor refunds issued to undo a partially failed charge.",
	}, []string{"provider", "outcome"})

	ipns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_ipn_total",
		Help:      "Inbound payment notifications by disposition.",
	}, []string{"provider", "disposition"})

	domainActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "domain_actions_total",
		Help:      "Domain actions executed by type and result.",
	}, []string{"type", "result"})

	eventsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "domain_events_relayed_total",
		Help:      "Domain events published from the outbox.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency keyed by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		latency.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
	})
}

func TicketsReserved(ticketTypeID string, n int) {
	ticketsReserved.WithLabelValues(ticketTypeID).Add(float64(n))
}

func TicketsReleased(status string, n int) {
	ticketsReleased.WithLabelValues(status).Add(float64(n))
}

func ReservationFailed() { reservationFailures.Inc() }

func Checkout(method, outcome string) {
	checkouts.WithLabelValues(method, outcome).Inc()
}

func CompensatingRefund(provider, outcome string) {
	compensatingRefunds.WithLabelValues(provider, outcome).Inc()
}

func IPN(provider, disposition string) {
	ipns.WithLabelValues(provider, disposition).Inc()
}

func DomainAction(actionType, result string) {
	domainActions.WithLabelValues(actionType, result).Inc()
}

func EventsRelayed(n int) { eventsRelayed.Add(float64(n)) }
