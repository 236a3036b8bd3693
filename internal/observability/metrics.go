package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtc_http_requests_total",
			Help: "Total number of HTTP requests processed by the rtc service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rtc_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtc_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtc_ws_events_total",
			Help: "Total number of websocket lifecycle events and inbound frames.",
		},
		[]string{"event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rtc_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	messagesAcceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtc_messages_accepted_total",
			Help: "Messages accepted by the delivery pipeline, by outcome.",
		},
		[]string{"result"},
	)
	deliveriesAdvancedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtc_deliveries_advanced_total",
			Help: "Delivery rows advanced to a new status.",
		},
		[]string{"status"},
	)
	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtc_rate_limited_total",
			Help: "Calls rejected by the rate limiter, by action class.",
		},
		[]string{"action"},
	)
	backpressureDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtc_backpressure_dropped_total",
			Help: "Outbound frames dropped because the connection ran out of permits.",
		},
		[]string{"class"},
	)
	dispatchFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rtc_dispatch_task_failures_total",
			Help: "Per-room dispatcher tasks that returned an error or panicked.",
		},
	)
	dispatchActiveKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtc_dispatch_active_keys",
			Help: "Keys with a live dispatcher worker.",
		},
	)
	callTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtc_call_transitions_total",
			Help: "Call state transitions, by target state.",
		},
		[]string{"state"},
	)
	signalBufferEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rtc_signal_buffer_evictions_total",
			Help: "Buffered call signals evicted because a peer buffer was full.",
		},
	)
	e2eeRegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtc_e2ee_registrations_total",
			Help: "Device bundle registrations, by result.",
		},
		[]string{"result"},
	)
	otkClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtc_otk_claims_total",
			Help: "One-time prekey claims, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		messagesAcceptedTotal,
		deliveriesAdvancedTotal,
		rateLimitedTotal,
		backpressureDroppedTotal,
		dispatchFailuresTotal,
		dispatchActiveKeys,
		callTransitionsTotal,
		signalBufferEvictionsTotal,
		e2eeRegistrationsTotal,
		otkClaimsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive() { wsActiveConnections.Inc() }

func DecWSActive() { wsActiveConnections.Dec() }

func IncWSEvent(event string) { wsEventsTotal.WithLabelValues(event).Inc() }

func IncAMQPPublishError() { amqpPublishErrorsTotal.Inc() }

func IncMessageAccepted(result string) { messagesAcceptedTotal.WithLabelValues(result).Inc() }

func IncDeliveryAdvanced(status string) { deliveriesAdvancedTotal.WithLabelValues(status).Inc() }

func IncRateLimited(action string) { rateLimitedTotal.WithLabelValues(action).Inc() }

func IncBackpressureDropped(class string) { backpressureDroppedTotal.WithLabelValues(class).Inc() }

func IncDispatchFailure() { dispatchFailuresTotal.Inc() }

func SetDispatchActiveKeys(n int) { dispatchActiveKeys.Set(float64(n)) }

func IncCallTransition(state string) { callTransitionsTotal.WithLabelValues(state).Inc() }

func IncSignalBufferEviction() { signalBufferEvictionsTotal.Inc() }

func IncE2EERegistration(result string) { e2eeRegistrationsTotal.WithLabelValues(result).Inc() }

func IncOTKClaim(result string) { otkClaimsTotal.WithLabelValues(result).Inc() }
