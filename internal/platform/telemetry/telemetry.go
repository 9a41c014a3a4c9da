// Package telemetry wires Prometheus metrics and OpenTelemetry spans into the
// HTTP layer and the order engine.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry settings.
type Config struct {
	ServiceName    string
	MetricsEnabled bool
	TracingEnabled bool
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "orders-server"
	}
}

// OutcomeSuccess labels operations that returned no error.
const OutcomeSuccess = "success"

// Provider owns the metric collectors, their registry and the tracer.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry
	tracer   trace.Tracer
	classify func(error) string

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpInFlight  prometheus.Gauge
	operations    *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec
	ordersIssued  prometheus.Counter
	ambiguousHits prometheus.Counter
}

// NewProvider registers all collectors on a fresh registry. Spans go to the
// global otel tracer provider, which is a no-op unless the process installs one.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	p := &Provider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		tracer:   otel.Tracer(cfg.ServiceName),
		classify: defaultClassify,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests being served",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_operations_total",
			Help: "Order engine operations by outcome",
		}, []string{"operation", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "order_operation_duration_seconds",
			Help:    "Duration of order engine operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		}, []string{"operation"}),
		ordersIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "order_numbers_issued_total",
			Help: "Order numbers handed out by the sequencer",
		}),
		ambiguousHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "order_ambiguity_rejections_total",
			Help: "Saves rejected because more than one order could apply",
		}),
	}
	p.registry.MustRegister(
		p.httpRequests, p.httpDuration, p.httpInFlight,
		p.operations, p.opDuration, p.ordersIssued, p.ambiguousHits,
	)
	return p
}

// SetTracer replaces the tracer, mainly for tests.
func (p *Provider) SetTracer(t trace.Tracer) {
	p.tracer = t
}

// SetOutcomeClassifier sets the function that turns an operation error into
// the outcome label.
func (p *Provider) SetOutcomeClassifier(fn func(error) string) {
	if fn != nil {
		p.classify = fn
	}
}

func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

func defaultClassify(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	return "error"
}

// Track starts a span for a domain operation and returns a finish function
// that ends it and records the outcome. A nil Provider returns a no-op.
func (p *Provider) Track(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p == nil {
		return ctx, func(error) {}
	}
	start := time.Now()
	var span trace.Span
	if p.cfg.TracingEnabled {
		ctx, span = p.tracer.Start(ctx, "order."+operation, trace.WithAttributes(attrs...))
	}
	return ctx, func(err error) {
		outcome := p.classify(err)
		if span != nil {
			span.SetAttributes(attribute.String("order.outcome", outcome))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.End()
		}
		if p.cfg.MetricsEnabled {
			p.operations.WithLabelValues(operation, outcome).Inc()
			p.opDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		}
	}
}

// OrderNumberIssued counts one sequencer hand-out.
func (p *Provider) OrderNumberIssued() {
	if p == nil || !p.cfg.MetricsEnabled {
		return
	}
	p.ordersIssued.Inc()
}

// AmbiguityRejected counts one save refused as ambiguous.
func (p *Provider) AmbiguityRejected() {
	if p == nil || !p.cfg.MetricsEnabled {
		return
	}
	p.ambiguousHits.Inc()
}

// TracingMiddleware opens a server span per HTTP request, named after the
// route pattern rather than the raw path.
func (p *Provider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.TracingEnabled {
				return next(c)
			}
			req := c.Request()
			route := routeOf(c)
			ctx, span := p.tracer.Start(req.Context(), "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= 500 {
				span.SetStatus(codes.Error, strconv.Itoa(status))
			}
			return err
		}
	}
}

// MetricsMiddleware records request count, latency and in-flight requests.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.MetricsEnabled {
				return next(c)
			}
			p.httpInFlight.Inc()
			defer p.httpInFlight.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				// Let echo write the error response so the status below is final.
				c.Error(err)
			}

			route := routeOf(c)
			method := c.Request().Method
			p.httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			p.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus text format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

func routeOf(c echo.Context) string {
	if route := c.Path(); route != "" {
		return route
	}
	return c.Request().URL.Path
}
