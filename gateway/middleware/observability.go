package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"hypertuna/observability"
)

// ObservabilityConfig tunes per-route request telemetry.
type ObservabilityConfig struct {
	ServiceName string
	LogRequests bool
	Enabled     bool
}

// Observability wraps handlers with a span, edge request metrics, and an
// optional access log line.
type Observability struct {
	cfg    ObservabilityConfig
	logger *slog.Logger
	tracer trace.Tracer
}

// NewObservability builds the middleware.
func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "hypertuna-gateway"
	}
	return &Observability{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "edge")),
		tracer: otel.Tracer(cfg.ServiceName),
	}
}

// Middleware instruments the route under the given name.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !o.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ctx, span := o.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()

			elapsed := time.Since(start)
			observability.EdgeMetrics().RequestDuration.
				WithLabelValues(route, strconv.Itoa(recorder.status)).
				Observe(elapsed.Seconds())
			if o.cfg.LogRequests {
				o.logger.Info("request",
					slog.String("method", r.Method),
					slog.String("route", route),
					slog.Int("status", recorder.status),
					slog.Duration("elapsed", elapsed))
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
