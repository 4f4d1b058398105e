package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware records request metrics and opens a span per request on
// okapi routes.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			done := begin(metrics, tracer, r)

			err := next(c)

			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
			}
			done(code)
			return err
		}
	}
}

// HTTPMetricsMiddleware is MetricsMiddleware for plain http.Handlers.
func HTTPMetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done := begin(metrics, tracer, r)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		done(rec.status)
	})
}

func begin(metrics *MetricsCollector, tracer trace.Tracer, r *http.Request) func(code int) {
	path := routeLabel(r.URL.Path)

	var span trace.Span
	if tracer != nil {
		_, span = tracer.Start(r.Context(), "http.request",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", path),
			))
	}
	if metrics != nil {
		metrics.ActiveRequests.Inc()
	}
	start := time.Now()

	return func(code int) {
		duration := time.Since(start).Seconds()
		if span != nil {
			span.SetAttributes(attribute.Int("http.status_code", code))
			span.End()
		}
		if metrics != nil {
			metrics.ActiveRequests.Dec()
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, statusCode(code)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		}
	}
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}

// routeLabel collapses per-object media paths into one label value.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/public/") {
		return "/public/*"
	}
	return path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
