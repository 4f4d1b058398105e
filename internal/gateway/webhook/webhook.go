// Package webhook implements the LINE webhook gateway: the signed callback
// endpoint plus health, readiness, metrics and public media routes.
//
// Security:
//   - Every delivery verified via X-Line-Signature (HMAC-SHA256, channel secret)
//   - Bodies are size-capped before verification
//   - Deliveries logged with a correlation ID, echoed in X-Request-ID
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/chatrelay/internal/gateway"
	"github.com/jkaninda/chatrelay/internal/dispatch"
	"github.com/jkaninda/chatrelay/internal/line"
	"github.com/jkaninda/chatrelay/internal/observability"
)

const (
	// CallbackPath is where the platform delivers events.
	CallbackPath = "/callback"

	defaultMaxBodySize = 1 << 20
	requestIDHeader    = "X-Request-ID"
)

// Config configures the webhook gateway.
type Config struct {
	ChannelSecret   string                       // HMAC key for X-Line-Signature (from CHANNEL_SECRET env var).
	ListenAddr      string                       // e.g. ":3000".
	MaxBodySize     int64                        // 0 = 1 MiB.
	MediaHandler    http.Handler                 // Serves /public/{name}; nil = not mounted.
	HealthChecker   *observability.HealthChecker // nil = readiness always ok.
	Metrics         *observability.MetricsCollector
	MetricsRegistry *prometheus.Registry // nil = /metrics not mounted.
	MetricsPath     string               // Default: "/metrics".
	Tracer          *observability.TracerSetup
}

// BatchHandler processes the events of one delivery.
type BatchHandler interface {
	HandleBatch(ctx context.Context, events []line.Event) ([]*dispatch.Result, error)
}

// Gateway is the LINE webhook gateway.
type Gateway struct {
	config  Config
	handler BatchHandler
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
}

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorBody is the JSON error body returned by the callback.
type ErrorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// NewGateway creates a webhook gateway.
func NewGateway(cfg Config, h BatchHandler, logger *slog.Logger) *Gateway {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Gateway{
		config:  cfg,
		handler: h,
		logger:  logger,
		okapi:   okapi.New(),
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		var tracer trace.Tracer
		if g.config.Tracer != nil {
			tracer = g.config.Tracer.Tracer()
		}
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, tracer, next)
		})
	}

	g.okapi.HandleStd(http.MethodPost, CallbackPath, g.ServeCallback)

	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		g.okapi.HandleStd(http.MethodGet, g.config.MetricsPath, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.MediaHandler != nil {
		g.okapi.HandleStd(http.MethodGet, "/public/{name}", g.config.MediaHandler.ServeHTTP)
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("webhook gateway starting",
		slog.String("addr", g.config.ListenAddr),
		slog.String("callback", CallbackPath),
	)
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("webhook gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// ServeCallback verifies and handles one webhook delivery. It responds with
// the per-event results in delivery order; ignored events are null.
func (g *Gateway) ServeCallback(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	w.Header().Set(requestIDHeader, requestID)

	// Replies must still go out if the platform drops the connection.
	ctx := context.WithoutCancel(r.Context())
	ctx, span := g.config.Tracer.Start(ctx, "webhook.delivery", attribute.String("request_id", requestID))
	defer span.End()

	body, err := g.readBody(r)
	if err != nil {
		g.logger.WarnContext(ctx, "webhook body rejected",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, errBodyTooLarge) {
			g.observe("too_large", 0)
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large", RequestID: requestID})
			return
		}
		g.observe("bad_request", 0)
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "unreadable request body", RequestID: requestID})
		return
	}

	if err := line.VerifySignature(g.config.ChannelSecret, body, r.Header.Get(line.SignatureHeader)); err != nil {
		g.observe("invalid_signature", 0)
		g.logger.WarnContext(ctx, "webhook signature verification failed",
			slog.String("request_id", requestID),
			slog.String("remote_addr", r.RemoteAddr),
		)
		writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: "invalid signature", RequestID: requestID})
		return
	}

	var payload line.WebhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		g.observe("bad_request", 0)
		g.logger.WarnContext(ctx, "webhook body is not valid JSON",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid request body", RequestID: requestID})
		return
	}

	span.SetAttributes(attribute.Int("webhook.events", len(payload.Events)))
	g.logger.DebugContext(ctx, "webhook delivery",
		slog.String("request_id", requestID),
		slog.String("destination", payload.Destination),
		slog.Int("events", len(payload.Events)),
	)

	results, err := g.handler.HandleBatch(ctx, payload.Events)
	if err != nil {
		g.observe("failed", len(payload.Events))
		span.RecordError(err)
		g.logger.ErrorContext(ctx, "webhook delivery failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: "event handling failed", RequestID: requestID})
		return
	}
	if results == nil {
		results = []*dispatch.Result{}
	}

	g.observe("ok", len(payload.Events))
	writeJSON(w, http.StatusOK, results)
}

var errBodyTooLarge = errors.New("body exceeds limit")

func (g *Gateway) readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, g.config.MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > g.config.MaxBodySize {
		return nil, fmt.Errorf("%w of %d bytes", errBodyTooLarge, g.config.MaxBodySize)
	}
	return body, nil
}

func (g *Gateway) observe(status string, events int) {
	if g.config.Metrics == nil {
		return
	}
	g.config.Metrics.WebhookDeliveriesTotal.WithLabelValues(status).Inc()
	if status == "ok" || status == "failed" {
		g.config.Metrics.WebhookEventsPerBatch.Observe(float64(events))
	}
}

// handleLiveness always reports ok while the process serves requests.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

var _ gateway.Gateway = (*Gateway)(nil)
