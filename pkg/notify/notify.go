// Package notify posts document change notifications to an external webhook.
//
// Deliveries are debounced per document: a burst of edits produces one POST
// after a quiet period, and a document that never goes quiet is flushed once
// the max wait elapses. Delivery is best effort; failures are logged and
// never retried, and nothing on the synchronization path blocks on them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config controls webhook delivery.
type Config struct {
	// Endpoint is the URL notifications are posted to.
	Endpoint string

	// Timeout bounds one delivery attempt.
	Timeout time.Duration

	// Debounce is the quiet period after the last change before firing.
	Debounce time.Duration

	// MaxWait caps how long a continuously edited document can delay its
	// notification.
	MaxWait time.Duration

	// Objects maps shared type names to their declared structural kind.
	// Only named types are materialized into the payload.
	Objects map[string]string

	// Registerer receives the delivery metrics. Nil disables them.
	Registerer prometheus.Registerer
}

// DefaultConfig returns a Config with sensible defaults. The endpoint must
// still be set for the notifier to do anything.
func DefaultConfig() Config {
	return Config{
		Timeout:  5 * time.Second,
		Debounce: 2 * time.Second,
		MaxWait:  10 * time.Second,
	}
}

// TypeContent is one materialized shared type in the webhook payload.
type TypeContent struct {
	Type    string `json:"type"`
	Content any    `json:"content"`
}

// payload is the JSON body posted to the endpoint.
type payload struct {
	Room string                 `json:"room"`
	Data map[string]TypeContent `json:"data"`
}

// Materializer produces the current content of the configured shared types.
// It runs on the notifier's timer goroutine; implementations take whatever
// lock guards the document.
type Materializer func() map[string]TypeContent

// Notifier debounces and delivers document change notifications.
type Notifier struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	tracer trace.Tracer

	deliveries *prometheus.CounterVec // nil when no registerer configured

	mu      sync.Mutex
	pending map[string]*pendingDoc
	closed  bool
}

type pendingDoc struct {
	timer       *time.Timer
	deadline    time.Time
	materialize Materializer
}

// New creates a notifier. A nil logger falls back to slog.Default.
func New(cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.MaxWait < cfg.Debounce {
		cfg.MaxWait = def.MaxWait
	}
	n := &Notifier{
		cfg:     cfg,
		logger:  logger.With("component", "notify"),
		client:  &http.Client{Timeout: cfg.Timeout},
		tracer:  otel.Tracer("coedit/notify"),
		pending: make(map[string]*pendingDoc),
	}
	if cfg.Registerer != nil {
		n.deliveries = promauto.With(cfg.Registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "coedit",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by outcome.",
		}, []string{"outcome"})
	}
	return n
}

func (n *Notifier) countDelivery(outcome string) {
	if n.deliveries != nil {
		n.deliveries.WithLabelValues(outcome).Inc()
	}
}

// Enabled reports whether an endpoint is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.cfg.Endpoint != ""
}

// Objects returns the configured shared type names and kinds.
func (n *Notifier) Objects() map[string]string {
	return n.cfg.Objects
}

// DocChanged records a change on the document and (re)arms its debounce
// timer. The latest materializer wins; it runs once when the timer fires.
func (n *Notifier) DocChanged(docID string, materialize Materializer) {
	if !n.Enabled() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	p, ok := n.pending[docID]
	if !ok {
		p = &pendingDoc{deadline: time.Now().Add(n.cfg.MaxWait)}
		p.materialize = materialize
		p.timer = time.AfterFunc(n.cfg.Debounce, func() { n.fire(docID) })
		n.pending[docID] = p
		return
	}

	p.materialize = materialize
	delay := n.cfg.Debounce
	if remaining := time.Until(p.deadline); remaining < delay {
		delay = remaining
	}
	if delay <= 0 {
		// Max wait exhausted; let the armed timer fire immediately.
		delay = 0
	}
	p.timer.Reset(delay)
}

// Flush fires any armed notification for the document right away. Used on
// teardown so the webhook sees the final state.
func (n *Notifier) Flush(docID string) {
	n.mu.Lock()
	p, ok := n.pending[docID]
	if ok {
		p.timer.Stop()
	}
	n.mu.Unlock()
	if ok {
		n.fire(docID)
	}
}

// Close stops all armed timers without firing them.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for docID, p := range n.pending {
		p.timer.Stop()
		delete(n.pending, docID)
	}
}

func (n *Notifier) fire(docID string) {
	n.mu.Lock()
	p, ok := n.pending[docID]
	if ok {
		delete(n.pending, docID)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer cancel()
	ctx, span := n.tracer.Start(ctx, "notify.deliver",
		trace.WithAttributes(attribute.String("doc.id", docID)))
	defer span.End()

	body, err := json.Marshal(payload{Room: docID, Data: p.materialize()})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal payload")
		n.logger.Error("marshal notification", "doc", docID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		n.logger.Error("build notification request", "doc", docID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "deliver")
		n.countDelivery("error")
		n.logger.Warn("notification delivery failed", "doc", docID, "error", err)
		return
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "deliver")
		n.countDelivery("rejected")
		n.logger.Warn("notification rejected", "doc", docID, "status", resp.StatusCode)
		return
	}
	n.countDelivery("ok")
	n.logger.Debug("notification delivered", "doc", docID, "bytes", len(body))
}
