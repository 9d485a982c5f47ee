package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"scooproute/internal/metrics"
	"scooproute/internal/store"
)

// Queue is the delivery state the worker drains.
type Queue interface {
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]store.WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
}

type Worker struct {
	Store       Queue
	HTTP        *http.Client
	Logger      *slog.Logger
	MaxAttempts int
	Interval    time.Duration
	BatchSize   int
}

func NewWorker(q Queue, maxAttempts int, interval time.Duration, log *slog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{Store: q, HTTP: &http.Client{Timeout: 5 * time.Second}, Logger: log, MaxAttempts: maxAttempts, Interval: interval, BatchSize: 50}
}

// Run polls for due deliveries until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

func (w *Worker) processOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, w.batch())
	if err != nil {
		w.Logger.Warn("fetch webhook deliveries failed", "err", err)
		return
	}
	for _, it := range items {
		w.deliver(ctx, it)
	}
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
	code, latency, err := w.post(ctx, it)
	success := err == nil
	lastErr := ""
	if err != nil {
		lastErr = err.Error()
	}
	status := "delivered"
	switch {
	case success:
		err = w.Store.MarkWebhookDelivery(ctx, it.ID, true, nil, "", code, latency)
	case it.Attempts+1 >= w.MaxAttempts:
		status = "failed"
		err = w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency)
		w.Logger.Warn("webhook delivery gave up", "delivery", it.ID, "event", it.EventType, "attempts", it.Attempts+1, "err", lastErr)
	default:
		status = "retry"
		next := time.Now().Add(nextBackoff(it.Attempts))
		err = w.Store.MarkWebhookDelivery(ctx, it.ID, false, &next, lastErr, code, latency)
	}
	if err != nil {
		w.Logger.Error("record webhook delivery failed", "delivery", it.ID, "err", err)
	}
	metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
	metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))
}

func (w *Worker) post(ctx context.Context, it store.WebhookDelivery) (code, latencyMs int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err != nil {
		return 0, 0, err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", it.EventType)
	req.Header.Set("X-Delivery-Id", it.ID)
	req.Header.Set("X-Timestamp", ts)
	if it.Secret != "" {
		req.Header.Set("X-Signature", SignHMAC(it.Secret, ts, it.Payload))
	}
	start := time.Now()
	resp, err := w.HTTP.Do(req)
	latencyMs = int(time.Since(start).Milliseconds())
	if err != nil {
		return 0, latencyMs, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, latencyMs, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, latencyMs, nil
}

func (w *Worker) batch() int {
	if w.BatchSize <= 0 {
		return 50
	}
	return w.BatchSize
}

// nextBackoff doubles from one second and caps at an hour.
func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 12 {
		attempts = 12
	}
	d := time.Second << attempts
	if d > time.Hour {
		d = time.Hour
	}
	return d
}
