// Package push forwards notification intents to the presentation gateway,
// which owns channel choice and rendering. Delivery is fire-and-forget:
// a failed POST is logged and counted, never retried or surfaced.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"courierlive/internal/metrics"
	"courierlive/internal/notify"
)

type Worker struct {
	URL    string
	Secret string
	HTTP   *http.Client
	Stop   chan struct{}

	queue chan notify.Intent
	log   *zap.Logger
}

func NewWorker(url, secret string, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		URL:    url,
		Secret: secret,
		HTTP:   &http.Client{Timeout: 5 * time.Second},
		Stop:   make(chan struct{}),
		queue:  make(chan notify.Intent, 256),
		log:    log,
	}
}

// Enqueue hands an intent to the worker. A full queue drops the intent;
// notification loss is acceptable, blocking the caller is not.
func (w *Worker) Enqueue(it notify.Intent) {
	select {
	case w.queue <- it:
	default:
		metrics.PushDeliveries.WithLabelValues("dropped").Inc()
		w.log.Warn("push queue full, intent dropped", zap.String("kind", it.Kind), zap.String("subject", it.Subject))
	}
}

// Sink adapts Enqueue to the dispatcher's sink signature.
func (w *Worker) Sink() notify.Sink {
	return func(it notify.Intent) { w.Enqueue(it) }
}

func (w *Worker) Start() {
	go func() {
		for {
			select {
			case <-w.Stop:
				return
			case it := <-w.queue:
				w.send(it)
			}
		}
	}()
}

func (w *Worker) send(it notify.Intent) {
	if w.URL == "" {
		metrics.PushDeliveries.WithLabelValues("skipped").Inc()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	payload, err := json.Marshal(it)
	if err != nil {
		metrics.PushDeliveries.WithLabelValues("error").Inc()
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		metrics.PushDeliveries.WithLabelValues("error").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		req.Header.Set("X-Signature", SignHMAC(w.Secret, payload))
		req.Header.Set("X-Intent-Kind", it.Kind)
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		metrics.PushDeliveries.WithLabelValues("error").Inc()
		w.log.Warn("push gateway unreachable", zap.String("kind", it.Kind), zap.Error(err))
		return
	}
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.PushDeliveries.WithLabelValues("ok").Inc()
		return
	}
	metrics.PushDeliveries.WithLabelValues("error").Inc()
	w.log.Warn("push gateway rejected intent", zap.String("kind", it.Kind), zap.Int("status", resp.StatusCode))
}
