package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"cnc-monitor-backend/internal/logger"
	"cnc-monitor-backend/internal/metrics"
	"cnc-monitor-backend/internal/model"
	"cnc-monitor-backend/internal/store"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// StopAlert is the push payload shown to operators.
type StopAlert struct {
	Title   string       `json:"title"`
	Body    string       `json:"body"`
	Machine string       `json:"machine"`
	Status  model.Status `json:"status"`
	At      time.Time    `json:"at"`
}

type alertJob struct {
	machine model.Machine
	rec     model.Transition
}

// WorkerPool sends stop alerts to the operators subscribed to a machine.
type WorkerPool struct {
	size    int
	jobs    chan alertJob
	store   store.Store
	webpush *webpush.Options
	sender  NotificationSender
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, st store.Store, webpushOptions *webpush.Options) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan alertJob, size*16),
		store:   st,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	logger.Debug("alert worker started", "worker", id)
	for {
		select {
		case job := <-wp.jobs:
			wp.sendAlertsForMachine(ctx, job)
		case <-ctx.Done():
			logger.Debug("alert worker shutting down", "worker", id)
			return
		}
	}
}

// TransitionCommitted queues an alert when a machine stops or drops off
// the network. It never blocks; alerts are dropped when the queue is full.
func (wp *WorkerPool) TransitionCommitted(machine model.Machine, rec model.Transition) {
	if rec.CurrentStatus != model.StatusStopped && rec.CurrentStatus != model.StatusDisconnected {
		return
	}
	select {
	case wp.jobs <- alertJob{machine: machine, rec: rec}:
	default:
		metrics.AlertsSent.WithLabelValues("dropped").Inc()
		logger.Warn("alert queue full, dropping stop alert", "machine", machine.Name, "status", rec.CurrentStatus)
	}
}

func (wp *WorkerPool) sendAlertsForMachine(ctx context.Context, job alertJob) {
	subscriptions, err := wp.store.SubscriptionsForMachine(ctx, job.machine.ID)
	if err != nil {
		logger.Error("failed to fetch subscriptions", "machine", job.machine.Name, "error", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(newStopAlert(job))
	if err != nil {
		logger.Error("failed to encode stop alert", "machine", job.machine.Name, "error", err)
		return
	}

	logger.Info("sending stop alerts", "machine", job.machine.Name, "status", job.rec.CurrentStatus, "subscriptions", len(subscriptions))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

func newStopAlert(job alertJob) StopAlert {
	verb := "stopped"
	if job.rec.CurrentStatus == model.StatusDisconnected {
		verb = "disconnected"
	}
	body := fmt.Sprintf("%s %s", job.machine.Name, verb)
	if job.rec.JobName != "" {
		body = fmt.Sprintf("%s %s while running %s", job.machine.Name, verb, job.rec.JobName)
	}
	return StopAlert{
		Title:   "Machine " + verb,
		Body:    body,
		Machine: job.machine.Name,
		Status:  job.rec.CurrentStatus,
		At:      job.rec.CreatedAt,
	}
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	metrics.AlertsSent.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		logger.Warn("failed to send stop alert", "endpoint", sub.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		logger.Info("push subscription expired, deleting", "endpoint", sub.Endpoint)
		if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			logger.Error("failed to delete expired subscription", "endpoint", sub.Endpoint, "error", err)
		}
	}
}
