package webhook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/networking"
	"github.com/uniauth/uniauth/pkg/storage"
)

const (
	// DefaultBatchSize is how many due deliveries one pass claims.
	DefaultBatchSize = 10

	// MaxAttempts caps delivery attempts; the last failure is terminal.
	MaxAttempts = 5

	// DefaultRequestTimeout bounds each delivery POST.
	DefaultRequestTimeout = 5 * time.Second

	// DefaultLease is how long a claimed delivery stays invisible to
	// other workers. It must comfortably exceed the request timeout.
	DefaultLease = time.Minute

	// maxResponseExcerpt caps the stored response body.
	maxResponseExcerpt = 1000

	// perHostRate paces deliveries per receiver host so one slow or
	// broken receiver cannot absorb the whole worker.
	perHostRate  = 10
	perHostBurst = 10
)

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(client networking.HTTPClient) WorkerOption {
	return func(w *Worker) {
		w.client = client
	}
}

// WithBatchSize overrides how many deliveries one pass claims.
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithLease overrides the claim lease duration.
func WithLease(lease time.Duration) WorkerOption {
	return func(w *Worker) {
		if lease > 0 {
			w.lease = lease
		}
	}
}

// WithRequestTimeout overrides the per-delivery POST timeout.
func WithRequestTimeout(timeout time.Duration) WorkerOption {
	return func(w *Worker) {
		if timeout > 0 {
			w.timeout = timeout
		}
	}
}

// WithAllowPrivateTargets permits deliveries to private and loopback
// addresses and to plain-http receivers on them. Local development only;
// the default client refuses both at dial time.
func WithAllowPrivateTargets(allow bool) WorkerOption {
	return func(w *Worker) {
		w.allowPrivate = allow
	}
}

// WithIdleInterval tunes the wait between passes when the queue is empty.
func WithIdleInterval(initial, maxInterval time.Duration) WorkerOption {
	return func(w *Worker) {
		if initial > 0 {
			w.idleInitial = initial
		}
		if maxInterval > 0 {
			w.idleMax = maxInterval
		}
	}
}

// Delivery outcomes reported to the observer.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
)

// DeliveryObserver is notified of every concluded delivery attempt.
// telemetry.Metrics satisfies it.
type DeliveryObserver interface {
	RecordDelivery(ctx context.Context, outcome string)
}

// WithObserver installs a delivery outcome observer.
func WithObserver(observer DeliveryObserver) WorkerOption {
	return func(w *Worker) {
		w.observer = observer
	}
}

// Worker drains the delivery queue: it claims due rows, POSTs the signed
// payload snapshots and records the outcome. Multiple workers may run
// concurrently; the claim lease keeps each row with exactly one worker.
type Worker struct {
	webhooks     storage.WebhookStore
	deliveries   storage.DeliveryStore
	client       networking.HTTPClient
	batchSize    int
	lease        time.Duration
	timeout      time.Duration
	idleInitial  time.Duration
	idleMax      time.Duration
	allowPrivate bool
	observer     DeliveryObserver

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	now func() time.Time
}

func (w *Worker) observe(ctx context.Context, outcome string) {
	if w.observer != nil {
		w.observer.RecordDelivery(ctx, outcome)
	}
}

// NewWorker returns a delivery worker over the given stores.
func NewWorker(webhooks storage.WebhookStore, deliveries storage.DeliveryStore, opts ...WorkerOption) (*Worker, error) {
	w := &Worker{
		webhooks:    webhooks,
		deliveries:  deliveries,
		batchSize:   DefaultBatchSize,
		lease:       DefaultLease,
		timeout:     DefaultRequestTimeout,
		idleInitial: time.Second,
		idleMax:     30 * time.Second,
		limiters:    make(map[string]*rate.Limiter),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.client == nil {
		client, err := networking.NewHTTPClientBuilder().
			WithTimeout(w.timeout).
			WithPrivateIPs(w.allowPrivate).
			WithAllowHTTP(w.allowPrivate).
			Build()
		if err != nil {
			return nil, err
		}
		w.client = client
	}
	return w, nil
}

// Run processes batches until the context is cancelled, then returns nil.
// After a full batch it re-selects immediately; an empty pass backs the
// loop off exponentially until work shows up again.
func (w *Worker) Run(ctx context.Context) error {
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = w.idleInitial
	idle.MaxInterval = w.idleMax
	idle.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}

		processed := w.RunOnce(ctx)
		if processed >= w.batchSize {
			continue
		}
		if processed > 0 {
			idle.Reset()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(idle.NextBackOff()):
		}
	}
}

// RunOnce claims and processes one batch and reports how many deliveries
// it handled.
func (w *Worker) RunOnce(ctx context.Context) int {
	due, err := w.deliveries.ClaimDue(ctx, w.now().UTC(), w.batchSize, w.lease)
	if err != nil {
		logger.Warnw("failed to claim due deliveries", "error", err)
		return 0
	}

	for _, delivery := range due {
		if ctx.Err() != nil {
			// Unprocessed rows stay leased and come back after expiry
			// with their attempt count untouched.
			break
		}
		w.process(ctx, delivery)
	}
	return len(due)
}

func (w *Worker) process(ctx context.Context, delivery *storage.WebhookDelivery) {
	hook, err := w.webhooks.Get(ctx, delivery.WebhookID)
	if err != nil {
		w.conclude(ctx, delivery, 0, "webhook no longer exists")
		return
	}
	if !hook.Active {
		w.conclude(ctx, delivery, 0, "webhook disabled")
		return
	}

	code, excerpt := w.attempt(ctx, hook, delivery)
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		if err := w.deliveries.MarkSuccess(ctx, delivery.ID, code, excerpt); err != nil {
			logger.Warnw("failed to mark delivery success", "delivery_id", delivery.ID, "error", err)
		}
		w.observe(ctx, OutcomeSuccess)
		return
	}
	if code == 0 && ctx.Err() != nil {
		// Shutdown mid-attempt. Leave the row leased rather than
		// burning an attempt on our own cancellation.
		return
	}

	w.retryOrFail(ctx, delivery, code, excerpt)
}

// conclude terminally fails a delivery that can no longer be attempted.
func (w *Worker) conclude(ctx context.Context, delivery *storage.WebhookDelivery, code int, reason string) {
	if err := w.deliveries.MarkFailed(ctx, delivery.ID, delivery.AttemptCount+1, code, reason); err != nil {
		logger.Warnw("failed to mark delivery failed", "delivery_id", delivery.ID, "error", err)
	}
	w.observe(ctx, OutcomeFailed)
}

func (w *Worker) retryOrFail(ctx context.Context, delivery *storage.WebhookDelivery, code int, excerpt string) {
	attempt := delivery.AttemptCount + 1
	if attempt >= MaxAttempts {
		if err := w.deliveries.MarkFailed(ctx, delivery.ID, attempt, code, excerpt); err != nil {
			logger.Warnw("failed to mark delivery failed", "delivery_id", delivery.ID, "error", err)
		}
		logger.Infow("webhook delivery failed terminally",
			"delivery_id", delivery.ID, "event", delivery.Event, "attempts", attempt)
		w.observe(ctx, OutcomeFailed)
		return
	}

	nextRetryAt := w.now().UTC().Add(retryDelay(attempt))
	if err := w.deliveries.MarkRetry(ctx, delivery.ID, attempt, nextRetryAt, code, excerpt); err != nil {
		logger.Warnw("failed to schedule delivery retry", "delivery_id", delivery.ID, "error", err)
	}
	w.observe(ctx, OutcomeRetry)
}

// retryDelay doubles per attempt: 1, 2, 4, 8 minutes after attempts 1-4.
func retryDelay(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * time.Minute
}

// attempt performs one delivery POST and returns the response status code
// (0 for transport failures) and a bounded response excerpt.
func (w *Worker) attempt(ctx context.Context, hook *storage.Webhook, delivery *storage.WebhookDelivery) (int, string) {
	if err := w.limiter(hook.URL).Wait(ctx); err != nil {
		return 0, truncate(err.Error())
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, truncate(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, delivery.Event)
	req.Header.Set(DeliveryHeader, delivery.ID)
	req.Header.Set(SignatureHeader, Sign([]byte(hook.Secret), delivery.Payload))

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, truncate(err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseExcerpt))
	return resp.StatusCode, string(body)
}

// limiter returns the pacing limiter for the target's host.
func (w *Worker) limiter(target string) *rate.Limiter {
	host := ""
	if parsed, err := url.Parse(target); err == nil {
		host = parsed.Host
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.limiters[host]
	if !ok {
		l = rate.NewLimiter(perHostRate, perHostBurst)
		w.limiters[host] = l
	}
	return l
}

func truncate(s string) string {
	if len(s) > maxResponseExcerpt {
		return s[:maxResponseExcerpt]
	}
	return s
}
