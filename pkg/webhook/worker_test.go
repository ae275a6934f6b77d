package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniauth/uniauth/pkg/storage"
	"github.com/uniauth/uniauth/pkg/storage/sqlite"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := sqlite.NewStore(context.Background(), sqlite.Config{
		Path: filepath.Join(t.TempDir(), "webhooks.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedApp(t *testing.T, store storage.Store) *storage.Application {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	user := &storage.User{
		ID:        uuid.NewString(),
		Email:     uuid.NewString()[:8] + "@example.com",
		Status:    storage.UserStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Users().Create(ctx, user))

	app := &storage.Application{
		ID:          uuid.NewString(),
		ClientID:    "app_" + uuid.NewString()[:8],
		Name:        "Test App",
		Type:        storage.AppTypeWeb,
		Active:      true,
		OwnerUserID: user.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.Applications().Create(ctx, app))
	return app
}

func seedWebhook(t *testing.T, store storage.Store, appID, url, secret string, events []string, active bool) *storage.Webhook {
	t.Helper()
	now := time.Now().UTC()
	hook := &storage.Webhook{
		ID:        uuid.NewString(),
		AppID:     appID,
		URL:       url,
		Secret:    secret,
		Events:    events,
		Active:    active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Webhooks().Create(context.Background(), hook))
	return hook
}

func newTestWorker(t *testing.T, store storage.Store, opts ...WorkerOption) *Worker {
	t.Helper()
	opts = append([]WorkerOption{WithHTTPClient(http.DefaultClient)}, opts...)
	worker, err := NewWorker(store.Webhooks(), store.Deliveries(), opts...)
	require.NoError(t, err)
	return worker
}

// receiver is a test endpoint that records every request it sees.
type receiver struct {
	mu       sync.Mutex
	status   int
	response string
	bodies   [][]byte
	headers  []http.Header
}

func (r *receiver) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.headers = append(r.headers, req.Header.Clone())
		status := r.status
		response := r.response
		r.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		fmt.Fprint(w, response)
	}
}

func (r *receiver) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func (r *receiver) request(i int) (http.Header, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers[i], r.bodies[i]
}

func (r *receiver) setStatus(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

func TestEnqueueFanOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	app := seedApp(t, store)

	subscribed := seedWebhook(t, store, app.ID, "https://a.example.com/hook", "s1", []string{EventUserLogin, EventUserCreated}, true)
	alsoSubscribed := seedWebhook(t, store, app.ID, "https://b.example.com/hook", "s2", []string{EventUserLogin}, true)
	inactive := seedWebhook(t, store, app.ID, "https://c.example.com/hook", "s3", []string{EventUserLogin}, false)
	otherEvent := seedWebhook(t, store, app.ID, "https://d.example.com/hook", "s4", []string{EventUserDeleted}, true)

	enqueuer := NewEnqueuer(store.Webhooks(), store.Deliveries())
	enqueuer.Enqueue(ctx, EventUserLogin, map[string]any{"user_id": "u_1"})

	for hook, want := range map[*storage.Webhook]int{
		subscribed:     1,
		alsoSubscribed: 1,
		inactive:       0,
		otherEvent:     0,
	} {
		deliveries, err := store.Deliveries().ListByWebhook(ctx, hook.ID, 10)
		require.NoError(t, err)
		assert.Len(t, deliveries, want, "webhook %s", hook.URL)
	}
}

func TestEnqueueSnapshotsPayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	app := seedApp(t, store)
	hook := seedWebhook(t, store, app.ID, "https://a.example.com/hook", "s1", []string{EventUserCreated}, true)

	enqueuer := NewEnqueuer(store.Webhooks(), store.Deliveries())
	enqueuer.Enqueue(ctx, EventUserCreated, map[string]any{"user_id": "u_1", "phone": "+15551234567"})

	deliveries, err := store.Deliveries().ListByWebhook(ctx, hook.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	var payload Payload
	require.NoError(t, json.Unmarshal(deliveries[0].Payload, &payload))
	assert.Equal(t, EventUserCreated, payload.Event)
	assert.Equal(t, deliveries[0].ID, payload.DeliveryID)
	assert.Equal(t, "u_1", payload.Data["user_id"])
	assert.Equal(t, storage.DeliveryStatusPending, deliveries[0].Status)
	assert.Zero(t, deliveries[0].AttemptCount)
}

func TestWorkerDeliversSignedPayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	app := seedApp(t, store)

	rec := &receiver{response: "ok"}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	secret := "delivery-secret"
	hook := seedWebhook(t, store, app.ID, server.URL, secret, []string{EventUserLogin}, true)

	enqueuer := NewEnqueuer(store.Webhooks(), store.Deliveries())
	enqueuer.Enqueue(ctx, EventUserLogin, map[string]any{"user_id": "u_1"})

	worker := newTestWorker(t, store)
	processed := worker.RunOnce(ctx)
	assert.Equal(t, 1, processed)

	require.Equal(t, 1, rec.calls())
	headers, body := rec.request(0)
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, EventUserLogin, headers.Get(EventHeader))
	assert.NotEmpty(t, headers.Get(DeliveryHeader))
	assert.True(t, VerifySignature([]byte(secret), body, headers.Get(SignatureHeader)))

	deliveries, err := store.Deliveries().ListByWebhook(ctx, hook.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, storage.DeliveryStatusSuccess, deliveries[0].Status)
	assert.Equal(t, http.StatusOK, deliveries[0].ResponseCode)
	assert.Equal(t, "ok", deliveries[0].ResponseBody)
	assert.Equal(t, 1, deliveries[0].AttemptCount)
	assert.Equal(t, deliveries[0].ID, headers.Get(DeliveryHeader))
}

func TestWorkerSchedulesRetryOnFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	app := seedApp(t, store)

	rec := &receiver{status: http.StatusInternalServerError, response: "boom"}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	hook := seedWebhook(t, store, app.ID, server.URL, "s", []string{EventUserLogin}, true)
	enqueuer := NewEnqueuer(store.Webhooks(), store.Deliveries())
	enqueuer.Enqueue(ctx, EventUserLogin, map[string]any{"user_id": "u_1"})

	worker := newTestWorker(t, store)
	before := time.Now().UTC()
	require.Equal(t, 1, worker.RunOnce(ctx))

	deliveries, err := store.Deliveries().ListByWebhook(ctx, hook.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	d := deliveries[0]
	assert.Equal(t, storage.DeliveryStatusRetrying, d.Status)
	assert.Equal(t, 1, d.AttemptCount)
	assert.Equal(t, http.StatusInternalServerError, d.ResponseCode)
	assert.Equal(t, "boom", d.ResponseBody)
	assert.WithinDuration(t, before.Add(time.Minute), d.NextRetryAt, 5*time.Second)
}

func TestWorkerRetriesWithSnapshotBytes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	app := seedApp(t, store)

	rec := &receiver{status: http.StatusBadGateway}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	hook := seedWebhook(t, store, app.ID, server.URL, "s", []string{EventUserCreated}, true)
	enqueuer := NewEnqueuer(store.Webhooks(), store.Deliveries())
	enqueuer.Enqueue(ctx, EventUserCreated, map[string]any{"user_id": "u_1"})

	worker := newTestWorker(t, store)
	require.Equal(t, 1, worker.RunOnce(ctx))

	// Second pass with the clock past next_retry_at; the receiver is
	// healthy this time.
	rec.setStatus(http.StatusOK)
	worker.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.Equal(t, 1, worker.RunOnce(ctx))

	require.Equal(t, 2, rec.calls())
	firstHeaders, firstBody := rec.request(0)
	secondHeaders, secondBody := rec.request(1)
	assert.Equal(t, firstBody, secondBody)
	assert.Equal(t, firstHeaders.Get(DeliveryHeader), secondHeaders.Get(DeliveryHeader))

	deliveries, err := store.Deliveries().ListByWebhook(ctx, hook.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, storage.DeliveryStatusSuccess, deliveries[0].Status)
	assert.Equal(t, 2, deliveries[0].AttemptCount)
}

func TestWorkerTerminalFailureAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	app := seedApp(t, store)

	rec := &receiver{status: http.StatusInternalServerError}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	hook := seedWebhook(t, store, app.ID, server.URL, "s", []string{EventUserLogin}, true)

	now := time.Now().UTC()
	delivery := &storage.WebhookDelivery{
		ID:           uuid.NewString(),
		WebhookID:    hook.ID,
		Event:        EventUserLogin,
		Payload:      []byte(`{"event":"user.login"}`),
		Status:       storage.DeliveryStatusRetrying,
		AttemptCount: MaxAttempts - 1,
		NextRetryAt:  now.Add(-time.Second),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.Deliveries().Create(ctx, delivery))

	worker := newTestWorker(t, store)
	require.Equal(t, 1, worker.RunOnce(ctx))

	deliveries, err := store.Deliveries().ListByWebhook(ctx, hook.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, storage.DeliveryStatusFailed, deliveries[0].Status)
	assert.Equal(t, MaxAttempts, deliveries[0].AttemptCount)

	// Terminal rows are never claimed again.
	assert.Equal(t, 0, worker.RunOnce(ctx))
}

func TestWorkerFailsDeliveryForDisabledWebhook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	app := seedApp(t, store)
	hook := seedWebhook(t, store, app.ID, "https://a.example.com/hook", "s", []string{EventUserLogin}, false)

	now := time.Now().UTC()
	require.NoError(t, store.Deliveries().Create(ctx, &storage.WebhookDelivery{
		ID:          uuid.NewString(),
		WebhookID:   hook.ID,
		Event:       EventUserLogin,
		Payload:     []byte(`{}`),
		Status:      storage.DeliveryStatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	worker := newTestWorker(t, store)
	require.Equal(t, 1, worker.RunOnce(ctx))

	deliveries, err := store.Deliveries().ListByWebhook(ctx, hook.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, storage.DeliveryStatusFailed, deliveries[0].Status)
	assert.Equal(t, "webhook disabled", deliveries[0].ResponseBody)
}

func TestWorkerBatchSizeBoundsEachPass(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	app := seedApp(t, store)

	rec := &receiver{}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	seedWebhook(t, store, app.ID, server.URL, "s", []string{EventUserLogin}, true)
	enqueuer := NewEnqueuer(store.Webhooks(), store.Deliveries())
	for i := 0; i < 3; i++ {
		enqueuer.Enqueue(ctx, EventUserLogin, map[string]any{"n": i})
	}

	worker := newTestWorker(t, store, WithBatchSize(2))
	assert.Equal(t, 2, worker.RunOnce(ctx))
	assert.Equal(t, 1, worker.RunOnce(ctx))
	assert.Equal(t, 0, worker.RunOnce(ctx))
	assert.Equal(t, 3, rec.calls())
}

func TestWorkerLeaseBlocksReclaimUntilExpiry(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	app := seedApp(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			// Kill the worker context mid-flight and hold the response
			// so the client sees the cancellation, not a status code.
			cancel()
			time.Sleep(100 * time.Millisecond)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := seedWebhook(t, store, app.ID, server.URL, "s", []string{EventUserLogin}, true)
	enqueuer := NewEnqueuer(store.Webhooks(), store.Deliveries())
	enqueuer.Enqueue(context.Background(), EventUserLogin, map[string]any{"user_id": "u_1"})

	worker := newTestWorker(t, store, WithLease(2*time.Minute))
	require.Equal(t, 1, worker.RunOnce(ctx))

	// The interrupted attempt burns nothing: the row is still pending at
	// attempt zero, just leased.
	deliveries, err := store.Deliveries().ListByWebhook(context.Background(), hook.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, storage.DeliveryStatusPending, deliveries[0].Status)
	assert.Zero(t, deliveries[0].AttemptCount)
	require.NotNil(t, deliveries[0].ClaimedAt)

	// Within the lease window nothing re-claims it.
	assert.Equal(t, 0, worker.RunOnce(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	// Past the lease the row is fair game again and delivers.
	worker.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	require.Equal(t, 1, worker.RunOnce(context.Background()))

	deliveries, err = store.Deliveries().ListByWebhook(context.Background(), hook.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, storage.DeliveryStatusSuccess, deliveries[0].Status)
	assert.Equal(t, 1, deliveries[0].AttemptCount)
}

func TestWorkerTimesOutSlowReceiver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	app := seedApp(t, store)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := seedWebhook(t, store, app.ID, server.URL, "s", []string{EventUserLogin}, true)
	enqueuer := NewEnqueuer(store.Webhooks(), store.Deliveries())
	enqueuer.Enqueue(ctx, EventUserLogin, map[string]any{"user_id": "u_1"})

	worker := newTestWorker(t, store, WithRequestTimeout(30*time.Millisecond))
	require.Equal(t, 1, worker.RunOnce(ctx))

	deliveries, err := store.Deliveries().ListByWebhook(ctx, hook.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, storage.DeliveryStatusRetrying, deliveries[0].Status)
	assert.Equal(t, 1, deliveries[0].AttemptCount)
	assert.Zero(t, deliveries[0].ResponseCode)
	assert.Contains(t, deliveries[0].ResponseBody, "deadline exceeded")
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) RecordDelivery(_ context.Context, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.outcomes...)
}

func TestWorkerReportsOutcomes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	app := seedApp(t, store)

	rec := &receiver{status: http.StatusInternalServerError}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	hook := seedWebhook(t, store, app.ID, server.URL, "s", []string{EventUserLogin}, true)
	enqueuer := NewEnqueuer(store.Webhooks(), store.Deliveries())
	enqueuer.Enqueue(ctx, EventUserLogin, map[string]any{"user_id": "u_1"})

	observer := &recordingObserver{}
	worker := newTestWorker(t, store, WithObserver(observer))
	require.Equal(t, 1, worker.RunOnce(ctx))

	rec.setStatus(http.StatusOK)
	worker.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.Equal(t, 1, worker.RunOnce(ctx))

	now := time.Now().UTC()
	require.NoError(t, store.Deliveries().Create(ctx, &storage.WebhookDelivery{
		ID:           uuid.NewString(),
		WebhookID:    hook.ID,
		Event:        EventUserLogin,
		Payload:      []byte(`{}`),
		Status:       storage.DeliveryStatusRetrying,
		AttemptCount: MaxAttempts - 1,
		NextRetryAt:  now.Add(-time.Second),
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
	rec.setStatus(http.StatusInternalServerError)
	require.Equal(t, 1, worker.RunOnce(ctx))

	assert.Equal(t, []string{OutcomeRetry, OutcomeSuccess, OutcomeFailed}, observer.seen())
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	worker := newTestWorker(t, store, WithIdleInterval(5*time.Millisecond, 20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestRetryDelaySequence(t *testing.T) {
	t.Parallel()

	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, expected := range want {
		assert.Equal(t, expected, retryDelay(i+1))
	}
}
