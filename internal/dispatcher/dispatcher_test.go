package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/formrelay/internal/backoff"
	"github.com/djlord-it/formrelay/internal/circuitbreaker"
	"github.com/djlord-it/formrelay/internal/domain"
	"github.com/djlord-it/formrelay/internal/provider"
	"github.com/djlord-it/formrelay/internal/store/memory"
	"github.com/djlord-it/formrelay/internal/testutil"
	"github.com/djlord-it/formrelay/internal/transport"
	"github.com/djlord-it/formrelay/internal/transport/sms"
)

var epoch = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

// scriptedWebhook returns queued results in order, repeating the last one.
type scriptedWebhook struct {
	mu       sync.Mutex
	results  []transport.Result
	calls    int
	payloads [][]byte
	opts     []transport.Options
}

func webhookReturning(codes ...int) *scriptedWebhook {
	w := &scriptedWebhook{}
	for _, c := range codes {
		r := transport.Result{StatusCode: c, ResponseBody: "ok"}
		if c >= 200 && c < 300 {
			r.Success = true
		} else {
			r.ErrorCode = backoff.CodeHTTPStatus
			r.ErrorMessage = "HTTP " + strconv.Itoa(c)
		}
		w.results = append(w.results, r)
	}
	return w
}

func (w *scriptedWebhook) Send(_ context.Context, _ string, payload []byte, opts transport.Options) transport.Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	i := w.calls
	if i >= len(w.results) {
		i = len(w.results) - 1
	}
	w.calls++
	w.payloads = append(w.payloads, payload)
	w.opts = append(w.opts, opts)
	return w.results[i]
}

func (w *scriptedWebhook) ValidateDestination(context.Context, string) transport.Validation {
	return transport.Validation{IsValid: true}
}

func (w *scriptedWebhook) CheckHealth(context.Context) bool { return true }

func (w *scriptedWebhook) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

// recordingSink captures settled records passed to analytics and publisher.
type recordingSink struct {
	mu      sync.Mutex
	records []domain.DeliveryRecord
}

func (s *recordingSink) Record(_ context.Context, rec domain.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) Publish(ctx context.Context, rec domain.DeliveryRecord) error {
	return s.Record(ctx, rec)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type harness struct {
	store   *memory.Store
	clock   *testutil.FakeClock
	sleeper *testutil.Sleeper
	hook    *scriptedWebhook
	d       *Dispatcher
}

func newHarness(t *testing.T, hook *scriptedWebhook) *harness {
	t.Helper()
	clock := testutil.NewFakeClock(epoch)
	store := memory.New().WithClock(clock.Now)
	sleeper := testutil.NewSleeper(clock)
	registry := provider.NewRegistry(store, sms.DefaultFactories(), 0)
	d := New(store, hook, registry).
		WithClock(clock.Now).
		WithSleep(sleeper.Sleep).
		WithRand(testutil.FixedRand(0.5))
	return &harness{store: store, clock: clock, sleeper: sleeper, hook: hook, d: d}
}

func (h *harness) webhookRecord(t *testing.T, maxRetries int) domain.DeliveryRecord {
	t.Helper()
	rec := domain.DeliveryRecord{
		ID:          uuid.New(),
		Channel:     domain.ChannelWebhook,
		Status:      domain.StatusPending,
		Destination: "https://hooks.example.com/forms",
		Secret:      "s3cret",
		Event:       "form.submitted",
		FormID:      "contact",
		Payload:     json.RawMessage(`{"event":"form.submitted","form_id":"contact","form_title":"Contact","payload":{}}`),
		MaxRetries:  maxRetries,
		History:     []domain.AttemptEntry{},
		CreatedAt:   epoch,
		UpdatedAt:   epoch,
	}
	if err := h.store.CreateDelivery(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func (h *harness) smsRecord(t *testing.T, maxRetries int, preferred string) domain.DeliveryRecord {
	t.Helper()
	rec := domain.DeliveryRecord{
		ID:                  uuid.New(),
		Channel:             domain.ChannelSMS,
		Status:              domain.StatusPending,
		Destination:         "+15551234567",
		Message:             "Thanks for your submission",
		PreferredProviderID: preferred,
		MaxRetries:          maxRetries,
		History:             []domain.AttemptEntry{},
		CreatedAt:           epoch,
		UpdatedAt:           epoch,
	}
	if err := h.store.CreateDelivery(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func (h *harness) addProvider(t *testing.T, id, name string, priority int, enabled bool, settings map[string]string) {
	t.Helper()
	cfg := domain.ProviderConfig{
		ID:        id,
		Name:      name,
		Type:      domain.ProviderMock,
		Enabled:   enabled,
		Priority:  priority,
		Settings:  settings,
		CreatedAt: epoch.Add(time.Duration(priority) * time.Second),
		UpdatedAt: epoch,
	}
	if err := h.store.CreateProvider(context.Background(), cfg); err != nil {
		t.Fatalf("create provider: %v", err)
	}
}

func TestDeliver_WebhookSucceedsAfterTwoServerErrors(t *testing.T) {
	h := newHarness(t, webhookReturning(500, 500, 200))
	rec := h.webhookRecord(t, 5)

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if got.Status != domain.StatusSuccess {
		t.Errorf("status = %s, want success", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("attempt_count = %d, want 3", got.AttemptCount)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if got.NextRetryAt != nil {
		t.Error("next_retry_at should be cleared after the final attempt")
	}
	if got.ResponseStatusCode == nil || *got.ResponseStatusCode != 200 {
		t.Errorf("response_status_code = %v, want 200", got.ResponseStatusCode)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error_message = %q, want cleared", got.ErrorMessage)
	}
	if len(got.History) != 3 {
		t.Fatalf("history has %d entries, want 3", len(got.History))
	}
	for i, want := range []domain.DeliveryStatus{domain.StatusFailed, domain.StatusFailed, domain.StatusSuccess} {
		if got.History[i].Status != want || got.History[i].Attempt != i+1 {
			t.Errorf("history[%d] = attempt %d %s, want attempt %d %s", i, got.History[i].Attempt, got.History[i].Status, i+1, want)
		}
	}
	if !got.History[0].Retryable || got.History[0].NextRetryAt == nil {
		t.Error("failed attempt should be retryable with next_retry_at")
	}

	// Rand pinned to 0.5 gives factor 1.25 for the webhook jitter range.
	sleeps := h.sleeper.Sleeps()
	want := []time.Duration{1250 * time.Millisecond, 2500 * time.Millisecond}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, sleeps[i], want[i])
		}
	}
}

func TestDeliver_WebhookClientErrorIsTerminal(t *testing.T) {
	h := newHarness(t, webhookReturning(400))
	rec := h.webhookRecord(t, 5)

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
	if h.hook.callCount() != 1 {
		t.Errorf("sends = %d, want 1", h.hook.callCount())
	}
	if len(h.sleeper.Sleeps()) != 0 {
		t.Errorf("no backoff expected, got %v", h.sleeper.Sleeps())
	}
	if got.ErrorCode != backoff.CodeHTTPStatus || got.ErrorMessage == "" {
		t.Errorf("error = %q/%q", got.ErrorCode, got.ErrorMessage)
	}
	if got.History[0].Retryable {
		t.Error("400 must not be marked retryable")
	}
}

func TestDeliver_WebhookRetriesExhausted(t *testing.T) {
	h := newHarness(t, webhookReturning(503))
	rec := h.webhookRecord(t, 3)

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("attempt_count = %d, want 3", got.AttemptCount)
	}
	if h.hook.callCount() != 3 {
		t.Errorf("sends = %d, want 3", h.hook.callCount())
	}
	if n := len(h.sleeper.Sleeps()); n != 2 {
		t.Errorf("sleeps = %d, want 2", n)
	}
	if got.AttemptCount > got.MaxRetries {
		t.Errorf("attempt_count %d exceeds max_retries %d", got.AttemptCount, got.MaxRetries)
	}
}

func TestDeliver_WebhookTransportErrorIsRetryable(t *testing.T) {
	hook := &scriptedWebhook{results: []transport.Result{
		{Err: errors.New("dial tcp: connection refused"), ErrorMessage: "connection refused", ErrorCode: backoff.CodeConnection},
		{Success: true, StatusCode: 204},
	}}
	h := newHarness(t, hook)
	rec := h.webhookRecord(t, 5)

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Status != domain.StatusSuccess || got.AttemptCount != 2 {
		t.Errorf("got %s after %d attempts, want success after 2", got.Status, got.AttemptCount)
	}
	if got.History[0].ErrorCode != backoff.CodeConnection {
		t.Errorf("history[0].error_code = %q", got.History[0].ErrorCode)
	}
}

func TestDeliver_WebhookPassesSendOptions(t *testing.T) {
	h := newHarness(t, webhookReturning(200))
	rec := h.webhookRecord(t, 5)

	if _, err := h.d.Deliver(testutil.TestContext(t), rec.ID); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if string(h.hook.payloads[0]) != string(rec.Payload) {
		t.Errorf("payload = %s", h.hook.payloads[0])
	}
	if h.hook.opts[0].Secret != "s3cret" || h.hook.opts[0].Event != "form.submitted" {
		t.Errorf("opts = %+v", h.hook.opts[0])
	}
}

func TestDeliver_SettledSideEffectsFireOnce(t *testing.T) {
	h := newHarness(t, webhookReturning(500, 200))
	sink := &recordingSink{}
	pub := &recordingSink{}
	h.d.WithAnalytics(sink).WithPublisher(pub)
	rec := h.webhookRecord(t, 5)

	if _, err := h.d.Deliver(testutil.TestContext(t), rec.ID); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sink.count() != 1 || pub.count() != 1 {
		t.Errorf("analytics=%d publish=%d, want 1 each", sink.count(), pub.count())
	}
}

func TestDeliver_AlreadyTerminalIsNoop(t *testing.T) {
	h := newHarness(t, webhookReturning(200))
	rec := h.webhookRecord(t, 5)
	if _, err := h.store.UpdateDelivery(context.Background(), rec.ID, domain.DeliveryUpdate{Status: domain.Ptr(domain.StatusSuccess)}); err != nil {
		t.Fatal(err)
	}

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Status != domain.StatusSuccess || h.hook.callCount() != 0 {
		t.Errorf("status=%s sends=%d, want untouched", got.Status, h.hook.callCount())
	}
}

func TestDeliver_CancelDuringBackoffStopsLoop(t *testing.T) {
	h := newHarness(t, webhookReturning(503))
	rec := h.webhookRecord(t, 5)
	h.d.WithSleep(func(ctx context.Context, d time.Duration) error {
		_, err := h.store.UpdateDelivery(ctx, rec.ID, domain.DeliveryUpdate{
			Status:   domain.Ptr(domain.StatusCancelled),
			IfStatus: []domain.DeliveryStatus{domain.StatusPending, domain.StatusRetrying},
		})
		h.clock.Advance(d)
		return err
	})

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Status != domain.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if h.hook.callCount() != 1 {
		t.Errorf("sends = %d, want 1", h.hook.callCount())
	}
}

// cancellingStore cancels the record the way an operator would, right after
// the dispatcher marks attempt n in flight.
type cancellingStore struct {
	*memory.Store
	attempt int
}

func (s *cancellingStore) UpdateDelivery(ctx context.Context, id uuid.UUID, u domain.DeliveryUpdate) (domain.DeliveryRecord, error) {
	rec, err := s.Store.UpdateDelivery(ctx, id, u)
	if err != nil || u.AttemptCount == nil || *u.AttemptCount != s.attempt || u.LastAttemptAt == nil {
		return rec, err
	}
	if _, cerr := s.Store.UpdateDelivery(ctx, id, domain.DeliveryUpdate{
		Status:       domain.Ptr(domain.StatusCancelled),
		CompletedAt:  domain.Ptr(epoch),
		ErrorMessage: domain.Ptr("delivery cancelled"),
		IfStatus:     []domain.DeliveryStatus{domain.StatusPending, domain.StatusRetrying},
	}); cerr != nil {
		return rec, cerr
	}
	return rec, nil
}

func TestDeliver_CancelDuringWebhookAttemptKeepsOutcome(t *testing.T) {
	h := newHarness(t, webhookReturning(500, 200))
	rec := h.webhookRecord(t, 5)
	h.d.store = &cancellingStore{Store: h.store, attempt: 2}

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Status != domain.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.AttemptCount != 2 || h.hook.callCount() != 2 {
		t.Errorf("attempt_count=%d sends=%d, want 2 and 2", got.AttemptCount, h.hook.callCount())
	}
	if len(got.History) != 2 {
		t.Fatalf("history has %d entries, want 2", len(got.History))
	}
	if e := got.History[1]; e.Attempt != 2 || e.StatusCode != 200 {
		t.Errorf("second entry = attempt %d status %d, want attempt 2 status 200", e.Attempt, e.StatusCode)
	}
	if got.ResponseStatusCode == nil || *got.ResponseStatusCode != 200 {
		t.Errorf("response_status_code = %v, want 200", got.ResponseStatusCode)
	}
	if got.ErrorMessage != "delivery cancelled" {
		t.Errorf("error_message = %q, want the cancel reason kept", got.ErrorMessage)
	}
}

func TestDeliver_CancelDuringSMSSendKeepsProvider(t *testing.T) {
	h := newHarness(t, webhookReturning(200))
	h.addProvider(t, "p1", "Primary", 1, true, nil)
	rec := h.smsRecord(t, 3, "")
	h.d.store = &cancellingStore{Store: h.store, attempt: 1}

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Status != domain.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.ProviderID != "p1" || got.ProviderName != "Primary" || got.ProviderMessageID == "" {
		t.Errorf("provider = %s/%s message_id=%q, want the send recorded", got.ProviderID, got.ProviderName, got.ProviderMessageID)
	}
	if len(got.History) != 1 {
		t.Fatalf("history has %d entries, want 1", len(got.History))
	}
	if e := got.History[0]; e.Status != domain.StatusSent || e.MessageID != got.ProviderMessageID {
		t.Errorf("entry = %s/%q, want sent with the provider message id", e.Status, e.MessageID)
	}
}

func TestDeliver_LongBackoffHandedToResumer(t *testing.T) {
	h := newHarness(t, webhookReturning(503, 200))
	h.d.WithInlineBackoffLimit(time.Second)
	rec := h.webhookRecord(t, 5)

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Status != domain.StatusRetrying {
		t.Fatalf("status = %s, want retrying", got.Status)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(epoch.Add(1250*time.Millisecond)) {
		t.Errorf("next_retry_at = %v", got.NextRetryAt)
	}
	if len(h.sleeper.Sleeps()) != 0 {
		t.Error("worker should not sleep past the inline limit")
	}

	// The resumer calls Deliver again once the record is due.
	h.clock.Advance(2 * time.Second)
	got, err = h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver (resume): %v", err)
	}
	if got.Status != domain.StatusSuccess || got.AttemptCount != 2 {
		t.Errorf("got %s after %d attempts, want success after 2", got.Status, got.AttemptCount)
	}
}

func TestDeliver_ScheduledInFutureIsNotAttempted(t *testing.T) {
	h := newHarness(t, webhookReturning(200))
	rec := h.webhookRecord(t, 5)
	at := epoch.Add(time.Hour)
	rec.ID = uuid.New()
	rec.ScheduledFor = &at
	if err := h.store.CreateDelivery(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Status != domain.StatusPending || h.hook.callCount() != 0 {
		t.Errorf("status=%s sends=%d, want pending and untouched", got.Status, h.hook.callCount())
	}
}

func TestDeliver_ContextCancelledDuringBackoff(t *testing.T) {
	h := newHarness(t, webhookReturning(503))
	rec := h.webhookRecord(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	h.d.WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})

	got, err := h.d.Deliver(ctx, rec.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got.Status != domain.StatusRetrying || got.NextRetryAt == nil {
		t.Errorf("record should stay retrying with next_retry_at, got %s %v", got.Status, got.NextRetryAt)
	}
}

func TestDeliver_ExhaustedRecordIsFailedOnResume(t *testing.T) {
	h := newHarness(t, webhookReturning(200))
	rec := h.webhookRecord(t, 3)
	if _, err := h.store.UpdateDelivery(context.Background(), rec.ID, domain.DeliveryUpdate{
		Status:       domain.Ptr(domain.StatusRetrying),
		AttemptCount: domain.Ptr(3),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Status != domain.StatusFailed || got.CompletedAt == nil {
		t.Errorf("status = %s, want failed with completed_at", got.Status)
	}
	if h.hook.callCount() != 0 {
		t.Errorf("sends = %d, want 0", h.hook.callCount())
	}
}

func TestDeliver_OpenCircuitSkipsRequest(t *testing.T) {
	h := newHarness(t, webhookReturning(503, 200))
	h.d.WithBreaker(circuitbreaker.New(1, time.Hour).WithClock(h.clock.Now))
	rec := h.webhookRecord(t, 3)

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if h.hook.callCount() != 1 {
		t.Errorf("sends = %d, want 1 (breaker open after first failure)", h.hook.callCount())
	}
	if got.Status != domain.StatusFailed || got.AttemptCount != 3 {
		t.Errorf("got %s after %d attempts", got.Status, got.AttemptCount)
	}
	if got.History[1].ErrorCode != backoff.CodeCircuitOpen || !got.History[1].Retryable {
		t.Errorf("history[1] = %+v, want retryable circuit_open", got.History[1])
	}
}

func TestDeliver_SMSSkipsDisabledProvider(t *testing.T) {
	h := newHarness(t, webhookReturning(200))
	h.addProvider(t, "p1", "Primary", 1, false, nil)
	h.addProvider(t, "p2", "Secondary", 2, true, map[string]string{"cost": "0.0075"})
	rec := h.smsRecord(t, 3, "")

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Status != domain.StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
	if got.ProviderName != "Secondary" || got.ProviderID != "p2" {
		t.Errorf("provider = %s/%s, want p2/Secondary", got.ProviderID, got.ProviderName)
	}
	if got.ProviderMessageID == "" {
		t.Error("provider_message_id not set")
	}
	if got.Cost == nil || *got.Cost != 0.0075 {
		t.Errorf("cost = %v", got.Cost)
	}
	if got.CompletedAt != nil {
		t.Error("sent is not terminal; completed_at must stay unset")
	}
}

func TestDeliver_SMSSynchronousDelivery(t *testing.T) {
	h := newHarness(t, webhookReturning(200))
	h.addProvider(t, "p1", "Mock", 1, true, map[string]string{"deliver_sync": "true"})
	rec := h.smsRecord(t, 3, "")

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Status != domain.StatusDelivered || got.CompletedAt == nil {
		t.Errorf("status = %s completed_at=%v, want delivered and completed", got.Status, got.CompletedAt)
	}
}

func TestDeliver_SMSFallsBackPastUnhealthyAndFailingProviders(t *testing.T) {
	h := newHarness(t, webhookReturning(200))
	h.addProvider(t, "sick", "Sick", 1, true, map[string]string{"healthy": "false"})
	h.addProvider(t, "flaky", "Flaky", 2, true, map[string]string{"failure_rate": "1"})
	h.addProvider(t, "good", "Good", 3, true, nil)
	rec := h.smsRecord(t, 3, "")

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Status != domain.StatusSent || got.ProviderID != "good" {
		t.Errorf("got %s via %s, want sent via good", got.Status, got.ProviderID)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1 (fallback happens within one attempt)", got.AttemptCount)
	}
}

func TestDeliver_SMSPreferredProviderFirst(t *testing.T) {
	h := newHarness(t, webhookReturning(200))
	h.addProvider(t, "a", "A", 1, true, nil)
	h.addProvider(t, "b", "B", 2, true, nil)
	rec := h.smsRecord(t, 3, "b")

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.ProviderID != "b" {
		t.Errorf("provider = %s, want preferred b", got.ProviderID)
	}
}

func TestDeliver_SMSNoProviderAvailable(t *testing.T) {
	h := newHarness(t, webhookReturning(200))
	h.addProvider(t, "sick", "Sick", 1, true, map[string]string{"healthy": "false"})
	rec := h.smsRecord(t, 3, "")

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("attempt_count = %d, want 3 (no provider is retryable)", got.AttemptCount)
	}
	if got.ErrorCode != backoff.CodeNoProvider {
		t.Errorf("error_code = %q, want %q", got.ErrorCode, backoff.CodeNoProvider)
	}
	// SMS jitter range [0.5, 1.5] pinned at 0.5 gives factor 1.0.
	sleeps := h.sleeper.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Errorf("sleeps = %v, want [1s 2s]", sleeps)
	}
}

func TestDeliver_SMSProviderFailureAlwaysRetried(t *testing.T) {
	h := newHarness(t, webhookReturning(200))
	h.addProvider(t, "flaky", "Flaky", 1, true, map[string]string{"failure_rate": "1"})
	rec := h.smsRecord(t, 2, "")

	got, err := h.d.Deliver(testutil.TestContext(t), rec.ID)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.Status != domain.StatusFailed || got.AttemptCount != 2 {
		t.Errorf("got %s after %d attempts, want failed after 2", got.Status, got.AttemptCount)
	}
	if !got.History[0].Retryable {
		t.Error("every SMS failure is retryable")
	}
	if got.History[0].ProviderName != "Flaky" {
		t.Errorf("history provider = %q", got.History[0].ProviderName)
	}
}

func TestDeliver_NotFound(t *testing.T) {
	h := newHarness(t, webhookReturning(200))
	_, err := h.d.Deliver(testutil.TestContext(t), uuid.New())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
