package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/formrelay/internal/config"
	"github.com/djlord-it/formrelay/internal/domain"
	"github.com/djlord-it/formrelay/internal/resumer"
	"github.com/djlord-it/formrelay/internal/store/memory"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newCommand()
	cmd.Writer = &out
	err := cmd.Run(context.Background(), append([]string{"formrelay"}, args...))
	return out.String(), err
}

func TestCommand_Version(t *testing.T) {
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if want := "formrelay version dev (commit: unknown)\n"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestCommand_Validate(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LEADER_ELECTION_ENABLED", "false")

	out, err := runCommand(t, "validate")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if out != "configuration valid\n" {
		t.Errorf("output = %q", out)
	}
}

func TestCommand_ValidateInvalid(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("WORKER_COUNT", "0")

	_, err := runCommand(t, "validate")
	if err == nil {
		t.Fatal("expected an error for invalid configuration")
	}

	var ee *exitError
	if !errors.As(err, &ee) {
		t.Fatalf("error %v is not an exitError", err)
	}
	if ee.code != exitInvalidConfig {
		t.Errorf("exit code = %d, want %d", ee.code, exitInvalidConfig)
	}
	for _, field := range []string{"DATABASE_URL", "WORKER_COUNT"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not mention %s", err, field)
		}
	}
}

func TestCommand_ConfigMasksSecrets(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://user:hunter2@db/formrelay")

	out, err := runCommand(t, "config")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if !strings.Contains(out, `"database_url": "postgres://***"`) {
		t.Errorf("database_url not masked in:\n%s", out)
	}
	if strings.Contains(out, "hunter2") {
		t.Error("password leaked in config output")
	}
}

func memoryConfig() config.Config {
	cfg := config.Load()
	cfg.StoreDriver = "memory"
	cfg.DatabaseURL = ""
	cfg.RedisURL = ""
	cfg.AMQPURL = ""
	cfg.MetricsEnabled = false
	cfg.LeaderElectionEnabled = false
	cfg.ResumeEnabled = true
	return cfg
}

func TestBuild_MemoryStore(t *testing.T) {
	a, err := build(context.Background(), memoryConfig())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.close()

	if a.db != nil {
		t.Error("memory store should not open a database")
	}
	if a.pool == nil || a.service == nil || a.handler == nil || a.resumer == nil {
		t.Errorf("missing component: pool=%v service=%v handler=%v resumer=%v",
			a.pool != nil, a.service != nil, a.handler != nil, a.resumer != nil)
	}
}

func TestBuild_ResumerDisabled(t *testing.T) {
	cfg := memoryConfig()
	cfg.ResumeEnabled = false

	a, err := build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.close()

	if a.resumer != nil {
		t.Error("resumer built although RESUME_ENABLED=false")
	}
}

func TestBuild_InvalidRedisURL(t *testing.T) {
	cfg := memoryConfig()
	cfg.RedisURL = "not a url"

	_, err := build(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Fatalf("err = %v, want a REDIS_URL error", err)
	}
}

func TestBuild_SubmitThroughWiredComponents(t *testing.T) {
	a, err := build(context.Background(), memoryConfig())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.close()

	rec, err := a.service.Submit(context.Background(), domain.Trigger{
		Channel:     domain.ChannelSMS,
		PhoneNumber: "+15551234567",
		Message:     "hello",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", rec.Status)
	}
	if !a.pool.Busy(rec.ID) {
		t.Error("submitted record was not queued on the pool")
	}
}

type countingEnqueuer struct {
	calls chan uuid.UUID
}

func (c *countingEnqueuer) Enqueue(_ context.Context, id uuid.UUID) error {
	c.calls <- id
	return nil
}

func newDutyWithDueRecord(t *testing.T) (*leaderDuty, *countingEnqueuer, uuid.UUID) {
	t.Helper()
	store := memory.New()
	now := time.Now().UTC()
	id := uuid.New()
	err := store.CreateDelivery(context.Background(), domain.DeliveryRecord{
		ID:          id,
		Channel:     domain.ChannelWebhook,
		Status:      domain.StatusPending,
		Destination: "https://example.com/hook",
		MaxRetries:  5,
		CreatedAt:   now.Add(-time.Hour),
		UpdatedAt:   now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	enq := &countingEnqueuer{calls: make(chan uuid.UUID, 10)}
	r, err := resumer.New(resumer.Config{Schedule: "@every 1h"}, store, enq)
	if err != nil {
		t.Fatalf("resumer: %v", err)
	}
	return &leaderDuty{resumer: r}, enq, id
}

func TestLeaderDuty_StartStop(t *testing.T) {
	duty, enq, id := newDutyWithDueRecord(t)
	duty.Start(context.Background())
	duty.Start(context.Background())

	select {
	case got := <-enq.calls:
		if got != id {
			t.Errorf("enqueued %s, want %s", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resumer did not sweep after election")
	}

	done := make(chan struct{})
	go func() {
		duty.Stop()
		duty.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
	if n := len(enq.calls); n != 0 {
		t.Errorf("%d extra sweeps after the first", n)
	}
}

// A Start that arrives after its term already ended must not block the next term.
func TestLeaderDuty_StartAfterTermEnded(t *testing.T) {
	duty, enq, id := newDutyWithDueRecord(t)

	ended, cancel := context.WithCancel(context.Background())
	cancel()
	duty.Start(ended)

	duty.Start(context.Background())
	defer duty.Stop()

	select {
	case got := <-enq.calls:
		if got != id {
			t.Errorf("enqueued %s, want %s", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("next term did not start the resumer")
	}
}
