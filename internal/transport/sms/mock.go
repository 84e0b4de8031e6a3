package sms

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/formrelay/internal/backoff"
	"github.com/djlord-it/formrelay/internal/domain"
	"github.com/djlord-it/formrelay/internal/transport"
)

// Mock is an in-memory provider with configurable latency and failure rate.
//
// Settings: latency_ms, failure_rate (0..1), cost, deliver_sync, healthy,
// default_country_code.
type Mock struct {
	latency     time.Duration
	failureRate float64
	cost        *float64
	deliverSync bool
	healthy     bool
	countryCode string
	rand        func() float64

	mu   sync.Mutex
	sent []MockMessage
}

type MockMessage struct {
	ID          string
	Destination string
	Body        string
	SentAt      time.Time
}

func NewMock(cfg domain.ProviderConfig) (*Mock, error) {
	m := &Mock{
		deliverSync: settingBool(cfg, "deliver_sync", false),
		healthy:     settingBool(cfg, "healthy", true),
		countryCode: cfg.Settings["default_country_code"],
		rand:        rand.Float64,
	}
	if v := cfg.Settings["latency_ms"]; v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("mock: invalid latency_ms %q", v)
		}
		m.latency = time.Duration(ms) * time.Millisecond
	}
	rate, ok, err := settingFloat(cfg, "failure_rate")
	if err != nil {
		return nil, fmt.Errorf("mock: %w", err)
	}
	if ok {
		if rate < 0 || rate > 1 {
			return nil, fmt.Errorf("mock: failure_rate must be within [0, 1]")
		}
		m.failureRate = rate
	}
	cost, ok, err := settingFloat(cfg, "cost")
	if err != nil {
		return nil, fmt.Errorf("mock: %w", err)
	}
	if ok {
		m.cost = &cost
	}
	return m, nil
}

// WithRand replaces the random source used for failure simulation.
func (m *Mock) WithRand(r func() float64) *Mock {
	m.rand = r
	return m
}

func (m *Mock) Send(ctx context.Context, destination string, payload []byte, _ transport.Options) transport.Result {
	start := time.Now()

	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return transport.Result{
				Err:          ctx.Err(),
				ErrorMessage: ctx.Err().Error(),
				ErrorCode:    backoff.ErrorCode(ctx.Err()),
				Duration:     time.Since(start),
			}
		case <-timer.C:
		}
	}

	if m.failureRate > 0 && m.rand() < m.failureRate {
		return transport.Result{
			ErrorMessage: "mock: simulated failure",
			ErrorCode:    backoff.CodeProviderFailure,
			Duration:     time.Since(start),
		}
	}

	msg := MockMessage{
		ID:          "mock-" + uuid.NewString(),
		Destination: destination,
		Body:        string(payload),
		SentAt:      time.Now().UTC(),
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	return transport.Result{
		Success:   true,
		Delivered: m.deliverSync,
		MessageID: msg.ID,
		Cost:      m.cost,
		Duration:  time.Since(start),
	}
}

func (m *Mock) ValidateDestination(_ context.Context, destination string) transport.Validation {
	return NormalizeE164(destination, m.countryCode)
}

func (m *Mock) CheckHealth(context.Context) bool {
	return m.healthy
}

func (m *Mock) EstimateCost(message string) (float64, bool) {
	if m.cost == nil {
		return 0, false
	}
	return *m.cost * float64(Segments(message)), true
}

// Sent returns a copy of the messages accepted so far.
func (m *Mock) Sent() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
