package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/djlord-it/formrelay/internal/backoff"
	"github.com/djlord-it/formrelay/internal/circuitbreaker"
	"github.com/djlord-it/formrelay/internal/domain"
	"github.com/djlord-it/formrelay/internal/metrics"
	"github.com/djlord-it/formrelay/internal/transport"
)

type attemptOutcome struct {
	result   transport.Result
	provider domain.ProviderConfig
}

func (d *Dispatcher) sendWebhook(ctx context.Context, rec domain.DeliveryRecord) attemptOutcome {
	key := circuitbreaker.Key(rec.Destination)
	if d.breaker != nil {
		if err := d.breaker.Allow(key); err != nil {
			if d.metrics != nil {
				d.metrics.CircuitRejected()
			}
			return attemptOutcome{result: transport.Result{
				Err:          err,
				ErrorMessage: fmt.Sprintf("circuit breaker open for %s", key),
				ErrorCode:    backoff.CodeCircuitOpen,
			}}
		}
	}

	res := d.webhook.Send(ctx, rec.Destination, rec.Payload, transport.Options{
		Event:   rec.Event,
		Secret:  rec.Secret,
		Headers: rec.Headers,
		Timeout: rec.Timeout,
	})

	if d.breaker != nil {
		switch {
		case res.Success:
			d.breaker.RecordSuccess(key)
		case backoff.IsRetryable(backoff.Failure{Channel: domain.ChannelWebhook, StatusCode: res.StatusCode, Err: res.Err}):
			d.breaker.RecordFailure(key)
		}
	}
	return attemptOutcome{result: res}
}

// sendSMS walks the ordered providers and returns the first successful send.
// If every usable provider fails, the last failure is returned. If none was
// usable, the outcome is a synthetic no-provider failure.
func (d *Dispatcher) sendSMS(ctx context.Context, logger zerolog.Logger, rec domain.DeliveryRecord) attemptOutcome {
	configs, err := d.providers.Ordered(ctx, rec.PreferredProviderID)
	if err != nil {
		return noProvider(fmt.Sprintf("list providers: %v", err))
	}

	var (
		last    *attemptOutcome
		skipped []string
	)
	skip := func(cfg domain.ProviderConfig, reason string) {
		skipped = append(skipped, cfg.Name+": "+reason)
		if d.metrics != nil {
			d.metrics.ProviderSkipped(string(cfg.Type), reason)
		}
		logger.Debug().Str("provider", cfg.Name).Str("reason", reason).Msg("provider skipped")
	}

	for _, cfg := range configs {
		if ctx.Err() != nil {
			break
		}
		inst, err := d.providers.Instance(ctx, cfg)
		if err != nil {
			logger.Warn().Err(err).Str("provider", cfg.Name).Msg("provider unavailable")
			skip(cfg, metrics.SkipBuildFailed)
			continue
		}
		if !inst.Transport.CheckHealth(ctx) {
			skip(cfg, metrics.SkipUnhealthy)
			continue
		}
		v := inst.Transport.ValidateDestination(ctx, rec.Destination)
		if !v.IsValid {
			skip(cfg, metrics.SkipInvalidDest)
			continue
		}
		if !inst.WithinCostLimit(rec.Message) {
			skip(cfg, metrics.SkipCostLimit)
			continue
		}
		if !inst.Allow() {
			skip(cfg, metrics.SkipRateLimited)
			continue
		}

		if d.metrics != nil {
			d.metrics.ProviderSelected(string(cfg.Type))
		}
		res := inst.Transport.Send(ctx, v.Normalized, []byte(rec.Message), transport.Options{Timeout: rec.Timeout})
		out := attemptOutcome{result: res, provider: cfg}
		if res.Success {
			return out
		}
		if res.ErrorMessage == "" {
			out.result.ErrorMessage = "provider send failed"
		}
		logger.Warn().Str("provider", cfg.Name).Str("error", out.result.ErrorMessage).Msg("provider send failed")
		last = &out
	}

	if last != nil {
		return *last
	}
	msg := "no provider available"
	if len(configs) == 0 {
		msg = "no provider available: no enabled providers"
	} else if len(skipped) > 0 {
		msg += " (" + strings.Join(skipped, "; ") + ")"
	}
	return noProvider(msg)
}

func noProvider(msg string) attemptOutcome {
	return attemptOutcome{result: transport.Result{
		Err:          domain.ErrNoProviderAvailable,
		ErrorMessage: msg,
		ErrorCode:    backoff.CodeNoProvider,
	}}
}

// classify maps an attempt result to a bounded metrics label.
func classify(ch domain.Channel, res transport.Result) string {
	if res.Success && ch == domain.ChannelSMS {
		return metrics.StatusClassSent
	}
	if errors.Is(res.Err, circuitbreaker.ErrCircuitOpen) {
		return metrics.StatusClassCircuitOpen
	}
	return metrics.ClassifyStatus(res.StatusCode, res.ErrorCode)
}
