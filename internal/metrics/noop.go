package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) DeliveryAttemptCompleted(channel, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(channel, outcome string)                              {}
func (n *NoopSink) RetryScheduled(channel string, delay time.Duration)                   {}
func (n *NoopSink) ProviderSelected(providerType string)                                 {}
func (n *NoopSink) ProviderSkipped(providerType, reason string)                          {}
func (n *NoopSink) CircuitRejected()                                                     {}
func (n *NoopSink) ProviderCacheMiss(providerType string)                                {}
func (n *NoopSink) QueueDepthUpdate(depth int)                                           {}
func (n *NoopSink) QueueCapacitySet(capacity int)                                        {}
func (n *NoopSink) EnqueueRejected()                                                     {}
func (n *NoopSink) DeliveriesInFlightIncr()                                              {}
func (n *NoopSink) DeliveriesInFlightDecr()                                              {}
func (n *NoopSink) SweepCompleted(d time.Duration, resumed int, err error)               {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                    {}
func (n *NoopSink) LeaderAcquired()                                                      {}
func (n *NoopSink) LeaderLost(reason string)                                             {}
