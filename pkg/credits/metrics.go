package credits

import "time"

// Metrics defines the interface for tracking credit operations.
type Metrics interface {
	// RecordConsumption records a consumption attempt.
	RecordConsumption(userID string, amount int, allowed bool)

	// RecordGrant records a grant attempt and whether it applied
	// (false means it was deduplicated).
	RecordGrant(userID string, amount int, applied bool)

	// RecordIntentCreated records a new payment intent.
	RecordIntentCreated(provider string)

	// RecordIntentExpired records intents moved to Expired by the sweep.
	RecordIntentExpired(count int)

	// RecordWebhookEvent records the handling of one webhook delivery.
	RecordWebhookEvent(provider string, status string)

	// RecordWebhookDuration records end-to-end webhook handling latency.
	RecordWebhookDuration(provider string, duration time.Duration)

	// RecordStorageOperation records the duration and status of a
	// storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordConsumption(userID string, amount int, allowed bool)                {}
func (n *NoopMetrics) RecordGrant(userID string, amount int, applied bool)                      {}
func (n *NoopMetrics) RecordIntentCreated(provider string)                                      {}
func (n *NoopMetrics) RecordIntentExpired(count int)                                            {}
func (n *NoopMetrics) RecordWebhookEvent(provider string, status string)                        {}
func (n *NoopMetrics) RecordWebhookDuration(provider string, duration time.Duration)            {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, e error) {}
