package interfaces

import (
	"context"
	"time"
)

// NotificationSink receives one event per successful issuance or renewal.
// Delivery transport lives outside the core; failures are logged, never fatal.
type NotificationSink interface {
	SendCompletedEvent(ctx context.Context, environmentName string, expireOn time.Time, dnsNames []string) error
}
