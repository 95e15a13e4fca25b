package ports

import "context"

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert categories.
const (
	CategoryFill   = "fill"
	CategoryExit   = "exit"
	CategoryRisk   = "risk"
	CategoryError  = "error"
	CategoryConfig = "config"
)

// Alert is a human readable notification.
type Alert struct {
	Message  string
	Severity Severity
	Category string
}

// AlertSink delivers alerts. Implementations must not block the caller on delivery failure.
type AlertSink interface {
	SendAlert(ctx context.Context, alert Alert)
}
