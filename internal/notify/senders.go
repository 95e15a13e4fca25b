package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"spotTrader/internal/ports"
)

// LogSender writes alerts to the application log.
type LogSender struct {
	logger ports.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger ports.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the alert at a level matching its severity.
func (l *LogSender) Send(ctx context.Context, a ports.Alert) error {
	fields := map[string]interface{}{"category": a.Category, "severity": a.Severity}
	switch a.Severity {
	case ports.SeverityCritical:
		l.logger.Error(ctx, nil, "ALERT: "+a.Message, fields)
	case ports.SeverityWarning:
		l.logger.Warn(ctx, "ALERT: "+a.Message, fields)
	default:
		l.logger.Info(ctx, "ALERT: "+a.Message, fields)
	}
	return nil
}

// Name returns the sender identifier.
func (l *LogSender) Name() string { return "log" }

// publisher is the subset of *redis.Client used for alert fan-out.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSender publishes alerts as JSON on a Redis Pub/Sub channel so that
// an external delivery service (push, chat) can pick them up.
type RedisSender struct {
	rdb     publisher
	channel string
	now     func() time.Time
}

// NewRedisSender creates a RedisSender.
func NewRedisSender(rdb publisher, channel string) *RedisSender {
	return &RedisSender{rdb: rdb, channel: channel, now: time.Now}
}

type alertPayload struct {
	Message  string    `json:"message"`
	Severity string    `json:"severity"`
	Category string    `json:"category"`
	SentAt   time.Time `json:"sent_at"`
}

// Send publishes the alert.
func (r *RedisSender) Send(ctx context.Context, a ports.Alert) error {
	payload, err := json.Marshal(alertPayload{
		Message:  a.Message,
		Severity: string(a.Severity),
		Category: a.Category,
		SentAt:   r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("redis: marshal alert: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", r.channel, err)
	}
	return nil
}

// Name returns the sender identifier.
func (r *RedisSender) Name() string { return "redis" }
