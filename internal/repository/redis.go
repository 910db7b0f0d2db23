package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/troeger/opensubmit-sub000/internal/appconfig"
	"github.com/troeger/opensubmit-sub000/internal/model"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// RedisNotifier publishes notification events to Redis streams. The
// mail frontend consumes the student stream and renders the actual
// messages; admin alerts land on a separate capped stream.
type RedisNotifier struct {
	client        *redis.Client
	studentStream string
	alertStream   string
	maxLen        int64
}

func NewRedisNotifier(cfg appconfig.RedisConfig) *RedisNotifier {
	opts := &redis.Options{Addr: cfg.URL}
	if strings.HasPrefix(cfg.URL, "redis://") || strings.HasPrefix(cfg.URL, "rediss://") {
		if parsed, err := redis.ParseURL(cfg.URL); err == nil {
			opts = parsed
		}
	}
	opts.DialTimeout = defaultDialTimeout
	opts.ReadTimeout = defaultReadTimeout
	opts.WriteTimeout = defaultWriteTimeout
	if cfg.DialTimeoutMs > 0 {
		opts.DialTimeout = time.Duration(cfg.DialTimeoutMs) * time.Millisecond
	}
	if cfg.ReadTimeoutMs > 0 {
		opts.ReadTimeout = time.Duration(cfg.ReadTimeoutMs) * time.Millisecond
	}
	if cfg.WriteTimeoutMs > 0 {
		opts.WriteTimeout = time.Duration(cfg.WriteTimeoutMs) * time.Millisecond
	}

	return &RedisNotifier{
		client:        redis.NewClient(opts),
		studentStream: cfg.StudentStream,
		alertStream:   cfg.AlertStream,
		maxLen:        cfg.StreamMaxLen,
	}
}

func (n *RedisNotifier) Ping(ctx context.Context) error {
	if err := n.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// NotifyStudent emits one student notification event for a submission
// state change.
func (n *RedisNotifier) NotifyStudent(ctx context.Context, submissionID int64, state model.State, message string) error {
	err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.studentStream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]any{
			"submission_id": submissionID,
			"state":         string(state),
			"message":       message,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd %s: %w", n.studentStream, err)
	}
	return nil
}

// AlertAdmins emits one administrative alert event.
func (n *RedisNotifier) AlertAdmins(ctx context.Context, subject, detail string) error {
	err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.alertStream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]any{
			"subject": subject,
			"detail":  detail,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd %s: %w", n.alertStream, err)
	}
	return nil
}
