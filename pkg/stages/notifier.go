package stages

import (
	"context"
	"log/slog"
	"sync"
)

// Notification tells a recipient that a document was published.
type Notification struct {
	Recipient      string
	Subject        string
	Location       string
	IdempotencyKey string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to a structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		slog.String("recipient", n.Recipient),
		slog.String("subject", n.Subject),
		slog.String("location", n.Location),
		slog.String("idempotency_key", n.IdempotencyKey),
	)
	return nil
}

// DedupNotifier forwards each idempotency key at most once to the wrapped
// notifier. A failed delivery does not count, so a retry sends again.
type DedupNotifier struct {
	next Notifier

	mu   sync.Mutex
	sent map[string]struct{}
}

func NewDedupNotifier(next Notifier) *DedupNotifier {
	return &DedupNotifier{next: next, sent: make(map[string]struct{})}
}

func (d *DedupNotifier) Notify(ctx context.Context, n Notification) error {
	if n.IdempotencyKey == "" {
		return d.next.Notify(ctx, n)
	}

	d.mu.Lock()
	_, dup := d.sent[n.IdempotencyKey]
	d.mu.Unlock()
	if dup {
		return nil
	}

	if err := d.next.Notify(ctx, n); err != nil {
		return err
	}
	d.mu.Lock()
	d.sent[n.IdempotencyKey] = struct{}{}
	d.mu.Unlock()
	return nil
}
