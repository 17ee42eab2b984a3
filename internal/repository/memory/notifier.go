package memory

import (
	"context"
	"sync"

	"github.com/insider-one/notification-pipeline/internal/domain"
)

// Notifier records every status change it is told about.
type Notifier struct {
	mu      sync.Mutex
	entries []domain.LogEntry
}

func (n *Notifier) NotifyStatus(_ context.Context, e *domain.LogEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, *e)
}

// Statuses returns the notified statuses in order.
func (n *Notifier) Statuses() []domain.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.Status, 0, len(n.entries))
	for _, e := range n.entries {
		out = append(out, e.Status)
	}
	return out
}
