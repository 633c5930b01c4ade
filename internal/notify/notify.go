// Package notify delivers user-facing notifications about sync cycles.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/schaermu/gitdrive/internal/shell"
)

// Event identifies the kind of a notification. Deduplication is keyed on it.
type Event string

const (
	EventConflict Event = "conflict"
	EventFailure  Event = "failure"
)

func (e Event) String() string {
	return string(e)
}

// Notifier sends a formatted message for event.
type Notifier interface {
	Notify(ctx context.Context, event Event, format string, args ...any) error
}

// NoOp discards every notification.
type NoOp struct{}

// Notify implements Notifier.
func (NoOp) Notify(context.Context, Event, string, ...any) error {
	return nil
}

// LibNotify shows desktop notifications through notify-send.
type LibNotify struct {
	sh shell.Runner
}

// NewLibNotify returns a LibNotify running notify-send through sh.
func NewLibNotify(sh shell.Runner) *LibNotify {
	return &LibNotify{sh: sh}
}

// Notify implements Notifier.
func (n *LibNotify) Notify(ctx context.Context, event Event, format string, args ...any) error {
	summary := "gitdrive: " + event.String()
	_, err := n.sh.Run(ctx, shell.Join("notify-send", "--app-name=gitdrive", summary, fmt.Sprintf(format, args...)))
	return err
}

// Dedup forwards a notification only if the same event was not forwarded
// within the interval. Failed deliveries do not count.
type Dedup struct {
	next     Notifier
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	mu    sync.Mutex
	fired map[Event]time.Time
}

// NewDedup wraps next. A zero interval disables deduplication.
func NewDedup(next Notifier, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *Dedup {
	return &Dedup{
		next:     next,
		interval: interval,
		clock:    clock,
		logger:   logger,
		fired:    make(map[Event]time.Time),
	}
}

// Notify implements Notifier.
func (d *Dedup) Notify(ctx context.Context, event Event, format string, args ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if last, ok := d.fired[event]; ok {
		if until := last.Add(d.interval); now.Before(until) {
			d.logger.Debug("notification suppressed", "event", event, "until", until)
			return nil
		}
	}

	if err := d.next.Notify(ctx, event, format, args...); err != nil {
		return err
	}
	d.fired[event] = now
	return nil
}
