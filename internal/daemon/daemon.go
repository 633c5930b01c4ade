// Package daemon schedules sync cycles for a long-running replica.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/gitdrive/internal/notify"
	"github.com/schaermu/gitdrive/internal/sync"
)

// Cycler runs one sync cycle.
type Cycler interface {
	Sync(ctx context.Context) (*sync.Result, error)
}

// Service is a component that runs alongside the scheduler until ctx is
// done, such as the webhook server.
type Service func(ctx context.Context) error

// Config controls scheduling.
type Config struct {
	Interval  time.Duration // time between periodic cycles
	Debounce  time.Duration // quiet period after a file change before a cycle
	KeepGoing bool          // log failed cycles instead of stopping
}

// Daemon runs cycles one at a time: once at startup and then whenever a
// trigger fires. Triggers arriving while a cycle runs coalesce into a single
// follow-up cycle.
type Daemon struct {
	cycler   Cycler
	cfg      Config
	notifier notify.Notifier
	clock    clockwork.Clock
	logger   *slog.Logger
	changes  <-chan struct{}
	services []Service

	pending chan string
	running atomic.Bool
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithNotifier sets where conflict and failure notifications go.
func WithNotifier(n notify.Notifier) Option {
	return func(d *Daemon) {
		d.notifier = n
	}
}

// WithClock sets the clock driving the interval ticker and debounce timer.
func WithClock(clock clockwork.Clock) Option {
	return func(d *Daemon) {
		d.clock = clock
	}
}

// WithLogger sets the daemon's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) {
		d.logger = logger
	}
}

// WithChanges triggers a debounced cycle for every signal on changes.
// Signals arriving while a cycle runs are dropped; edits made meanwhile are
// left to the next interval cycle.
func WithChanges(changes <-chan struct{}) Option {
	return func(d *Daemon) {
		d.changes = changes
	}
}

// WithService runs svc for the lifetime of the daemon. A service error
// stops the daemon.
func WithService(svc Service) Option {
	return func(d *Daemon) {
		d.services = append(d.services, svc)
	}
}

// New creates a Daemon driving cycler.
func New(cycler Cycler, cfg Config, opts ...Option) *Daemon {
	d := &Daemon{
		cycler:   cycler,
		cfg:      cfg,
		notifier: notify.NoOp{},
		clock:    clockwork.NewRealClock(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		pending:  make(chan string, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Trigger requests a cycle. It never blocks; if a cycle is already pending
// the request is merged into it.
func (d *Daemon) Trigger(reason string) {
	select {
	case d.pending <- reason:
		d.logger.Debug("cycle requested", "reason", reason)
	default:
		d.logger.Debug("cycle already pending", "reason", reason)
	}
}

// Run schedules cycles until ctx is done or a cycle fails. Without
// KeepGoing the first failed cycle is returned. Cancelling ctx is a clean
// shutdown and returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.loop(ctx)
	})
	g.Go(func() error {
		d.tick(ctx)
		return nil
	})
	if d.changes != nil {
		g.Go(func() error {
			d.debounce(ctx)
			return nil
		})
	}
	for _, svc := range d.services {
		g.Go(func() error {
			return svc(ctx)
		})
	}

	return g.Wait()
}

func (d *Daemon) loop(ctx context.Context) error {
	reason := "startup"
	for {
		if err := d.cycle(ctx, reason); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case reason = <-d.pending:
		}
	}
}

func (d *Daemon) cycle(ctx context.Context, reason string) error {
	d.logger.Info("starting cycle", "reason", reason)
	d.running.Store(true)
	res, err := d.cycler.Sync(ctx)
	d.running.Store(false)
	if ctx.Err() != nil {
		d.logger.Info("cycle interrupted by shutdown")
		return nil
	}

	if res != nil && len(res.Resolved) > 0 {
		d.notifyf(ctx, notify.EventConflict,
			"Resolved conflicts in %d file(s) in favor of local edits", len(res.Resolved))
	}
	if err == nil {
		return nil
	}

	d.notifyf(ctx, notify.EventFailure, "Sync failed: %v", err)
	if !d.cfg.KeepGoing {
		return fmt.Errorf("sync cycle failed: %w", err)
	}
	d.logger.Error("sync cycle failed, continuing", "error", err)
	return nil
}

func (d *Daemon) notifyf(ctx context.Context, event notify.Event, format string, args ...any) {
	if err := d.notifier.Notify(ctx, event, format, args...); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("failed to send notification", "event", event, "error", err)
	}
}

func (d *Daemon) tick(ctx context.Context) {
	ticker := d.clock.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			d.Trigger("interval")
		}
	}
}

// debounce triggers a cycle once no change was signalled for the debounce
// period.
func (d *Daemon) debounce(ctx context.Context) {
	var (
		timer clockwork.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-d.changes:
			if !ok {
				return
			}
			if d.running.Load() {
				d.logger.Debug("ignoring file change during cycle")
				continue
			}
			if d.cfg.Debounce <= 0 {
				d.Trigger("file change")
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = d.clock.NewTimer(d.cfg.Debounce)
			fire = timer.Chan()
		case <-fire:
			timer, fire = nil, nil
			d.Trigger("file change")
		}
	}
}
