package daemon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/gitdrive/internal/notify"
	"github.com/schaermu/gitdrive/internal/sync"
)

// fakeCycler counts cycles. When release is set every cycle waits for a
// token from it.
type fakeCycler struct {
	calls   atomic.Int32
	release chan struct{}
	outcome func(n int) (*sync.Result, error)
}

func (f *fakeCycler) Sync(ctx context.Context) (*sync.Result, error) {
	n := int(f.calls.Add(1))
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return &sync.Result{}, ctx.Err()
		}
	}
	if f.outcome != nil {
		return f.outcome(n)
	}
	return &sync.Result{}, nil
}

type recordingNotifier struct {
	events chan notify.Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(chan notify.Event, 16)}
}

func (r *recordingNotifier) Notify(_ context.Context, event notify.Event, _ string, _ ...any) error {
	r.events <- event
	return nil
}

func runDaemon(t *testing.T, d *Daemon) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
		return nil
	}
}

func callsReach(c *fakeCycler, n int) func() bool {
	return func() bool { return int(c.calls.Load()) >= n }
}

func idle(d *Daemon) func() bool {
	return func() bool { return !d.running.Load() }
}

var hourly = Config{Interval: time.Hour, Debounce: time.Second}

func TestRun_StartupCycleAndShutdown(t *testing.T) {
	cycler := &fakeCycler{}
	d := New(cycler, hourly, WithClock(clockwork.NewFakeClock()))

	cancel, done := runDaemon(t, d)
	require.Eventually(t, callsReach(cycler, 1), 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, waitDone(t, done))
	assert.Equal(t, int32(1), cycler.calls.Load())
}

func TestRun_FailureStopsDaemon(t *testing.T) {
	boom := errors.New("boom")
	cycler := &fakeCycler{outcome: func(int) (*sync.Result, error) {
		return &sync.Result{}, &sync.StageError{Stage: sync.StagePublish, Err: boom}
	}}
	notifier := newRecordingNotifier()
	d := New(cycler, hourly, WithClock(clockwork.NewFakeClock()), WithNotifier(notifier))

	_, done := runDaemon(t, d)
	err := waitDone(t, done)
	require.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "sync cycle failed")
	assert.Equal(t, notify.EventFailure, <-notifier.events)
}

func TestRun_KeepGoing(t *testing.T) {
	cycler := &fakeCycler{outcome: func(n int) (*sync.Result, error) {
		if n == 1 {
			return &sync.Result{}, errors.New("transient")
		}
		return &sync.Result{}, nil
	}}
	cfg := hourly
	cfg.KeepGoing = true
	d := New(cycler, cfg, WithClock(clockwork.NewFakeClock()))

	cancel, done := runDaemon(t, d)
	require.Eventually(t, callsReach(cycler, 1), 5*time.Second, 10*time.Millisecond)
	d.Trigger("test")
	require.Eventually(t, callsReach(cycler, 2), 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, waitDone(t, done))
}

func TestRun_NotifiesResolvedConflicts(t *testing.T) {
	cycler := &fakeCycler{outcome: func(int) (*sync.Result, error) {
		return &sync.Result{Resolved: []string{"notes.txt"}, Rounds: 1}, nil
	}}
	notifier := newRecordingNotifier()
	d := New(cycler, hourly, WithClock(clockwork.NewFakeClock()), WithNotifier(notifier))

	runDaemon(t, d)
	select {
	case ev := <-notifier.events:
		assert.Equal(t, notify.EventConflict, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}
}

func TestRun_IntervalTriggersCycles(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cycler := &fakeCycler{}
	d := New(cycler, hourly, WithClock(clock))

	runDaemon(t, d)
	require.Eventually(t, func() bool {
		clock.Advance(time.Hour)
		return cycler.calls.Load() >= 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRun_FileChangesTriggerCycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cycler := &fakeCycler{}
	changes := make(chan struct{}, 1)
	d := New(cycler, hourly, WithClock(clock), WithChanges(changes))

	runDaemon(t, d)
	require.Eventually(t, callsReach(cycler, 1), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, idle(d), 5*time.Second, 10*time.Millisecond)

	changes <- struct{}{}
	require.Eventually(t, func() bool {
		clock.Advance(hourly.Debounce)
		return cycler.calls.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRun_ZeroDebounceTriggersImmediately(t *testing.T) {
	cycler := &fakeCycler{}
	changes := make(chan struct{}, 1)
	d := New(cycler, Config{Interval: time.Hour}, WithClock(clockwork.NewFakeClock()), WithChanges(changes))

	runDaemon(t, d)
	require.Eventually(t, callsReach(cycler, 1), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, idle(d), 5*time.Second, 10*time.Millisecond)
	changes <- struct{}{}
	require.Eventually(t, callsReach(cycler, 2), 5*time.Second, 10*time.Millisecond)
}

func TestRun_ChangesDuringCycleAreDropped(t *testing.T) {
	cycler := &fakeCycler{release: make(chan struct{}, 8)}
	changes := make(chan struct{}, 1)
	d := New(cycler, Config{Interval: time.Hour}, WithClock(clockwork.NewFakeClock()), WithChanges(changes))

	runDaemon(t, d)
	require.Eventually(t, callsReach(cycler, 1), 5*time.Second, 10*time.Millisecond)

	// The cycle is still blocked on release, so its own writes show up now.
	changes <- struct{}{}
	require.Eventually(t, func() bool { return len(changes) == 0 }, 5*time.Second, 10*time.Millisecond)
	cycler.release <- struct{}{}

	assert.Never(t, callsReach(cycler, 2), 300*time.Millisecond, 10*time.Millisecond)
}

func TestRun_TriggersCoalesceWhileCycleRuns(t *testing.T) {
	cycler := &fakeCycler{release: make(chan struct{}, 8)}
	d := New(cycler, hourly, WithClock(clockwork.NewFakeClock()))

	runDaemon(t, d)
	require.Eventually(t, callsReach(cycler, 1), 5*time.Second, 10*time.Millisecond)

	for range 5 {
		d.Trigger("burst")
	}
	cycler.release <- struct{}{}
	require.Eventually(t, callsReach(cycler, 2), 5*time.Second, 10*time.Millisecond)
	cycler.release <- struct{}{}

	assert.Never(t, callsReach(cycler, 3), 300*time.Millisecond, 10*time.Millisecond)
}

func TestRun_ServiceErrorStopsDaemon(t *testing.T) {
	cycler := &fakeCycler{}
	failed := errors.New("listen: address in use")
	d := New(cycler, hourly,
		WithClock(clockwork.NewFakeClock()),
		WithService(func(context.Context) error { return failed }))

	_, done := runDaemon(t, d)
	assert.ErrorIs(t, waitDone(t, done), failed)
}

func TestTrigger_NeverBlocks(t *testing.T) {
	d := New(&fakeCycler{}, hourly)
	for range 10 {
		d.Trigger("x")
	}
	assert.Len(t, d.pending, 1)
}
