package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	commands []string
	err      error
}

func (r *recordingRunner) Run(_ context.Context, command string) (string, error) {
	r.commands = append(r.commands, command)
	return "", r.err
}

type countingNotifier struct {
	messages []string
	err      error
}

func (c *countingNotifier) Notify(_ context.Context, event Event, format string, args ...any) error {
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, event.String())
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLibNotify(t *testing.T) {
	runner := &recordingRunner{}
	n := NewLibNotify(runner)

	require.NoError(t, n.Notify(context.Background(), EventConflict, "resolved %d file(s) in favor of %s's edits", 2, "laptop"))
	assert.Equal(t, []string{
		"'notify-send' '--app-name=gitdrive' 'gitdrive: conflict' 'resolved 2 file(s) in favor of laptop'\\''s edits'",
	}, runner.commands)
}

func TestLibNotify_Error(t *testing.T) {
	runner := &recordingRunner{err: errors.New("no display")}
	err := NewLibNotify(runner).Notify(context.Background(), EventFailure, "x")
	assert.EqualError(t, err, "no display")
}

func TestNoOp(t *testing.T) {
	assert.NoError(t, NoOp{}.Notify(context.Background(), EventFailure, "ignored"))
}

func TestDedup(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	next := &countingNotifier{}
	d := NewDedup(next, time.Hour, clock, discard())

	require.NoError(t, d.Notify(ctx, EventFailure, "first"))
	require.NoError(t, d.Notify(ctx, EventFailure, "suppressed"))
	require.NoError(t, d.Notify(ctx, EventConflict, "other event"))
	assert.Equal(t, []string{"failure", "conflict"}, next.messages)

	clock.Advance(59 * time.Minute)
	require.NoError(t, d.Notify(ctx, EventFailure, "still suppressed"))
	assert.Len(t, next.messages, 2)

	clock.Advance(time.Minute)
	require.NoError(t, d.Notify(ctx, EventFailure, "again"))
	assert.Equal(t, []string{"failure", "conflict", "failure"}, next.messages)
}

func TestDedup_FailedDeliveryIsRetried(t *testing.T) {
	ctx := context.Background()
	next := &countingNotifier{err: errors.New("boom")}
	d := NewDedup(next, time.Hour, clockwork.NewFakeClock(), discard())

	assert.Error(t, d.Notify(ctx, EventFailure, "x"))
	next.err = nil
	require.NoError(t, d.Notify(ctx, EventFailure, "x"))
	assert.Len(t, next.messages, 1)
}

func TestDedup_ZeroIntervalForwardsAll(t *testing.T) {
	ctx := context.Background()
	next := &countingNotifier{}
	d := NewDedup(next, 0, clockwork.NewFakeClock(), discard())

	for range 3 {
		require.NoError(t, d.Notify(ctx, EventConflict, "x"))
	}
	assert.Len(t, next.messages, 3)
}
