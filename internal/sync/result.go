package sync

import "time"

// Result describes one sync cycle. On failure it describes the stages that
// completed before the error.
type Result struct {
	ID       string
	Started  time.Time
	Finished time.Time

	Committed bool // a commit of local edits was created
	Reachable bool // the remote answered the probe
	Incoming  int  // remote commits missing locally before the rebase
	Outgoing  int  // local commits missing on the remote before the push
	Pushed    bool

	Resolved []string // files whose conflicts were resolved in favor of local edits
	Rounds   int      // conflict resolution rounds run
}

// NoOp reports whether the cycle changed nothing on either replica.
func (r *Result) NoOp() bool {
	return !r.Committed && r.Incoming == 0 && !r.Pushed
}

// Duration returns how long the cycle ran.
func (r *Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}
