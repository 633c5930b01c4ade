package sync

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/schaermu/gitdrive/internal/git"
	"github.com/schaermu/gitdrive/internal/shell"
)

// DefaultMaxRounds caps conflict resolution rounds unless overridden.
const DefaultMaxRounds = 32

// ReplicaConfig identifies the replica an Engine keeps in sync.
type ReplicaConfig struct {
	Dir      string // working tree, absolute
	Remote   string // remote name, e.g. origin
	Branch   string // local branch synced with <Remote>/<Branch>
	Identity string // tags commits, e.g. the hostname
}

// Engine drives sync cycles for one replica. It owns the replica for the
// lifetime of the process; cycles must not run concurrently.
type Engine struct {
	cfg       ReplicaConfig
	repo      *git.Repo
	fs        afero.Fs
	clock     clockwork.Clock
	logger    *slog.Logger
	maxRounds int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock sets the clock used for commit timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithFs sets the filesystem used for precondition checks and scratch files.
func WithFs(fs afero.Fs) Option {
	return func(e *Engine) {
		e.fs = fs
	}
}

// WithMaxRounds caps conflict resolution rounds; 0 removes the cap.
func WithMaxRounds(n int) Option {
	return func(e *Engine) {
		e.maxRounds = n
	}
}

// New validates cfg and returns an engine that runs its commands through
// runner, which must execute in cfg.Dir. Validation stops at the first
// failed check: the directory must exist, hold a .git directory, know the
// remote and have the branch.
func New(cfg ReplicaConfig, runner shell.Runner, opts ...Option) (*Engine, error) {
	e := newEngine(cfg, runner, opts...)
	if err := e.validate(); err != nil {
		return nil, err
	}
	e.logger.Debug("replica validated",
		"dir", cfg.Dir,
		"remote", cfg.Remote,
		"branch", cfg.Branch,
		"identity", cfg.Identity)
	return e, nil
}

func newEngine(cfg ReplicaConfig, runner shell.Runner, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		repo:      git.NewRepo(runner),
		fs:        afero.NewOsFs(),
		clock:     clockwork.NewRealClock(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxRounds: DefaultMaxRounds,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the replica configuration the engine was built with.
func (e *Engine) Config() ReplicaConfig {
	return e.cfg
}

func (e *Engine) validate() error {
	dir := e.cfg.Dir

	ok, err := afero.DirExists(e.fs, dir)
	if err != nil {
		return &PreconditionError{Subject: dir, Err: fmt.Errorf("%w: %v", ErrNoSuchDirectory, err)}
	}
	if !ok {
		return &PreconditionError{Subject: dir, Err: ErrNoSuchDirectory}
	}

	ok, err = afero.DirExists(e.fs, filepath.Join(dir, ".git"))
	if err != nil || !ok {
		return &PreconditionError{Subject: dir, Err: ErrNotRepository}
	}

	refs, err := git.OpenRefs(dir)
	if err != nil {
		return &PreconditionError{Subject: dir, Err: fmt.Errorf("%w: %v", ErrNotRepository, err)}
	}

	ok, err = refs.HasRemote(e.cfg.Remote)
	if err != nil {
		return &PreconditionError{Subject: e.cfg.Remote, Err: fmt.Errorf("%w: %v", ErrRemoteNotFound, err)}
	}
	if !ok {
		return &PreconditionError{Subject: e.cfg.Remote, Err: ErrRemoteNotFound}
	}

	ok, err = refs.HasBranch(e.cfg.Branch)
	if err != nil {
		return &PreconditionError{Subject: e.cfg.Branch, Err: fmt.Errorf("%w: %v", ErrBranchNotFound, err)}
	}
	if !ok {
		return &PreconditionError{Subject: e.cfg.Branch, Err: ErrBranchNotFound}
	}

	return nil
}

func (e *Engine) upstream() string {
	return e.cfg.Remote + "/" + e.cfg.Branch
}
