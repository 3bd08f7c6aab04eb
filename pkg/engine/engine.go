// Package engine wires the mirror together: it validates the roots, locks the
// backup root, builds the backup pipeline and feeds it from the watcher until
// the context is cancelled.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/juju/clock"

	"github.com/paulschiretz/pgl-mirror/pkg/backup"
	"github.com/paulschiretz/pgl-mirror/pkg/backuplog"
	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/debounce"
	"github.com/paulschiretz/pgl-mirror/pkg/lockfile"
	"github.com/paulschiretz/pgl-mirror/pkg/metrics"
	"github.com/paulschiretz/pgl-mirror/pkg/pathmap"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/preflight"
	"github.com/paulschiretz/pgl-mirror/pkg/report"
	"github.com/paulschiretz/pgl-mirror/pkg/watcher"
)

// ErrAlreadyRunning is returned by Run when called more than once.
var ErrAlreadyRunning = errors.New("engine has already been started")

// Engine runs one mirror from a source root into a backup root.
type Engine struct {
	config  config.Config
	metrics metrics.Metrics
	clock   clock.Clock

	started atomic.Bool
	ready   chan struct{}
}

// New creates an engine for cfg. cfg is expected to be validated.
func New(cfg config.Config) *Engine {
	var m metrics.Metrics = &metrics.NoopMetrics{}
	if cfg.Engine.Metrics {
		m = &metrics.MirrorMetrics{}
	}
	return &Engine{
		config:  cfg,
		metrics: m,
		clock:   clock.WallClock,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once every directory of the source tree is subscribed and
// changes are being mirrored.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Metrics returns the counters of this engine.
func (e *Engine) Metrics() metrics.Metrics {
	return e.metrics
}

// Run mirrors changes until ctx is cancelled. On cancellation it stops reading
// notifications, waits for running backups to finish and releases the lock.
// It returns an error only if the mirror could not be started.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	// Check for cancellation at the very beginning.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	absSource, err := filepath.Abs(e.config.Source)
	if err != nil {
		return fmt.Errorf("could not resolve source %q: %w", e.config.Source, err)
	}
	absBackupRoot, err := filepath.Abs(e.config.BackupRoot)
	if err != nil {
		return fmt.Errorf("could not resolve backup root %q: %w", e.config.BackupRoot, err)
	}

	// Run Preflight Validation
	if err := preflight.Run(preflight.MirrorPlan, absSource, absBackupRoot); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	// Acquire Lock on Backup Root.
	releaseLock, err := e.acquireBackupRootLock(ctx, absSource, absBackupRoot)
	if err != nil {
		return err
	}
	defer releaseLock()

	d, err := e.buildPipeline(absSource, absBackupRoot)
	if err != nil {
		return err
	}

	w, err := watcher.New(absSource, e.metrics)
	if err != nil {
		return fmt.Errorf("could not watch source: %w", err)
	}
	defer w.Close()

	e.metrics.StartProgress("Mirror progress", e.config.ProgressInterval())
	close(e.ready)
	plog.Info("Mirror started", "source", absSource, "backup", absBackupRoot, "directories", len(w.Dirs()))

	runErr := w.Run(ctx, d.handle)

	plog.Info("Stopping mirror, waiting for running backups")
	d.wait()
	e.metrics.StopProgress()
	e.metrics.LogSummary("Mirror stopped")
	return runErr
}

// buildPipeline creates the chain from a change notification to a written report.
func (e *Engine) buildPipeline(absSource, absBackupRoot string) (*dispatcher, error) {
	resolver, err := pathmap.New(absSource, absBackupRoot)
	if err != nil {
		return nil, err
	}
	ledger := report.NewLedger()
	executor, err := backup.NewExecutor(backup.Options{
		Resolver:       resolver,
		Ledger:         ledger,
		Report:         report.NewGenerator(absBackupRoot, ledger, e.clock),
		Log:            backuplog.Open(absBackupRoot),
		Metrics:        e.metrics,
		Clock:          e.clock,
		RetryAttempts:  e.config.Backup.RetryAttempts,
		RetryWait:      e.config.RetryWait(),
		BufferSize:     e.config.BufferSize(),
		RecordFailures: e.config.Report.RecordFailures,
	})
	if err != nil {
		return nil, err
	}

	keyFunc := debounce.KeyByName
	if e.config.Debounce.Key == config.DebounceKeyPath {
		keyFunc = debounce.KeyByPath
	}
	filter := debounce.New(e.config.DebounceWindow(), e.clock)
	return newDispatcher(filter, keyFunc, executor, e.metrics, e.config.Backup.MaxConcurrent), nil
}

// acquireBackupRootLock acquires the lock file in the backup root.
// It returns a release function that must be called to unlock the directory.
func (e *Engine) acquireBackupRootLock(ctx context.Context, absSource, absBackupRoot string) (func(), error) {
	owner := lockfile.Owner{
		AppID:  fmt.Sprintf("%s:%s", buildinfo.Name, absBackupRoot),
		Source: absSource,
	}

	plog.Debug("Attempting to acquire lock", "path", absBackupRoot)
	lock, err := lockfile.Acquire(ctx, absBackupRoot, owner)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			return nil, fmt.Errorf("another mirror is writing into this backup root: %w", err)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	plog.Debug("Lock acquired successfully.")

	return lock.Release, nil
}
