// Package backup copies a changed source file into the backup tree, retrying
// while the file is held by another process, and records the outcome.
package backup

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/pgl-mirror/pkg/backuplog"
	"github.com/paulschiretz/pgl-mirror/pkg/hints"
	"github.com/paulschiretz/pgl-mirror/pkg/metrics"
	"github.com/paulschiretz/pgl-mirror/pkg/pathmap"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/pool"
	"github.com/paulschiretz/pgl-mirror/pkg/report"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

const (
	DefaultRetryAttempts = 5
	DefaultRetryWait     = 500 * time.Millisecond
	DefaultBufferSize    = 256 * 1024
)

var (
	// ErrSourceVanished is a hint returned when the source is gone by the time the
	// backup runs.
	ErrSourceVanished = hints.New("source no longer exists")
	// ErrNotRegular is a hint returned for directories and special files.
	ErrNotRegular = hints.New("source is not a regular file")

	// errPartialCopy marks a copy that failed after the destination was truncated.
	// It is never retried.
	errPartialCopy = errors.New("copy interrupted after destination was truncated")
)

// Options configures an Executor.
type Options struct {
	Resolver *pathmap.Resolver
	Ledger   *report.Ledger
	Report   *report.Generator
	Log      *backuplog.Log
	Metrics  metrics.Metrics
	Clock    clock.Clock

	RetryAttempts int
	RetryWait     time.Duration
	BufferSize    int64
	// RecordFailures appends a failure record to the ledger when a backup fails
	// or exhausts its retries. Off by default, so only successes are recorded.
	RecordFailures bool
}

// Executor performs backups. A single Executor is shared by all backup tasks
// and is safe for concurrent use.
type Executor struct {
	resolver       *pathmap.Resolver
	ledger         *report.Ledger
	report         *report.Generator
	log            *backuplog.Log
	metrics        metrics.Metrics
	clock          clock.Clock
	attempts       int
	wait           time.Duration
	recordFailures bool

	buffers  *pool.FixedBufferPool
	dirGroup singleflight.Group

	// Seams for tests.
	copyFile     func(src, dst string, mode fs.FileMode) (int64, error)
	openSource   func(name string) (io.ReadCloser, error)
	isContention func(error) bool
}

// NewExecutor returns an Executor. Zero values in opts fall back to the defaults.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Resolver == nil || opts.Ledger == nil || opts.Report == nil || opts.Log == nil {
		return nil, errors.New("backup executor requires a resolver, ledger, report generator and log")
	}
	e := &Executor{
		resolver:       opts.Resolver,
		ledger:         opts.Ledger,
		report:         opts.Report,
		log:            opts.Log,
		metrics:        opts.Metrics,
		clock:          opts.Clock,
		attempts:       opts.RetryAttempts,
		wait:           opts.RetryWait,
		recordFailures: opts.RecordFailures,
		isContention:   isContention,
		openSource:     func(name string) (io.ReadCloser, error) { return os.Open(name) },
	}
	if e.metrics == nil {
		e.metrics = &metrics.NoopMetrics{}
	}
	if e.clock == nil {
		e.clock = clock.WallClock
	}
	if e.attempts <= 0 {
		e.attempts = DefaultRetryAttempts
	}
	if e.wait <= 0 {
		e.wait = DefaultRetryWait
	}
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	e.buffers = pool.NewFixedBuffer(bufferSize)
	e.copyFile = e.copyFileDirect
	return e, nil
}

// Backup mirrors sourcePath into the backup tree. It never panics and never
// returns an error to the caller; the outcome is logged, counted and returned
// for inspection.
func (e *Executor) Backup(sourcePath string) Result {
	res := Result{Source: sourcePath}

	info, err := os.Stat(sourcePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return e.skip(res, ErrSourceVanished)
		}
		return e.fail(res, fmt.Errorf("could not stat source: %w", err))
	}
	if !info.Mode().IsRegular() {
		if info.IsDir() {
			plog.Debug("Directory is not mirrored or watched", "path", sourcePath)
		}
		return e.skip(res, ErrNotRegular)
	}

	if res.RelPath, err = e.resolver.Relative(sourcePath); err != nil {
		return e.fail(res, err)
	}
	if res.Destination, err = e.resolver.Destination(sourcePath); err != nil {
		return e.fail(res, err)
	}
	if err := e.ensureParentDirectoryExists(filepath.Dir(res.Destination)); err != nil {
		return e.fail(res, err)
	}

	var lastErr error
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			res.Attempts++
			n, err := e.copyFile(sourcePath, res.Destination, info.Mode().Perm())
			res.Bytes = n
			lastErr = err
			return err
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, errPartialCopy) || !e.isContention(err)
		},
		NotifyFunc: func(err error, attempt int) {
			if attempt >= e.attempts {
				return
			}
			e.metrics.AddRetries(1)
			plog.Warn("File is busy, retrying copy", "path", sourcePath, "attempt", fmt.Sprintf("%d/%d", attempt, e.attempts), "after", e.wait, "error", err)
		},
		Attempts: e.attempts,
		Delay:    e.wait,
		Clock:    e.clock,
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) {
			return e.exhaust(res, lastErr)
		}
		return e.fail(res, lastErr)
	}
	return e.succeed(res)
}

// copyFileDirect copies src over dst in place: dst is truncated and rewritten.
// There is no temp file, no rename and no sync. The first chunk of src is read
// before dst is opened, so a source that cannot be read leaves the previous
// mirror untouched.
func (e *Executor) copyFileDirect(src, dst string, mode fs.FileMode) (int64, error) {
	in, err := e.openSource(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %w", ErrSourceVanished, err)
		}
		return 0, fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer in.Close()

	bufPtr := e.buffers.Get()
	defer e.buffers.Put(bufPtr)
	buf := *bufPtr

	head, err := io.ReadFull(in, buf)
	complete := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
	if err != nil && !complete {
		return 0, fmt.Errorf("failed to read source file %s: %w", src, err)
	}

	// The permissions from the source file are used, with the user-write bit always set.
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, util.WithUserWritePermission(mode))
	if err != nil {
		return 0, fmt.Errorf("failed to open destination file %s: %w", dst, err)
	}
	defer out.Close() // Ensure closed on error.

	n, err := out.Write(buf[:head])
	written := int64(n)
	if err != nil {
		return written, fmt.Errorf("failed to write destination file %s: %w", dst, err)
	}
	if !complete {
		n, err := io.CopyBuffer(out, in, buf)
		written += n
		if err != nil {
			return written, fmt.Errorf("%w: copying %s to %s: %w", errPartialCopy, src, dst, err)
		}
	}
	if err := out.Close(); err != nil {
		return written, fmt.Errorf("failed to close destination file %s: %w", dst, err)
	}
	return written, nil
}

// ensureParentDirectoryExists creates dir if needed. Concurrent tasks targeting
// the same directory share a single MkdirAll.
func (e *Executor) ensureParentDirectoryExists(dir string) error {
	_, err, _ := e.dirGroup.Do(dir, func() (any, error) {
		if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
			return nil, fmt.Errorf("failed to create destination directory %s: %w", dir, err)
		}
		return nil, nil
	})
	return err
}

func (e *Executor) succeed(res Result) Result {
	now := e.clock.Now()
	if err := e.log.Append(now, res.Source); err != nil {
		return e.fail(res, err)
	}
	e.ledger.Append(report.NewRecord(res.RelPath, report.StatusSuccess, now))
	e.regenerateReport()

	res.Outcome = Success
	e.metrics.AddBackupsSucceeded(1)
	e.metrics.AddBytesWritten(res.Bytes)
	plog.Notice("BACKUP", "path", res.RelPath, "size", util.ByteCountIEC(res.Bytes), "attempts", res.Attempts)
	return res
}

func (e *Executor) skip(res Result, hint error) Result {
	res.Outcome = Skipped
	res.Err = hint
	e.metrics.AddBackupsSkipped(1)
	plog.Debug("Backup skipped", "path", res.Source, "reason", hint)
	return res
}

// fail records err as a failure, unless it is a hint, in which case the backup is
// skipped instead.
func (e *Executor) fail(res Result, err error) Result {
	if hints.IsHint(err) {
		return e.skip(res, err)
	}
	res.Outcome = Failed
	res.Err = err
	e.metrics.AddBackupsFailed(1)
	plog.Error("Backup failed", "path", res.Source, "error", err)
	e.recordFailure(res)
	return res
}

func (e *Executor) exhaust(res Result, err error) Result {
	res.Outcome = Exhausted
	res.Err = err
	e.metrics.AddBackupsExhausted(1)
	plog.Warn("Backup abandoned, file stayed busy", "path", res.Source, "attempts", res.Attempts, "error", err)
	e.recordFailure(res)
	return res
}

func (e *Executor) recordFailure(res Result) {
	if !e.recordFailures || res.RelPath == "" {
		return
	}
	e.ledger.Append(report.NewRecord(res.RelPath, report.StatusFailure, e.clock.Now()))
	e.regenerateReport()
}

func (e *Executor) regenerateReport() {
	if _, err := e.report.Generate(); err != nil {
		plog.Error("Failed to regenerate report", "path", e.report.Path(), "error", err)
	}
}
