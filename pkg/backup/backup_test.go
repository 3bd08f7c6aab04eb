package backup

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"

	"github.com/paulschiretz/pgl-mirror/pkg/backuplog"
	"github.com/paulschiretz/pgl-mirror/pkg/hints"
	"github.com/paulschiretz/pgl-mirror/pkg/metrics"
	"github.com/paulschiretz/pgl-mirror/pkg/pathmap"
	"github.com/paulschiretz/pgl-mirror/pkg/report"
)

var errBusy = errors.New("resource busy")

type testEnv struct {
	src     string
	dst     string
	ledger  *report.Ledger
	metrics *metrics.MirrorMetrics
	exec    *Executor
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		src:     t.TempDir(),
		dst:     t.TempDir(),
		ledger:  report.NewLedger(),
		metrics: &metrics.MirrorMetrics{},
	}
	resolver, err := pathmap.New(env.src, env.dst)
	if err != nil {
		t.Fatalf("pathmap.New() failed: %v", err)
	}
	opts := Options{
		Resolver:      resolver,
		Ledger:        env.ledger,
		Report:        report.NewGenerator(resolver.BackupRoot(), env.ledger, nil),
		Log:           backuplog.Open(resolver.BackupRoot()),
		Metrics:       env.metrics,
		Clock:         clock.WallClock,
		RetryAttempts: DefaultRetryAttempts,
		RetryWait:     time.Millisecond,
		BufferSize:    1024,
	}
	if mutate != nil {
		mutate(&opts)
	}
	env.exec, err = NewExecutor(opts)
	if err != nil {
		t.Fatalf("NewExecutor() failed: %v", err)
	}
	env.exec.isContention = func(err error) bool { return errors.Is(err, errBusy) }
	return env
}

func (env *testEnv) writeSource(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(env.src, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create source dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write source file: %v", err)
	}
	return path
}

func (env *testEnv) logLines(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(env.dst, backuplog.FileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("failed to read backup log: %v", err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

// busyFor returns a copy function that reports contention for the first n calls
// and then performs the real copy.
func busyFor(env *testEnv, n int) func(string, string, fs.FileMode) (int64, error) {
	calls := 0
	return func(src, dst string, mode fs.FileMode) (int64, error) {
		calls++
		if calls <= n {
			return 0, &fs.PathError{Op: "open", Path: src, Err: errBusy}
		}
		return env.exec.copyFileDirect(src, dst, mode)
	}
}

func TestBackup_Success(t *testing.T) {
	env := newTestEnv(t, nil)
	src := env.writeSource(t, "notes.txt", "draft")

	res := env.exec.Backup(src)
	if res.Outcome != Success {
		t.Fatalf("Outcome = %v, want success (err: %v)", res.Outcome, res.Err)
	}
	if res.Attempts != 1 || res.Bytes != 5 || res.RelPath != "notes.txt" {
		t.Errorf("unexpected result: %+v", res)
	}

	got, err := os.ReadFile(filepath.Join(env.dst, "notes.txt"))
	if err != nil {
		t.Fatalf("destination not written: %v", err)
	}
	if string(got) != "draft" {
		t.Errorf("destination content = %q, want %q", got, "draft")
	}

	lines := env.logLines(t)
	if len(lines) != 1 || !strings.HasSuffix(lines[0], "] Backup realizado: "+src) {
		t.Errorf("unexpected log lines: %q", lines)
	}

	records := env.ledger.Snapshot()
	if len(records) != 1 || records[0].Path != "notes.txt" || records[0].Status != report.StatusSuccess {
		t.Errorf("unexpected records: %+v", records)
	}

	rep, err := report.Load(filepath.Join(env.dst, report.FileName))
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	if rep.Successes != 1 || rep.Failures != 0 {
		t.Errorf("report sucessos=%d falhas=%d, want 1 and 0", rep.Successes, rep.Failures)
	}
	if env.metrics.BackupsSucceeded.Load() != 1 || env.metrics.BytesWritten.Load() != 5 {
		t.Errorf("unexpected metrics: succeeded=%d bytes=%d", env.metrics.BackupsSucceeded.Load(), env.metrics.BytesWritten.Load())
	}
}

func TestBackup_OverwritesExisting(t *testing.T) {
	env := newTestEnv(t, nil)
	src := env.writeSource(t, "notes.txt", "a much longer first version")
	if res := env.exec.Backup(src); res.Outcome != Success {
		t.Fatalf("first backup failed: %v", res.Err)
	}
	env.writeSource(t, "notes.txt", "v2")
	if res := env.exec.Backup(src); res.Outcome != Success {
		t.Fatalf("second backup failed: %v", res.Err)
	}

	got, err := os.ReadFile(filepath.Join(env.dst, "notes.txt"))
	if err != nil {
		t.Fatalf("destination not written: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("destination content = %q, want %q", got, "v2")
	}
	if n := env.ledger.Len(); n != 2 {
		t.Errorf("ledger has %d records, want 2", n)
	}
	if lines := env.logLines(t); len(lines) != 2 {
		t.Errorf("got %d log lines, want 2", len(lines))
	}
}

func TestBackup_NestedCreatesParents(t *testing.T) {
	env := newTestEnv(t, nil)
	src := env.writeSource(t, filepath.Join("a", "b", "deep.txt"), "deep")

	res := env.exec.Backup(src)
	if res.Outcome != Success {
		t.Fatalf("Outcome = %v, want success (err: %v)", res.Outcome, res.Err)
	}
	if res.RelPath != filepath.Join("a", "b", "deep.txt") {
		t.Errorf("RelPath = %q", res.RelPath)
	}
	if _, err := os.Stat(filepath.Join(env.dst, "a", "b", "deep.txt")); err != nil {
		t.Errorf("nested destination missing: %v", err)
	}
}

func TestBackup_RetryThenSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	src := env.writeSource(t, "locked.xlsx", "sheet")
	env.exec.copyFile = busyFor(env, 2)

	res := env.exec.Backup(src)
	if res.Outcome != Success {
		t.Fatalf("Outcome = %v, want success (err: %v)", res.Outcome, res.Err)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
	if n := env.ledger.Len(); n != 1 {
		t.Errorf("ledger has %d records, want exactly 1", n)
	}
	if lines := env.logLines(t); len(lines) != 1 {
		t.Errorf("got %d log lines, want exactly 1", len(lines))
	}
	if got := env.metrics.Retries.Load(); got != 2 {
		t.Errorf("Retries = %d, want 2", got)
	}
}

func TestBackup_RetriesExhausted(t *testing.T) {
	env := newTestEnv(t, nil)
	src := env.writeSource(t, "locked.xlsx", "sheet")
	env.exec.copyFile = busyFor(env, DefaultRetryAttempts)

	res := env.exec.Backup(src)
	if res.Outcome != Exhausted {
		t.Fatalf("Outcome = %v, want exhausted", res.Outcome)
	}
	if res.Attempts != DefaultRetryAttempts {
		t.Errorf("Attempts = %d, want %d", res.Attempts, DefaultRetryAttempts)
	}
	if !errors.Is(res.Err, errBusy) {
		t.Errorf("Err = %v, want the last contention error", res.Err)
	}
	if _, err := os.Stat(filepath.Join(env.dst, "locked.xlsx")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected no destination file, stat err = %v", err)
	}
	if lines := env.logLines(t); lines != nil {
		t.Errorf("expected no log lines, got %q", lines)
	}
	if n := env.ledger.Len(); n != 0 {
		t.Errorf("ledger has %d records, want 0", n)
	}
	if got := env.metrics.Retries.Load(); got != DefaultRetryAttempts-1 {
		t.Errorf("Retries = %d, want %d", got, DefaultRetryAttempts-1)
	}

	// Once the file is released, a later event backs it up normally.
	env.exec.copyFile = env.exec.copyFileDirect
	if res := env.exec.Backup(src); res.Outcome != Success {
		t.Fatalf("later backup Outcome = %v, want success (err: %v)", res.Outcome, res.Err)
	}
	if n := env.ledger.Len(); n != 1 {
		t.Errorf("ledger has %d records after recovery, want 1", n)
	}
}

func TestBackup_PermanentFailureNotRetried(t *testing.T) {
	env := newTestEnv(t, nil)
	src := env.writeSource(t, "notes.txt", "draft")
	calls := 0
	env.exec.copyFile = func(src, dst string, mode fs.FileMode) (int64, error) {
		calls++
		return 0, &fs.PathError{Op: "open", Path: dst, Err: fs.ErrPermission}
	}

	res := env.exec.Backup(src)
	if res.Outcome != Failed {
		t.Fatalf("Outcome = %v, want failed", res.Outcome)
	}
	if calls != 1 || res.Attempts != 1 {
		t.Errorf("copy called %d times (Attempts %d), want 1", calls, res.Attempts)
	}
	if !errors.Is(res.Err, fs.ErrPermission) {
		t.Errorf("Err = %v, want permission error", res.Err)
	}
	if env.ledger.Len() != 0 || env.logLines(t) != nil {
		t.Error("expected no record and no log line for a failed backup")
	}
}

// stallingReader serves up to limit bytes of data and then fails every read with err.
type stallingReader struct {
	data  *bytes.Reader
	limit int
	err   error
}

func (r *stallingReader) Read(p []byte) (int, error) {
	if r.limit <= 0 {
		return 0, r.err
	}
	if len(p) > r.limit {
		p = p[:r.limit]
	}
	n, err := r.data.Read(p)
	r.limit -= n
	return n, err
}

// stallAfter makes the executor read sources through a stallingReader.
func stallAfter(env *testEnv, limit int, err error) {
	env.exec.openSource = func(name string) (io.ReadCloser, error) {
		data, readErr := os.ReadFile(name)
		if readErr != nil {
			return nil, readErr
		}
		return io.NopCloser(&stallingReader{data: bytes.NewReader(data), limit: limit, err: err}), nil
	}
}

func TestBackup_LockedSourceKeepsPreviousMirror(t *testing.T) {
	env := newTestEnv(t, nil)
	src := env.writeSource(t, "locked.db", "v1")
	if res := env.exec.Backup(src); res.Outcome != Success {
		t.Fatalf("first backup Outcome = %v, want success (err: %v)", res.Outcome, res.Err)
	}

	if err := os.WriteFile(src, []byte("v2"), 0644); err != nil {
		t.Fatalf("failed to update source: %v", err)
	}
	stallAfter(env, 0, &fs.PathError{Op: "read", Path: src, Err: errBusy})

	res := env.exec.Backup(src)
	if res.Outcome != Exhausted {
		t.Fatalf("Outcome = %v, want exhausted", res.Outcome)
	}
	if res.Attempts != DefaultRetryAttempts {
		t.Errorf("Attempts = %d, want %d", res.Attempts, DefaultRetryAttempts)
	}
	got, err := os.ReadFile(filepath.Join(env.dst, "locked.db"))
	if err != nil {
		t.Fatalf("failed to read destination: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("destination = %q, want the previous mirror %q", got, "v1")
	}
	if n := env.ledger.Len(); n != 1 {
		t.Errorf("ledger has %d records, want 1", n)
	}
}

func TestBackup_LockedSourceLeavesNoDestination(t *testing.T) {
	env := newTestEnv(t, nil)
	src := env.writeSource(t, "locked.db", "v1")
	stallAfter(env, 0, &fs.PathError{Op: "read", Path: src, Err: errBusy})

	if res := env.exec.Backup(src); res.Outcome != Exhausted {
		t.Fatalf("Outcome = %v, want exhausted", res.Outcome)
	}
	if _, err := os.Stat(filepath.Join(env.dst, "locked.db")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected no destination file, stat err = %v", err)
	}
}

func TestBackup_ReadErrorAfterTruncateNotRetried(t *testing.T) {
	env := newTestEnv(t, nil)
	src := env.writeSource(t, "big.bin", strings.Repeat("x", 4096))
	// The executor buffer is 1024 bytes, so the error arrives after the destination is open.
	stallAfter(env, 2048, &fs.PathError{Op: "read", Path: src, Err: errBusy})

	res := env.exec.Backup(src)
	if res.Outcome != Failed {
		t.Fatalf("Outcome = %v, want failed", res.Outcome)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if !errors.Is(res.Err, errPartialCopy) || !errors.Is(res.Err, errBusy) {
		t.Errorf("Err = %v, want a partial copy wrapping the read error", res.Err)
	}
	if got := env.metrics.Retries.Load(); got != 0 {
		t.Errorf("Retries = %d, want 0", got)
	}
	if env.ledger.Len() != 0 || env.logLines(t) != nil {
		t.Error("expected no record and no log line for a failed backup")
	}
}

func TestBackup_SourceVanishesBeforeCopy(t *testing.T) {
	env := newTestEnv(t, nil)
	src := env.writeSource(t, "tmp.txt", "soon gone")
	env.exec.openSource = func(name string) (io.ReadCloser, error) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	res := env.exec.Backup(src)
	if res.Outcome != Skipped {
		t.Fatalf("Outcome = %v, want skipped (err: %v)", res.Outcome, res.Err)
	}
	if !errors.Is(res.Err, ErrSourceVanished) || !hints.IsHint(res.Err) {
		t.Errorf("Err = %v, want hint %v", res.Err, ErrSourceVanished)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if got := env.metrics.BackupsFailed.Load(); got != 0 {
		t.Errorf("BackupsFailed = %d, want 0", got)
	}
	if got := env.metrics.BackupsSkipped.Load(); got != 1 {
		t.Errorf("BackupsSkipped = %d, want 1", got)
	}
}

func TestBackup_Skips(t *testing.T) {
	env := newTestEnv(t, nil)
	dir := filepath.Join(env.src, "newdir")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}

	testCases := []struct {
		name string
		path string
		want error
	}{
		{"Vanished source", filepath.Join(env.src, "gone.txt"), ErrSourceVanished},
		{"Directory", dir, ErrNotRegular},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := env.exec.Backup(tc.path)
			if res.Outcome != Skipped {
				t.Fatalf("Outcome = %v, want skipped", res.Outcome)
			}
			if !errors.Is(res.Err, tc.want) || !hints.IsHint(res.Err) {
				t.Errorf("Err = %v, want hint %v", res.Err, tc.want)
			}
		})
	}

	if env.ledger.Len() != 0 {
		t.Errorf("ledger has %d records, want 0", env.ledger.Len())
	}
	if _, err := os.Stat(filepath.Join(env.dst, "newdir")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("directories must not be mirrored, stat err = %v", err)
	}
	if got := env.metrics.BackupsSkipped.Load(); got != 2 {
		t.Errorf("BackupsSkipped = %d, want 2", got)
	}
}

func TestBackup_RecordFailures(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.RecordFailures = true })
	src := env.writeSource(t, "locked.xlsx", "sheet")
	env.exec.copyFile = busyFor(env, DefaultRetryAttempts)

	if res := env.exec.Backup(src); res.Outcome != Exhausted {
		t.Fatalf("Outcome = %v, want exhausted", res.Outcome)
	}
	records := env.ledger.Snapshot()
	if len(records) != 1 || records[0].Status != report.StatusFailure || records[0].Path != "locked.xlsx" {
		t.Fatalf("unexpected records: %+v", records)
	}
	rep, err := report.Load(filepath.Join(env.dst, report.FileName))
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	if rep.Successes != 0 || rep.Failures != 1 {
		t.Errorf("report sucessos=%d falhas=%d, want 0 and 1", rep.Successes, rep.Failures)
	}
	if lines := env.logLines(t); lines != nil {
		t.Errorf("failures must not be logged to backup.log, got %q", lines)
	}
}

// TestBackup_RetryWaitsOnClock checks that the executor waits the configured
// interval between attempts.
func TestBackup_RetryWaitsOnClock(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	env := newTestEnv(t, func(o *Options) {
		o.Clock = clk
		o.RetryWait = DefaultRetryWait
	})
	src := env.writeSource(t, "locked.xlsx", "sheet")
	env.exec.copyFile = busyFor(env, DefaultRetryAttempts)

	done := make(chan Result, 1)
	go func() { done <- env.exec.Backup(src) }()

	for i := 1; i < DefaultRetryAttempts; i++ {
		if err := clk.WaitAdvance(DefaultRetryWait, 5*time.Second, 1); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}

	select {
	case res := <-done:
		if res.Outcome != Exhausted || res.Attempts != DefaultRetryAttempts {
			t.Errorf("got outcome %v after %d attempts, want exhausted after %d", res.Outcome, res.Attempts, DefaultRetryAttempts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backup did not finish after advancing the clock")
	}
}

func TestNewExecutor_RequiresDependencies(t *testing.T) {
	if _, err := NewExecutor(Options{}); err == nil {
		t.Error("expected error for missing dependencies")
	}
}
