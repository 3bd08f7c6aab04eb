package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Metrics defines the interface for collecting and reporting mirror statistics.
type Metrics interface {
	AddEventsReceived(n int64)
	AddEventsHidden(n int64)
	AddEventsDebounced(n int64)
	AddBackupsSucceeded(n int64)
	AddBackupsFailed(n int64)
	AddBackupsExhausted(n int64)
	AddBackupsSkipped(n int64)
	AddRetries(n int64)
	AddBytesWritten(n int64)
	AddDirsWatched(n int64)
	AddWatchErrors(n int64)
	LogSummary(msg string)

	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// MirrorMetrics holds the atomic counters for a running mirror.
// It is the concrete implementation of the Metrics interface.
type MirrorMetrics struct {
	EventsReceived   atomic.Int64
	EventsHidden     atomic.Int64
	EventsDebounced  atomic.Int64
	BackupsSucceeded atomic.Int64
	BackupsFailed    atomic.Int64
	BackupsExhausted atomic.Int64
	BackupsSkipped   atomic.Int64
	Retries          atomic.Int64
	BytesWritten     atomic.Int64
	DirsWatched      atomic.Int64
	WatchErrors      atomic.Int64

	mu        sync.Mutex
	stopChan  chan struct{}
	startTime time.Time
}

func (m *MirrorMetrics) AddEventsReceived(n int64)   { m.EventsReceived.Add(n) }
func (m *MirrorMetrics) AddEventsHidden(n int64)     { m.EventsHidden.Add(n) }
func (m *MirrorMetrics) AddEventsDebounced(n int64)  { m.EventsDebounced.Add(n) }
func (m *MirrorMetrics) AddBackupsSucceeded(n int64) { m.BackupsSucceeded.Add(n) }
func (m *MirrorMetrics) AddBackupsFailed(n int64)    { m.BackupsFailed.Add(n) }
func (m *MirrorMetrics) AddBackupsExhausted(n int64) { m.BackupsExhausted.Add(n) }
func (m *MirrorMetrics) AddBackupsSkipped(n int64)   { m.BackupsSkipped.Add(n) }
func (m *MirrorMetrics) AddRetries(n int64)          { m.Retries.Add(n) }
func (m *MirrorMetrics) AddBytesWritten(n int64)     { m.BytesWritten.Add(n) }
func (m *MirrorMetrics) AddDirsWatched(n int64)      { m.DirsWatched.Add(n) }
func (m *MirrorMetrics) AddWatchErrors(n int64)      { m.WatchErrors.Add(n) }

// StartProgress logs a summary every interval until StopProgress is called.
// A non-positive interval only records the start time.
func (m *MirrorMetrics) StartProgress(msg string, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startTime = time.Now()
	if interval <= 0 || m.stopChan != nil {
		return
	}
	stop := make(chan struct{})
	m.stopChan = stop
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-stop:
				return
			}
		}
	}()
}

func (m *MirrorMetrics) StopProgress() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary prints the counters with a custom message.
// This can be called by a background ticker or at the end of the run.
func (m *MirrorMetrics) LogSummary(msg string) {
	m.mu.Lock()
	start := m.startTime
	m.mu.Unlock()

	uptime := time.Duration(0)
	if !start.IsZero() {
		uptime = time.Since(start)
	}

	plog.Info(msg,
		"events_received", m.EventsReceived.Load(),
		"events_hidden", m.EventsHidden.Load(),
		"events_debounced", m.EventsDebounced.Load(),
		"backups_succeeded", m.BackupsSucceeded.Load(),
		"backups_failed", m.BackupsFailed.Load(),
		"backups_exhausted", m.BackupsExhausted.Load(),
		"backups_skipped", m.BackupsSkipped.Load(),
		"retries", m.Retries.Load(),
		"bytes_written", util.ByteCountIEC(m.BytesWritten.Load()),
		"dirs_watched", m.DirsWatched.Load(),
		"watch_errors", m.WatchErrors.Load(),
		"uptime", uptime.Round(time.Millisecond),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddEventsReceived(n int64)                        {}
func (m *NoopMetrics) AddEventsHidden(n int64)                          {}
func (m *NoopMetrics) AddEventsDebounced(n int64)                       {}
func (m *NoopMetrics) AddBackupsSucceeded(n int64)                      {}
func (m *NoopMetrics) AddBackupsFailed(n int64)                         {}
func (m *NoopMetrics) AddBackupsExhausted(n int64)                      {}
func (m *NoopMetrics) AddBackupsSkipped(n int64)                        {}
func (m *NoopMetrics) AddRetries(n int64)                               {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) AddDirsWatched(n int64)                           {}
func (m *NoopMetrics) AddWatchErrors(n int64)                           {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*MirrorMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
