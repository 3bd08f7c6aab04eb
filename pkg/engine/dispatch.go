package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/paulschiretz/pgl-mirror/pkg/backup"
	"github.com/paulschiretz/pgl-mirror/pkg/debounce"
	"github.com/paulschiretz/pgl-mirror/pkg/metrics"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// backuper is the part of backup.Executor the dispatcher needs.
type backuper interface {
	Backup(sourcePath string) backup.Result
}

// dispatcher turns accepted change notifications into detached backup tasks.
type dispatcher struct {
	filter   *debounce.Filter
	key      debounce.KeyFunc
	executor backuper
	metrics  metrics.Metrics
	// sem bounds running copies. nil means unbounded.
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newDispatcher(filter *debounce.Filter, key debounce.KeyFunc, executor backuper, m metrics.Metrics, maxConcurrent int) *dispatcher {
	d := &dispatcher{
		filter:   filter,
		key:      key,
		executor: executor,
		metrics:  m,
	}
	if maxConcurrent > 0 {
		d.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return d
}

// handle never blocks: debounced events are dropped, accepted ones start a task.
func (d *dispatcher) handle(path string) {
	if !d.filter.Allow(d.key(path)) {
		d.metrics.AddEventsDebounced(1)
		plog.Debug("Ignoring repeated change", "path", path)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.sem != nil {
			// Tasks are never cancelled, so this only fails if the semaphore is misused.
			if err := d.sem.Acquire(context.Background(), 1); err != nil {
				plog.Error("Could not schedule backup", "path", path, "error", err)
				return
			}
			defer d.sem.Release(1)
		}
		d.executor.Backup(path)
	}()
}

// wait blocks until every started task has finished.
func (d *dispatcher) wait() {
	d.wg.Wait()
}
