// Package debounce collapses bursts of filesystem notifications into one.
//
// Editors and the OS typically emit several notifications for a single save
// (create, one or more writes, a rename). The Filter lets the first notification
// for a key through and suppresses every further one for the same key until a
// fixed window after that first notification has passed. The window is not
// extended by suppressed notifications.
package debounce

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/paulschiretz/pgl-mirror/pkg/sharded"
)

// DefaultWindow is the suppression window applied when none is configured.
const DefaultWindow = 300 * time.Millisecond

// KeyFunc derives the suppression key from an event path.
type KeyFunc func(path string) string

// KeyByName keys events by their base file name. Files with the same name in
// different directories share one suppression entry.
func KeyByName(path string) string {
	return filepath.Base(path)
}

// KeyByPath keys events by their full path.
func KeyByPath(path string) string {
	return filepath.Clean(path)
}

// Filter tracks the keys whose window is currently open. It is safe for
// concurrent use.
type Filter struct {
	window time.Duration
	clock  clock.Clock
	// active maps each suppressed key to the generation of the window that
	// suppresses it, so a late expiry can never reopen a newer window.
	active *sharded.Map[uint64]
	gen    atomic.Uint64
}

// New returns a Filter with the given window. A nil clock selects the wall clock.
func New(window time.Duration, clk clock.Clock) *Filter {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Filter{
		window: window,
		clock:  clk,
		active: sharded.NewMap[uint64](sharded.DefaultShards),
	}
}

// Window returns the suppression window.
func (f *Filter) Window() time.Duration { return f.window }

// Allow reports whether an event for key should be processed. The first call for
// a key returns true and opens its window; calls while the window is open return
// false.
func (f *Filter) Allow(key string) bool {
	gen := f.gen.Add(1)
	if _, loaded := f.active.LoadOrStore(key, gen); loaded {
		return false
	}
	f.clock.AfterFunc(f.window, func() { f.active.CompareAndDelete(key, gen) })
	return true
}

// Suppressed reports whether key currently has an open window.
func (f *Filter) Suppressed(key string) bool {
	return f.active.Has(key)
}

// Len returns the number of open windows.
func (f *Filter) Len() int {
	return f.active.Count()
}

// Reset closes every open window. Expiry timers that are still pending become
// no-ops.
func (f *Filter) Reset() {
	f.active.Clear()
}
