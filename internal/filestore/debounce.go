// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package filestore

import (
	"sync"
	"time"
)

// debouncer delays a function call until it stopped being requested for a
// while. The function given last wins.
type debouncer struct {
	mx      sync.Mutex
	after   time.Duration
	timer   *time.Timer
	stopped bool
}

func newDebouncer(after time.Duration) *debouncer {
	return &debouncer{after: after}
}

// Do schedules f, replacing any call that is still pending.
func (d *debouncer) Do(f func()) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.after, f)
}

// Stop drops the pending call, if any. Calls to Do after Stop are ignored.
func (d *debouncer) Stop() {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
