// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmeth

import (
	"sync"
	"sync/atomic"
)

// throttle bounds the number of concurrently running jobs and retains the
// first reported error.
type throttle struct {
	Max       int
	wg        sync.WaitGroup
	ch        chan bool
	err       atomic.Value
	setupOnce sync.Once
	errorOnce sync.Once
}

// Go runs f in a new goroutine, blocking first until a slot is free.
// A non-nil return from f is retained as the throttle's error.
func (t *throttle) Go(f func() error) {
	t.setupOnce.Do(func() { t.ch = make(chan bool, t.Max) })
	t.wg.Add(1)
	t.ch <- true
	go func() {
		defer func() {
			<-t.ch
			t.wg.Done()
		}()
		t.Report(f())
	}()
}

func (t *throttle) Report(err error) {
	if err != nil {
		t.errorOnce.Do(func() { t.err.Store(err) })
	}
}

func (t *throttle) Err() error {
	err, _ := t.err.Load().(error)
	return err
}

func (t *throttle) Wait() error {
	t.wg.Wait()
	return t.Err()
}
