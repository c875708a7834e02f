// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

// Package barrier provides a countdown join for a fixed number of concurrent
// operations that keeps the first reported error.
package barrier

import (
	"sync"
)

// Barrier completes once Done has been called n times. A failing operation
// never releases the barrier early.
type Barrier struct {
	mu       sync.Mutex
	pending  int
	first    error
	failures int
	done     chan struct{}
}

// New returns a barrier waiting for n operations. A barrier for zero
// operations is already released.
func New(n int) *Barrier {
	b := &Barrier{pending: n, done: make(chan struct{})}
	if n <= 0 {
		b.pending = 0
		close(b.done)
	}
	return b
}

// Done records the completion of one operation. Calls beyond n are ignored.
func (b *Barrier) Done(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending == 0 {
		return
	}
	if err != nil {
		b.failures++
		if b.first == nil {
			b.first = err
		}
	}
	b.pending--
	if b.pending == 0 {
		close(b.done)
	}
}

// C is closed when every operation has reported.
func (b *Barrier) C() <-chan struct{} {
	return b.done
}

// Wait blocks until every operation has reported and returns the first error.
func (b *Barrier) Wait() error {
	<-b.done
	return b.Err()
}

// Err returns the first error reported so far.
func (b *Barrier) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.first
}

// Failures returns how many operations reported an error.
func (b *Barrier) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Pending returns how many operations have not reported yet.
func (b *Barrier) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}
