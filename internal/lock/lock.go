// Package lock provides the two synchronisation primitives the memory core
// consumes (spec.md §4.10): a spinlock used throughout the allocators
// because the page-fault handler must never schedule, and a counting
// semaphore/mutex for the rarer calls that may legitimately block. The
// spinlock follows biscuit's atomic-CAS idiom (mem.go's Refup/Refdown use
// atomic.AddInt32 for the same never-block reasoning); the semaphore is
// backed by golang.org/x/sync/semaphore rather than a hand-rolled wait
// queue, since the retrieval pack repeatedly reaches for x/sync alongside
// stdlib sync instead of writing its own parking logic.
package lock

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Spinlock_t is a single word CAS'd between 0 and 1. Acquire spins (never
// yields to the scheduler) until it wins the CAS, matching spec.md's
// requirement that allocator-internal locking be safe from interrupt
// context.
type Spinlock_t struct {
	held int32
}

// Acquire spins until the lock is free and claims it.
func (s *Spinlock_t) Acquire() {
	for !atomic.CompareAndSwapInt32(&s.held, 0, 1) {
	}
}

// Release frees the lock. Releasing an unheld lock is a caller error and is
// not checked, matching the original's trusting spinlock.
func (s *Spinlock_t) Release() {
	atomic.StoreInt32(&s.held, 0)
}

// TryAcquire attempts to claim the lock without spinning, reporting whether
// it succeeded.
func (s *Spinlock_t) TryAcquire() bool {
	return atomic.CompareAndSwapInt32(&s.held, 0, 1)
}

// Mutex_t is a counting semaphore initialised to 1, the blocking primitive
// spec.md §4.10 reserves for calls that may legitimately block (e.g. the
// external block-cache collaborator) — never inside the allocators
// themselves.
type Mutex_t struct {
	sem *semaphore.Weighted
}

// NewMutex returns a Mutex_t ready for use.
func NewMutex() *Mutex_t {
	return &Mutex_t{sem: semaphore.NewWeighted(1)}
}

// Lock blocks the calling goroutine until the mutex is available.
func (m *Mutex_t) Lock() {
	// context.Background() never cancels; Acquire can only return an
	// error when its context is done, so this cannot fail.
	_ = m.sem.Acquire(context.Background(), 1)
}

// Unlock releases the mutex, waking one blocked waiter if present.
func (m *Mutex_t) Unlock() {
	m.sem.Release(1)
}

// Semaphore_t is a general counting semaphore, the "wait"/"signal" pair of
// spec.md §4.10.
type Semaphore_t struct {
	sem *semaphore.Weighted
}

// NewSemaphore returns a Semaphore_t with the given initial count.
func NewSemaphore(n int64) *Semaphore_t {
	s := &Semaphore_t{sem: semaphore.NewWeighted(n)}
	return s
}

// Wait decrements the semaphore, blocking the caller if the value would go
// negative.
func (s *Semaphore_t) Wait() {
	_ = s.sem.Acquire(context.Background(), 1)
}

// Signal increments the semaphore, waking one blocked waiter if present.
func (s *Semaphore_t) Signal() {
	s.sem.Release(1)
}
