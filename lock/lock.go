/*
Package lock serializes recomputes per (operator, day).

PURPOSE:
  Two approval actions for the same operator and day must not interleave
  their reads and writes of that day's payment set. Everything that mutates
  a day's payments (flag change + recompute) runs inside one of these
  scopes. Different operators, or different days, never contend.

IMPLEMENTATIONS:
  - Keyed:  in-process keyed mutex, blocks until free (single instance)
  - Redis:  SET NX PX lease shared by every instance pointing at the same
            Redis; gives up with ErrConcurrentRecompute at ctx deadline,
            renewed by a watchdog while held

SEE ALSO:
  - commission/approval.go: takes the lock around flag change + recompute
  - commission/engine.go: Recalculate takes it for manual recomputes
*/
package lock

import (
	"context"
	"sync"

	"github.com/warp/commission-engine/generic"
)

// Locker acquires an exclusive scope for key. The returned unlock must be
// called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// DayKey is the lock key for one operator's day.
func DayKey(operatorID generic.OperatorID, day generic.Day) string {
	return "recompute:" + string(operatorID) + ":" + day.String()
}

// =============================================================================
// KEYED - In-process mutex per key
// =============================================================================

// Keyed holds one semaphore per key in use. Entries are refcounted and
// dropped once nobody holds or waits on them.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

var _ Locker = (*Keyed)(nil)

func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done.
func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.release(key, e)
		})
	}, nil
}

func (k *Keyed) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Len returns the number of live keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
