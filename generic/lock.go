package generic

import (
	"context"
	"sync"
)

// memberLocks is a keyed mutex: one lock per running balance, created on
// demand and dropped when nobody holds or waits for it. Writers for
// different members never contend.
type memberLocks struct {
	mu    sync.Mutex
	slots map[MemberKey]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// Lock blocks until the member's lock is held or ctx is done.
func (ml *memberLocks) Lock(ctx context.Context, key MemberKey) (func(), error) {
	ml.mu.Lock()
	if ml.slots == nil {
		ml.slots = make(map[MemberKey]*lockSlot)
	}
	slot, ok := ml.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		ml.slots[key] = slot
	}
	slot.refs++
	ml.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			ml.release(key, slot)
		}, nil
	case <-ctx.Done():
		ml.release(key, slot)
		return func() {}, ctx.Err()
	}
}

func (ml *memberLocks) release(key MemberKey, slot *lockSlot) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(ml.slots, key)
	}
}
