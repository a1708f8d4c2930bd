package queue

import (
	"sync"
	"sync/atomic"

	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/logctx"
)

// Listener receives a full copy of the download list after every change.
type Listener func([]download.Entity)

type subscriber struct {
	fn     Listener
	active atomic.Bool
}

// delivery is one snapshot addressed to the subscribers registered at the
// moment it was taken.
type delivery struct {
	snapshot []download.Entity
	targets  []*subscriber
	persist  bool
}

// bus fans snapshots out in mutation order. Its fields are guarded by the
// scheduler mutex; listeners run without it.
type bus struct {
	subscribers []*subscriber
	outbox      []delivery
	draining    bool
}

func (b *bus) add(fn Listener) *subscriber {
	sub := &subscriber{fn: fn}
	sub.active.Store(true)

	b.subscribers = append(b.subscribers, sub)

	return sub
}

func (b *bus) remove(sub *subscriber) {
	sub.active.Store(false)

	for i, s := range b.subscribers {
		if s == sub {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)

			return
		}
	}
}

func (b *bus) enqueue(snapshot []download.Entity, targets []*subscriber, persist bool) {
	b.outbox = append(b.outbox, delivery{snapshot: snapshot, targets: targets, persist: persist})
}

// Subscribe registers fn and delivers the current list to it right away.
// Later deliveries happen after every change, in registration order.
// A listener may call back into the scheduler; changes it makes are
// delivered once it returns. The returned func is idempotent.
func (s *Scheduler) Subscribe(fn Listener) func() {
	s.mu.Lock()
	sub := s.bus.add(fn)
	s.bus.enqueue(s.snapshotLocked(), []*subscriber{sub}, false)
	s.mu.Unlock()

	s.flush()

	var once sync.Once

	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.bus.remove(sub)
			s.mu.Unlock()
		})
	}
}

// publishLocked queues a snapshot for every current subscriber. Callers hold
// s.mu and must call flush after releasing it.
func (s *Scheduler) publishLocked(persist bool) {
	targets := make([]*subscriber, len(s.bus.subscribers))
	copy(targets, s.bus.subscribers)

	s.bus.enqueue(s.snapshotLocked(), targets, persist)
}

// flush drains the outbox. Only one goroutine drains at a time, so listeners
// see snapshots in the order they were taken.
func (s *Scheduler) flush() {
	s.mu.Lock()
	if s.bus.draining {
		s.mu.Unlock()

		return
	}

	s.bus.draining = true

	for len(s.bus.outbox) > 0 {
		batch := s.bus.outbox
		s.bus.outbox = nil

		s.mu.Unlock()
		s.deliver(batch)
		s.mu.Lock()
	}

	s.bus.draining = false
	s.mu.Unlock()
}

func (s *Scheduler) deliver(batch []delivery) {
	var latest []download.Entity

	for _, d := range batch {
		for _, sub := range d.targets {
			if sub.active.Load() {
				s.notify(sub, d.snapshot)
			}
		}

		if d.persist {
			latest = d.snapshot
		}
	}

	// Saves replace the whole list, so the newest snapshot in the batch wins.
	if latest != nil {
		s.persist(latest)
	}
}

func (s *Scheduler) notify(sub *subscriber, snapshot []download.Entity) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(s.ctx).Error("download listener panicked", "panic", r)
		}
	}()

	sub.fn(cloneAll(snapshot))
}

func cloneAll(entities []download.Entity) []download.Entity {
	out := make([]download.Entity, len(entities))
	for i, e := range entities {
		out[i] = e.Clone()
	}

	return out
}
