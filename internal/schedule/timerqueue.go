// Package schedule provides a cancellable timer queue: a priority queue of
// (fire time, action) entries keyed by id. Delayed side effects (message
// deletion, pacing) go through it instead of bare time.AfterFunc so they can
// be cancelled, inspected, and driven deterministically in tests.
package schedule

import (
	"container/heap"
	"context"
	"runtime/debug"
	"sync"
	"time"

	"relaybot/pkg/logx"
)

type entry struct {
	id   string
	at   time.Time
	run  func(ctx context.Context)
	idx  int  // heap index
	dead bool // cancelled but not yet popped
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].idx = i; h[j].idx = j }
func (h *entryHeap) Push(x any)         { e := x.(*entry); e.idx = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any           { old := *h; n := len(old); e := old[n-1]; old[n-1] = nil; *h = old[:n-1]; return e }

// Queue runs scheduled actions from a single worker goroutine.
type Queue struct {
	log logx.Logger
	now func() time.Time

	mu    sync.Mutex
	items entryHeap
	index map[string]*entry
	wake  chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewQueue(log logx.Logger) *Queue {
	return &Queue{
		log:   log,
		now:   time.Now,
		index: map[string]*entry{},
		wake:  make(chan struct{}, 1),
	}
}

func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopCh != nil {
		return
	}
	q.stopCh = make(chan struct{})
	stopCh := q.stopCh
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.loop(ctx, stopCh)
	}()
}

func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if q.stopCh == nil {
		q.mu.Unlock()
		return
	}
	close(q.stopCh)
	q.stopCh = nil
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Schedule registers run to fire at the given time. Scheduling an id that is
// already pending replaces its fire time and action.
func (q *Queue) Schedule(id string, at time.Time, run func(ctx context.Context)) {
	q.mu.Lock()
	if old, ok := q.index[id]; ok {
		old.dead = true
		delete(q.index, id)
	}
	e := &entry{id: id, at: at, run: run}
	q.index[id] = e
	heap.Push(&q.items, e)
	q.mu.Unlock()
	q.kick()
}

// Cancel removes a pending entry. Returns false if it already fired or was
// never scheduled.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[id]
	if !ok {
		return false
	}
	e.dead = true
	delete(q.index, id)
	return true
}

// Pending reports how many live entries are waiting to fire.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// NextAt returns the pending fire time for id.
func (q *Queue) NextAt(id string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.index[id]; ok {
		return e.at, true
	}
	return time.Time{}, false
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		var wait time.Duration
		q.mu.Lock()
		q.dropDeadLocked()
		if len(q.items) == 0 {
			wait = time.Hour
		} else {
			wait = q.items[0].at.Sub(q.now())
		}
		q.mu.Unlock()

		if wait <= 0 {
			q.fireDue(ctx)
			continue
		}

		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-stopCh:
			tmr.Stop()
			return
		case <-q.wake:
			tmr.Stop()
		case <-tmr.C:
			q.fireDue(ctx)
		}
	}
}

func (q *Queue) fireDue(ctx context.Context) {
	now := q.now()
	for {
		q.mu.Lock()
		q.dropDeadLocked()
		if len(q.items) == 0 || q.items[0].at.After(now) {
			q.mu.Unlock()
			return
		}
		e := heap.Pop(&q.items).(*entry)
		delete(q.index, e.id)
		q.mu.Unlock()

		q.runOne(ctx, e)
	}
}

func (q *Queue) runOne(ctx context.Context, e *entry) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("panic in scheduled action",
				logx.String("id", e.id),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	e.run(ctx)
}

// dropDeadLocked pops cancelled entries off the heap top so they never fire.
func (q *Queue) dropDeadLocked() {
	for len(q.items) > 0 && q.items[0].dead {
		heap.Pop(&q.items)
	}
}
