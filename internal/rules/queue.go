package rules

import (
	"errors"
	"fmt"
	"math/rand"
)

// MaxQueueSpan caps how many item ids a single queue may hold, regardless of
// the configured range. Guard against a typo'd end id producing a
// multi-million entry queue that then gets persisted.
const MaxQueueSpan = 100000

var ErrEmptyRange = errors.New("queue range is empty")

// BuildQueue expands a rule's configured range into the ordered id sequence
// the scheduler consumes. When the rule has no explicit end id the range is
// bounded by defaultSpan (an explicit configuration value; there is no
// silent built-in bound).
//
// Shuffling happens once here, at build time. The queue is persisted and
// consumed in that fixed order across ticks.
func BuildQueue(r *Rule, defaultSpan int) ([]int, error) {
	start := r.CurrentItemID
	if start == 0 {
		start = r.StartItemID
	}
	if start <= 0 {
		return nil, fmt.Errorf("%w: no start item", ErrEmptyRange)
	}

	end := r.EndItemID
	if end == 0 {
		if defaultSpan <= 0 {
			return nil, errors.New("queue default span must be configured when the rule has no end item")
		}
		end = r.StartItemID + defaultSpan - 1
	}
	if end < start {
		return nil, fmt.Errorf("%w: %d..%d", ErrEmptyRange, start, end)
	}
	if span := end - start + 1; span > MaxQueueSpan {
		return nil, fmt.Errorf("queue span %d exceeds limit %d", span, MaxQueueSpan)
	}

	ids := make([]int, 0, end-start+1)
	for id := start; id <= end; id++ {
		ids = append(ids, id)
	}
	if r.Shuffle {
		rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	}
	return ids, nil
}

// PopBatch splits the queue into the next batch and the remainder.
func PopBatch(queue []int, batchSize int) (batch, rest []int) {
	if batchSize <= 0 {
		batchSize = 1
	}
	if batchSize >= len(queue) {
		return queue, nil
	}
	return queue[:batchSize], queue[batchSize:]
}
