package sched

import "math/bits"

// numPriorities is the number of discrete priority levels (Mach-style).
// 0 is the lowest (idle), 127 the highest.
const numPriorities = 128

// maxPriority is the highest valid thread priority.
const maxPriority uint8 = numPriorities - 1

// runQueue is a per-CPU multilevel priority queue with O(1)
// highest-priority lookup.
//
// One FIFO per level. Bit p of the bitmap is set iff level p is
// non-empty; bits[0] covers priorities 0..63, bits[1] covers 64..127.
// count always equals the sum of the level lengths.
type runQueue struct {
	levels [numPriorities][]uint32
	bits   [2]uint64
	count  int
}

// enqueue appends tid at the back of its priority level. The priority is
// clamped to the valid range; a TID already queued at that level stays
// where it is.
func (q *runQueue) enqueue(tid uint32, priority uint8) {
	p := int(priority)
	if p > int(maxPriority) {
		p = int(maxPriority)
	}
	for _, t := range q.levels[p] {
		if t == tid {
			return
		}
	}
	q.levels[p] = append(q.levels[p], tid)
	q.bits[p/64] |= 1 << (p % 64)
	q.count++
}

// dequeueHighest pops the front of the highest non-empty level.
func (q *runQueue) dequeueHighest() (uint32, bool) {
	p, ok := q.highestLevel()
	if !ok {
		return 0, false
	}
	return q.popFront(p), true
}

// dequeueLowest pops the front of the lowest non-empty level. The work
// stealing path takes the least important thread first, leaving the
// victim CPU its high-priority work.
func (q *runQueue) dequeueLowest() (uint32, bool) {
	p, ok := q.lowestLevel()
	if !ok {
		return 0, false
	}
	return q.popFront(p), true
}

// remove deletes tid from whichever level holds it.
func (q *runQueue) remove(tid uint32) {
	for p := 0; p < numPriorities; p++ {
		if q.bits[p/64]&(1<<(p%64)) == 0 {
			continue
		}
		for i, t := range q.levels[p] {
			if t != tid {
				continue
			}
			q.levels[p] = append(q.levels[p][:i], q.levels[p][i+1:]...)
			if len(q.levels[p]) == 0 {
				q.levels[p] = nil
				q.bits[p/64] &^= 1 << (p % 64)
			}
			q.count--
			return
		}
	}
}

// total is the number of queued TIDs across all levels.
func (q *runQueue) total() int { return q.count }

func (q *runQueue) empty() bool { return q.bits[0] == 0 && q.bits[1] == 0 }

func (q *runQueue) popFront(p int) uint32 {
	tid := q.levels[p][0]
	q.levels[p] = q.levels[p][1:]
	if len(q.levels[p]) == 0 {
		q.levels[p] = nil
		q.bits[p/64] &^= 1 << (p % 64)
	}
	q.count--
	return tid
}

func (q *runQueue) highestLevel() (int, bool) {
	if q.bits[1] != 0 {
		return 127 - bits.LeadingZeros64(q.bits[1]), true
	}
	if q.bits[0] != 0 {
		return 63 - bits.LeadingZeros64(q.bits[0]), true
	}
	return 0, false
}

func (q *runQueue) lowestLevel() (int, bool) {
	if q.bits[0] != 0 {
		return bits.TrailingZeros64(q.bits[0]), true
	}
	if q.bits[1] != 0 {
		return 64 + bits.TrailingZeros64(q.bits[1]), true
	}
	return 0, false
}
