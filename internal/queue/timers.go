/*
Kannader - A pluggable, queue-first SMTP relay server.
Copyright © 2023-2026 Kannader contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package queue

import (
	"container/heap"
	"sync"
	"time"
)

// timerQueue fires queue entries when their scheduled time arrives.
//
// Entries sit in a min-heap keyed by fire time; a single goroutine
// sleeps until the earliest one is due, pops everything that ripened and
// hands each entry to the dispatch callback. Scheduling an earlier entry
// pokes the goroutine so it re-arms its timer. The heap only ever holds
// entry ids and times, never message data.
type timerQueue struct {
	dispatch func(Entry)

	mu     sync.Mutex
	heap   pendingHeap
	closed bool

	wake chan struct{} // buffered; poked on Schedule and Close
	done chan struct{} // closed when the loop goroutine exits
}

type pendingEntry struct {
	at    time.Time
	entry Entry
}

type pendingHeap []pendingEntry

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(pendingEntry)) }
func (h *pendingHeap) Pop() interface{} {
	old := *h
	last := old[len(old)-1]
	*h = old[:len(old)-1]
	return last
}

func newTimerQueue(dispatch func(Entry)) *timerQueue {
	tq := &timerQueue{
		dispatch: dispatch,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go tq.loop()
	return tq
}

// Schedule arms e to fire at the given time. Entries scheduled in the
// past fire immediately. After Close, Schedule is a no-op.
func (tq *timerQueue) Schedule(at time.Time, e Entry) {
	tq.mu.Lock()
	if tq.closed {
		tq.mu.Unlock()
		return
	}
	heap.Push(&tq.heap, pendingEntry{at: at, entry: e})
	tq.mu.Unlock()

	tq.poke()
}

// Close stops the loop and waits for it to exit. Entries still pending
// are dropped; they live on disk and the next startup recovers them.
func (tq *timerQueue) Close() {
	tq.mu.Lock()
	if tq.closed {
		tq.mu.Unlock()
		return
	}
	tq.closed = true
	tq.mu.Unlock()

	tq.poke()
	<-tq.done
}

func (tq *timerQueue) poke() {
	select {
	case tq.wake <- struct{}{}:
	default:
	}
}

func (tq *timerQueue) loop() {
	defer close(tq.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		tq.mu.Lock()
		if tq.closed {
			tq.mu.Unlock()
			return
		}

		now := time.Now()
		var due []Entry
		for len(tq.heap) > 0 && !tq.heap[0].at.After(now) {
			due = append(due, heap.Pop(&tq.heap).(pendingEntry).entry)
		}
		idle := len(tq.heap) == 0
		var next time.Duration
		if !idle {
			next = tq.heap[0].at.Sub(now)
		}
		tq.mu.Unlock()

		for _, e := range due {
			tq.dispatch(e)
		}
		if len(due) != 0 {
			// The heap may have refilled while dispatching.
			continue
		}

		if idle {
			<-tq.wake
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
		select {
		case <-timer.C:
		case <-tq.wake:
		}
	}
}
