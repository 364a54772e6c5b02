package transport

import "sync"

// sendQueue is one FIFO per priority level, with a cached cursor so a
// scan under sustained lower-priority traffic is amortized constant time
// (spec §4.E). Per-priority queues are lazily instantiated on first use.
type sendQueue struct {
	mu       sync.Mutex
	levels   int
	queues   [][]*OutgoingMessage
	cursor   int
}

func newSendQueue(levels int) *sendQueue {
	return &sendQueue{
		levels: levels,
		queues: make([][]*OutgoingMessage, levels),
	}
}

// enqueue appends m to its priority's FIFO and pulls the cursor down to
// m's priority if it is higher (numerically lower) than the current scan
// position (spec §4.E, the authoritative fix for the historical cursor bug).
func (q *sendQueue) enqueue(m *OutgoingMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := m.Priority()
	q.queues[p] = append(q.queues[p], m)
	if p < q.cursor {
		q.cursor = p
	}
}

// next scans from the cursor upward for the highest-priority message with
// payload ready. A head message that has nothing ready yet is passed over
// in favour of lower priorities but left in place, not dequeued (spec §4.E
// step 2), since a producer may add bytes to it later.
func (q *sendQueue) next(maxBytes int) (msg *OutgoingMessage, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := q.cursor; p < q.levels; p++ {
		queue := q.queues[p]
		if len(queue) == 0 {
			if p == q.cursor {
				q.cursor++
			}
			continue
		}

		head := queue[0]
		ready := head.BytesReady()
		if ready == 0 {
			continue
		}

		send := ready
		if send > maxBytes {
			send = maxBytes
		}

		if send == head.BytesRemaining() && send == ready {
			q.dequeueLocked(p, head)
		}

		return head, send
	}

	return nil, 0
}

// cancel removes m from its priority queue, preserving the order of the
// remaining elements. It is an ApplicationMisuse (invariant violation) if
// m is not found, per spec §4.E.
func (q *sendQueue) cancel(m *OutgoingMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := m.Priority()
	queue := q.queues[p]
	for i, e := range queue {
		if e == m {
			q.queues[p] = append(queue[:i:i], queue[i+1:]...)
			return nil
		}
	}
	return errApplicationMisuse("cancel: message not found in its priority queue")
}

func (q *sendQueue) dequeueLocked(p int, m *OutgoingMessage) {
	queue := q.queues[p]
	for i, e := range queue {
		if e == m {
			q.queues[p] = append(queue[:i:i], queue[i+1:]...)
			return
		}
	}
}
