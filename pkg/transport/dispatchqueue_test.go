package transport

import "testing"

func TestDispatchQueueFIFOOrder(t *testing.T) {
	q := newDispatchQueue()
	a := newIncomingMessage(1, nil)
	b := newIncomingMessage(1, nil)
	c := newIncomingMessage(1, nil)

	q.enqueue(a)
	q.enqueue(b)
	q.enqueue(c)

	for _, want := range []*Message{a, b, c} {
		if got := q.dequeue(); got != want {
			t.Fatalf("dequeue() = %v, want %v", got, want)
		}
	}
	if got := q.dequeue(); got != nil {
		t.Errorf("dequeue() on empty queue = %v, want nil", got)
	}
}

func TestDispatchQueueCoalescesDuplicateEnqueue(t *testing.T) {
	q := newDispatchQueue()
	a := newIncomingMessage(1, nil)
	b := newIncomingMessage(1, nil)

	q.enqueue(a)
	q.enqueue(b)
	q.enqueue(a) // Bursty re-arrival before dispatch: must not duplicate.

	if got := q.dequeue(); got != a {
		t.Fatalf("dequeue() = %v, want %v (first-enqueue order preserved)", got, a)
	}
	if got := q.dequeue(); got != b {
		t.Fatalf("dequeue() = %v, want %v", got, b)
	}
	if got := q.dequeue(); got != nil {
		t.Fatalf("dequeue() = %v, want nil (a's duplicate enqueue must not re-add it)", got)
	}
}

func TestDispatchQueueEmpty(t *testing.T) {
	q := newDispatchQueue()
	if !q.empty() {
		t.Error("new queue should be empty")
	}
	q.enqueue(newIncomingMessage(1, nil))
	if q.empty() {
		t.Error("queue with one item should not be empty")
	}
}
