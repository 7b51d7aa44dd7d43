package runtime

import "github.com/eapache/queue"

// pendingBuffer is the FIFO of messages a paused consumer holds back. It is
// not safe for concurrent use; the owning Registration guards it.
type pendingBuffer struct {
	q *queue.Queue
}

func newPendingBuffer() *pendingBuffer {
	return &pendingBuffer{q: queue.New()}
}

func (p *pendingBuffer) Len() int {
	return p.q.Length()
}

func (p *pendingBuffer) Push(msg *Message) {
	p.q.Add(msg)
}

// Pop removes the oldest message, or returns nil when empty.
func (p *pendingBuffer) Pop() *Message {
	if p.q.Length() == 0 {
		return nil
	}
	return p.q.Remove().(*Message)
}

// TrimTo evicts from the head until at most n messages remain and returns the
// evicted messages oldest first.
func (p *pendingBuffer) TrimTo(n int) []*Message {
	overflow := p.q.Length() - n
	if overflow <= 0 {
		return nil
	}
	evicted := make([]*Message, 0, overflow)
	for p.q.Length() > n {
		evicted = append(evicted, p.q.Remove().(*Message))
	}
	return evicted
}

// Drain empties the buffer and returns its contents oldest first.
func (p *pendingBuffer) Drain() []*Message {
	return p.TrimTo(0)
}
