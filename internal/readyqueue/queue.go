// Package readyqueue implements the bounded primary-key ready queue
// that feeds GetAny consumers.
package readyqueue

import "github.com/fogkv/daqkv/internal/ring"

// Queue is the primary-key ready queue: enqueue copies the primary
// field's bytes out of a full key; dequeue reconstructs a zeroed full
// key with only the primary field populated.
type Queue struct {
	ring          *ring.Ring[[]byte]
	fullSize      int
	primaryOffset int
	primarySize   int
}

// New builds a ready queue of the given capacity for a key layout whose
// full keys are fullSize bytes, with a primary field of primarySize bytes
// starting at primaryOffset.
func New(capacity, fullSize, primaryOffset, primarySize int) *Queue {
	return &Queue{
		ring:          ring.New[[]byte](capacity),
		fullSize:      fullSize,
		primaryOffset: primaryOffset,
		primarySize:   primarySize,
	}
}

// EnqueueNext copies fullKey's primary-field bytes into a fresh buffer
// and pushes it. It reports false (queue full to the caller) if the
// ring is at capacity. Callers must only pass keys the local node owns;
// the façade's local/remote routing already guarantees this.
func (q *Queue) EnqueueNext(fullKey []byte) bool {
	primary := make([]byte, q.primarySize)
	copy(primary, fullKey[q.primaryOffset:q.primaryOffset+q.primarySize])
	return q.ring.Push(primary)
}

// DequeueNext pops one primary-field buffer and reconstructs a
// zero-filled full key with the primary field installed at its declared
// offset. It reports false if the queue is empty.
func (q *Queue) DequeueNext() ([]byte, bool) {
	primary, ok := q.ring.Pop()
	if !ok {
		return nil, false
	}
	full := make([]byte, q.fullSize)
	copy(full[q.primaryOffset:], primary)
	return full, true
}

// Len reports the approximate number of ready keys, for metrics.
func (q *Queue) Len() int { return q.ring.Len() }
