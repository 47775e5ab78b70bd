package queue

import (
	"container/list"
	"sync"
)

// Item represents a queue item
type Item interface {
	GetID() interface{}
}

// UniqueQueue provides a queue that only allows
// unique items to be appended to it.
type UniqueQueue struct {
	sync.RWMutex
	q      *list.List
	index  map[interface{}]*list.Element
	signal chan struct{}
}

// NewUnique creates an instance of UniqueQueue
func NewUnique() *UniqueQueue {
	return &UniqueQueue{
		q:      list.New(),
		index:  make(map[interface{}]*list.Element),
		signal: make(chan struct{}, 1),
	}
}

// Head get an item from the head of the queue
func (q *UniqueQueue) Head() Item {
	q.Lock()
	defer q.Unlock()

	el := q.q.Front()
	if el == nil {
		return nil
	}

	val := el.Value.(Item)
	delete(q.index, val.GetID())
	q.q.Remove(el)
	return val
}

// Append appends an item to the queue. If an item with the same ID is
// already queued, its payload is replaced in place so the consumer
// applies the latest version; the queue position is kept.
func (q *UniqueQueue) Append(i Item) {
	q.Lock()
	if el, ok := q.index[i.GetID()]; ok {
		el.Value = i
		q.Unlock()
		return
	}
	q.index[i.GetID()] = q.q.PushBack(i)
	q.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Signal returns a channel that receives a tick whenever
// an item is appended. Consumers block on it instead of polling.
func (q *UniqueQueue) Signal() <-chan struct{} {
	return q.signal
}

// Empty checks whether the queue is empty
func (q *UniqueQueue) Empty() bool {
	q.RLock()
	defer q.RUnlock()
	return q.q.Len() == 0
}

// Has checks whether a item exist in the queue
func (q *UniqueQueue) Has(i Item) bool {
	q.RLock()
	defer q.RUnlock()
	_, ok := q.index[i.GetID()]
	return ok
}

// Size returns the size of the queue
func (q *UniqueQueue) Size() int {
	q.RLock()
	defer q.RUnlock()
	return q.q.Len()
}
