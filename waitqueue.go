package swarmcore

import (
	orderedmap "github.com/elliotchance/orderedmap/v2"
)

// WaitQueue is a FIFO of peers deferred by a bandwidth limit, giving each
// deferred peer a fair next turn (spec.md section 4.8). Keyed by peer id so
// membership and removal are O(1) while iteration stays insertion-ordered.
type WaitQueue struct {
	om *orderedmap.OrderedMap[int64, *Peer]
}

func NewWaitQueue() *WaitQueue {
	return &WaitQueue{om: orderedmap.NewOrderedMap[int64, *Peer]()}
}

// Enqueue appends p to the tail if it isn't already queued.
func (q *WaitQueue) Enqueue(p *Peer) {
	if _, ok := q.om.Get(p.id); ok {
		return
	}
	q.om.Set(p.id, p)
}

// Requeue moves p to the tail, enqueuing it if absent.
func (q *WaitQueue) Requeue(p *Peer) {
	q.om.Delete(p.id)
	q.om.Set(p.id, p)
}

// Dequeue removes p by identity, reporting whether it had been queued.
func (q *WaitQueue) Dequeue(p *Peer) bool {
	return q.om.Delete(p.id)
}

// Contains reports whether p is currently queued.
func (q *WaitQueue) Contains(p *Peer) bool {
	_, ok := q.om.Get(p.id)
	return ok
}

func (q *WaitQueue) Len() int {
	return q.om.Len()
}

// Peers returns the queue contents in FIFO order.
func (q *WaitQueue) Peers() []*Peer {
	out := make([]*Peer, 0, q.om.Len())
	for el := q.om.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}
