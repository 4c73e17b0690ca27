package store

import (
	"context"
	"sync"

	"github.com/giftcircle/giftcircle/backend/internal/document"
)

const subscriptionBufferSize = 16

// Subscription is a live query handle. C delivers every committed mutation
// matching the predicate until Cancel is called; a slow consumer may miss
// intermediate states but always observes a later one.
type Subscription struct {
	C      <-chan document.Document
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription and closes C.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Subscribe returns the current matching snapshot plus a live handle fed on
// every subsequent committed mutation of the collection that matches the
// predicate. Tombstoned documents are delivered on the live channel (so a
// consumer can drop them) but excluded from the snapshot.
func (s *Store) Subscribe(ctx context.Context, collection document.Collection, predicate Predicate) ([]document.Document, *Subscription, error) {
	snapshot, err := s.Query(ctx, collection, predicate)
	if err != nil {
		return nil, nil, err
	}
	subscription := s.dispatcher.subscribe(collection, predicate)
	return snapshot, subscription, nil
}

type dispatcher struct {
	mu          sync.RWMutex
	subscribers map[document.Collection]map[int64]*subscriber
	nextID      int64
	closed      bool
}

type subscriber struct {
	id        int64
	predicate Predicate
	stream    chan document.Document
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		subscribers: make(map[document.Collection]map[int64]*subscriber),
	}
}

func (d *dispatcher) subscribe(collection document.Collection, predicate Predicate) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	stream := make(chan document.Document, subscriptionBufferSize)
	if d.closed {
		close(stream)
		return &Subscription{C: stream, cancel: func() {}}
	}

	d.nextID++
	entry := &subscriber{id: d.nextID, predicate: predicate, stream: stream}
	if d.subscribers[collection] == nil {
		d.subscribers[collection] = make(map[int64]*subscriber)
	}
	d.subscribers[collection][entry.id] = entry

	return &Subscription{
		C:      stream,
		cancel: func() { d.unsubscribe(collection, entry.id) },
	}
}

func (d *dispatcher) unsubscribe(collection document.Collection, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.subscribers[collection]
	entry, ok := entries[id]
	if !ok {
		return
	}
	delete(entries, id)
	close(entry.stream)
}

func (d *dispatcher) publish(doc document.Document) {
	// Sends happen under the read lock and never block, so a concurrent
	// unsubscribe (which closes the stream under the write lock) cannot race
	// a send on a closed channel.
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, entry := range d.subscribers[doc.Collection] {
		if entry.predicate != nil && !entry.predicate(doc) {
			continue
		}
		select {
		case entry.stream <- doc.Clone():
		default:
		}
	}
}

func (d *dispatcher) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for collection, entries := range d.subscribers {
		for id, entry := range entries {
			delete(entries, id)
			close(entry.stream)
		}
		delete(d.subscribers, collection)
	}
}
