package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventDocumentChanged = "document-change"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceBackend        = "giftcircle-backend"
)

// RealtimeMessage tells one principal's connected devices that documents they
// can see changed server-side and a sync cycle is worth triggering.
type RealtimeMessage struct {
	PrincipalID string
	EventType   string
	Collection  string
	DocumentIDs []string
	Timestamp   time.Time
}

type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, principalID string) (<-chan RealtimeMessage, func()) {
	if principalID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(principalID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(principalID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message to every live subscription of its principal.
// Slow consumers drop messages rather than block the publisher; the client's
// next full cycle covers anything missed.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.PrincipalID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.PrincipalID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(principalID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[principalID]; !ok {
		d.subscribers[principalID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[principalID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(principalID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[principalID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, principalID)
		}
	}
	d.mu.Unlock()
}
