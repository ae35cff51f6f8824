package server

import (
	"context"
	"sync"
	"time"
)

const (
	// EventBookmarksChanged notifies a user's other devices that the cloud
	// row advanced and a pull is worthwhile.
	EventBookmarksChanged = "bookmarks-change"
	eventHeartbeat        = "heartbeat"
)

// ChangeEvent is one cloud row change broadcast to a user's devices.
type ChangeEvent struct {
	UserID    string    `json:"-"`
	EventType string    `json:"-"`
	Version   int64     `json:"version"`
	Checksum  string    `json:"checksum"`
	Timestamp time.Time `json:"timestamp"`
}

// ChangeDispatcher fans out row-change events to subscribed devices. Slow
// subscribers drop events rather than block the writer; a dropped event only
// delays the pull until the next scheduled cycle.
type ChangeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*changeSubscriber
	nextID      int64
	bufferSize  int
}

type changeSubscriber struct {
	id     int64
	stream chan ChangeEvent
}

// NewChangeDispatcher constructs the dispatcher.
func NewChangeDispatcher() *ChangeDispatcher {
	return &ChangeDispatcher{
		subscribers: make(map[string]map[int64]*changeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener for one user's change events. The stream is
// abandoned when ctx ends; the returned cleanup may be called earlier.
func (d *ChangeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan ChangeEvent, func()) {
	if userID == "" {
		ch := make(chan ChangeEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &changeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan ChangeEvent, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(userID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every subscriber of its user.
func (d *ChangeDispatcher) Publish(event ChangeEvent) {
	if event.UserID == "" || event.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*changeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *ChangeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *ChangeDispatcher) registerSubscriber(userID string, subscriber *changeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*changeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *ChangeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
