package server

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
)

const (
	RealtimeEventTargetsChanged = "targets-changed"
	RealtimeEventStreamStarted  = "stream-available"
	RealtimeEventStreamEnded    = "stream-ended"
)

// RealtimeMessage is delivered to every open connection of UserID.
type RealtimeMessage struct {
	UserID     uint
	EventType  string
	Key        routing.Key
	PeerKey    routing.Key
	ProducerID string
	Timestamp  time.Time
}

// RealtimeDispatcher fans directory changes and stream announcements out to connections.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[uint]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	mu     sync.Mutex
	closed bool
	stream chan RealtimeMessage
}

// deliver queues message and reports false when the subscriber is already closed or its
// buffer is full. A full subscriber is closed so its reader knows it fell behind.
func (s *realtimeSubscriber) deliver(message RealtimeMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.stream <- message:
		return true
	default:
		s.closed = true
		close(s.stream)
		return false
	}
}

func (s *realtimeSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stream)
	}
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[uint]map[int64]*realtimeSubscriber),
		bufferSize:  64,
		clock:       time.Now,
	}
}

// Subscribe registers a connection of userID. The returned stream closes when ctx ends, when
// cleanup runs, or when the connection falls a full buffer behind; in the last case the
// reader must drop the connection because events were lost.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID uint) (<-chan RealtimeMessage, func()) {
	if userID == 0 {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
			subscriber.close()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message without blocking. A subscriber whose buffer is full is closed and
// unregistered instead of silently missing the message.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == 0 || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = d.clock().UTC()
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
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
		if !subscriber.deliver(message) {
			d.unregisterSubscriber(message.UserID, subscriber.id)
		}
	}
}

// TargetsChanged tells each user's connections to reload their target list.
func (d *RealtimeDispatcher) TargetsChanged(userIDs []uint) {
	for _, userID := range userIDs {
		d.Publish(RealtimeMessage{UserID: userID, EventType: RealtimeEventTargetsChanged})
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID uint, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID uint, subscriberID int64) {
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

func userKey(userID uint) routing.Key {
	return routing.Key{Kind: routing.KindUser, ID: strconv.FormatUint(uint64(userID), 10)}
}
