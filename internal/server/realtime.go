package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/reading"
)

const (
	RealtimeEventBookUpdated      = "book-updated"
	RealtimeEventPositionRemapped = "position-remapped"
	realtimeEventHeartbeat        = "heartbeat"
	realtimeBufferSize            = 16
)

// RealtimeMessage is one event pushed to stream subscribers. An empty ReaderID reaches everyone.
type RealtimeMessage struct {
	ReaderID       string
	EventType      string
	RevisionID     int64
	PointerVersion int64
	Sequence       int
	Tier           string
	Timestamp      time.Time
}

// RealtimeDispatcher fans events out to open event streams.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers a stream for the reader until ctx ends or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, readerID string) (<-chan RealtimeMessage, func()) {
	if readerID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(readerID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(readerID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message without blocking; a full subscriber buffer drops it.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0)
	if message.ReaderID == "" {
		for _, subscribers := range d.subscribers {
			for _, subscriber := range subscribers {
				copies = append(copies, subscriber)
			}
		}
	} else {
		for _, subscriber := range d.subscribers[message.ReaderID] {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// RevisionPublished tells every connected reader the book changed.
func (d *RealtimeDispatcher) RevisionPublished(revisionID, pointerVersion int64) {
	d.Publish(RealtimeMessage{
		EventType:      RealtimeEventBookUpdated,
		RevisionID:     revisionID,
		PointerVersion: pointerVersion,
		Timestamp:      d.clock().UTC(),
	})
}

// ReaderRemapped tells one reader where their place moved to.
func (d *RealtimeDispatcher) ReaderRemapped(remap reading.ReaderRemap) {
	d.Publish(RealtimeMessage{
		ReaderID:   remap.ReaderID,
		EventType:  RealtimeEventPositionRemapped,
		RevisionID: remap.Match.RevisionID,
		Sequence:   remap.Match.Sequence,
		Tier:       string(remap.Match.Tier),
		Timestamp:  time.UnixMilli(remap.RemappedAtUnixMs).UTC(),
	})
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(readerID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[readerID]; !ok {
		d.subscribers[readerID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[readerID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(readerID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[readerID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, readerID)
		}
	}
	d.mu.Unlock()
}

func (d *RealtimeDispatcher) subscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, subscribers := range d.subscribers {
		total += len(subscribers)
	}
	return total
}
