package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/cache"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/vehicles"
)

const (
	RealtimeEventVehiclesChanged = "vehicles-change"
	// RealtimeEventVehiclesSnapshot is the first frame of a stream: the lot as the cache holds it.
	RealtimeEventVehiclesSnapshot = "vehicles-snapshot"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceAgent          = "parkiu-agent"
)

// RealtimeMessage is one change-feed frame for a lot.
type RealtimeMessage struct {
	LotID     string           `json:"lotId"`
	EventType string           `json:"type"`
	Cause     string           `json:"cause,omitempty"`
	Plates    []string         `json:"plates,omitempty"`
	Vehicles  []vehiclePayload `json:"vehicles,omitempty"`
	Source    string           `json:"source"`
	Timestamp time.Time        `json:"timestamp"`
}

// RealtimeDispatcher fans change messages out to per-lot subscribers. Slow
// subscribers drop messages instead of blocking publishers.
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
		bufferSize:  16,
		clock:       time.Now,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, lotID string) (<-chan RealtimeMessage, func()) {
	if lotID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(lotID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(lotID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.LotID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.LotID]
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

// PublishChange converts a cache change into one message per affected lot.
// It is meant to be registered with cache.Subscribe.
func (d *RealtimeDispatcher) PublishChange(change cache.Change) {
	for lotID, plates := range platesByLot(change.Keys) {
		d.Publish(RealtimeMessage{
			LotID:     lotID,
			EventType: RealtimeEventVehiclesChanged,
			Cause:     change.Source,
			Plates:    plates,
			Source:    realtimeSourceAgent,
			Timestamp: d.clock().UTC(),
		})
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(lotID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[lotID]; !ok {
		d.subscribers[lotID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[lotID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(lotID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[lotID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, lotID)
		}
	}
	d.mu.Unlock()
}

func platesByLot(keys []vehicles.Key) map[string][]string {
	if len(keys) == 0 {
		return nil
	}
	grouped := make(map[string][]string)
	seen := make(map[vehicles.Key]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		grouped[key.LotID.String()] = append(grouped[key.LotID.String()], key.Plate.String())
	}
	for _, plates := range grouped {
		sort.Strings(plates)
	}
	return grouped
}
