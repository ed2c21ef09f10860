// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus is the in-process event bus. Producers publish typed
// events; subscribers receive them over bounded channels filtered by
// project and topic. Delivery never blocks a publisher: a full
// subscriber queue sheds its oldest events and the subscriber learns
// about the loss through a bus.overflow marker.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"log/slog"
)

// EventType identifies an event kind.
type EventType string

const (
	EventJobState        EventType = "job.state"
	EventJobProgress     EventType = "job.progress"
	EventCrawlPage       EventType = "crawl.page"
	EventRetrievalTiming EventType = "retrieval.timing"
	EventStoreStats      EventType = "store.stats"
	EventBusOverflow     EventType = "bus.overflow"
	EventError           EventType = "error"
)

// Event is the unit of publication. Payload holds one of the typed
// payload structs below, matched by Type; it is `any` only so the
// event can cross the JSON boundary in one shape.
type Event struct {
	Type      EventType `json:"type"`
	ProjectID string    `json:"project_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	TS        time.Time `json:"ts"`
}

// JobStatePayload accompanies job.state events.
type JobStatePayload struct {
	JobID string `json:"job_id"`
	Kind  string `json:"kind"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// JobProgressPayload accompanies job.progress events.
type JobProgressPayload struct {
	JobID    string  `json:"job_id"`
	Phase    string  `json:"phase"`
	Fraction float64 `json:"fraction"`
	Message  string  `json:"message,omitempty"`
}

// CrawlPagePayload accompanies crawl.page events.
type CrawlPagePayload struct {
	JobID      string `json:"job_id"`
	URL        string `json:"url"`
	Depth      int    `json:"depth"`
	StatusCode int    `json:"status_code"`
	Skipped    bool   `json:"skipped,omitempty"`
}

// RetrievalTimingPayload accompanies retrieval.timing events.
type RetrievalTimingPayload struct {
	Collections int   `json:"collections"`
	Results     int   `json:"results"`
	Reranked    bool  `json:"reranked"`
	ElapsedMS   int64 `json:"elapsed_ms"`
}

// StoreStatsPayload accompanies store.stats events.
type StoreStatsPayload struct {
	Datasets int   `json:"datasets"`
	Chunks   int64 `json:"chunks"`
	Points   int64 `json:"points"`
}

// OverflowPayload accompanies bus.overflow events.
type OverflowPayload struct {
	Dropped      int   `json:"dropped"`
	DroppedTotal int64 `json:"dropped_total"`
}

// ErrorPayload accompanies error events.
type ErrorPayload struct {
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message"`
}

// Filter selects which events a subscriber receives. A zero filter
// matches everything. Project-scoped subscribers also receive global
// events (those published without a project id).
type Filter struct {
	Project string
	Topics  []EventType
}

// DefaultQueueSize bounds a subscriber's queue.
const DefaultQueueSize = 1000

// overflowMarkerInterval rate-limits overflow marker events per
// subscriber; drops themselves are always counted.
const overflowMarkerInterval = time.Second

// Bus fans events out to subscribers. The zero value is not usable;
// call New.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
	closed bool
}

type subscriber struct {
	id      uint64
	project string
	topics  map[EventType]bool

	mu     sync.Mutex
	queue  chan Event
	closed bool

	droppedTotal atomic.Int64
	lastMarker   atomic.Int64
}

// Subscription is a live feed of matching events. Close it when done;
// leaked subscriptions keep accumulating queue memory.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a new subscriber for events matching f.
func (b *Bus) Subscribe(f Filter) *Subscription {
	sub := &subscriber{
		project: f.Project,
		queue:   make(chan Event, DefaultQueueSize),
	}
	if len(f.Topics) > 0 {
		sub.topics = make(map[EventType]bool, len(f.Topics))
		for _, t := range f.Topics {
			sub.topics[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return &Subscription{bus: b, sub: sub}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	n := len(b.subs)
	b.mu.Unlock()

	recordBusSubscribers(n)
	return &Subscription{bus: b, sub: sub}
}

// Publish delivers ev to every matching subscriber. It never blocks.
// Events published with a zero TS are stamped on the way in.
func (b *Bus) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(ev) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.offer(ev)
	}
}

// Close shuts the bus down and closes every subscriber channel.
// Queued events remain readable until drained.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[uint64]*subscriber{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	recordBusSubscribers(0)
}

// Events returns the subscriber's receive channel. The channel closes
// when the subscription or the bus closes.
func (s *Subscription) Events() <-chan Event {
	return s.sub.queue
}

// Dropped reports how many events this subscriber has lost to
// overflow since subscribing.
func (s *Subscription) Dropped() int64 {
	return s.sub.droppedTotal.Load()
}

// Close removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.sub.id)
	n := len(s.bus.subs)
	s.bus.mu.Unlock()

	s.sub.close()
	recordBusSubscribers(n)
}

func (s *subscriber) matches(ev Event) bool {
	if s.project != "" && ev.ProjectID != "" && ev.ProjectID != s.project {
		return false
	}
	// Overflow markers bypass the topic filter so a lossy stream is
	// always visible to its consumer.
	if ev.Type == EventBusOverflow {
		return true
	}
	if s.topics != nil && !s.topics[ev.Type] {
		return false
	}
	return true
}

// offer enqueues ev, shedding the oldest queued events when full.
func (s *subscriber) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	dropped := 0
	for {
		select {
		case s.queue <- ev:
			if dropped > 0 {
				s.noteOverflow(dropped)
			}
			return
		default:
		}
		select {
		case <-s.queue:
			dropped++
		default:
			// Raced with the reader; the queue has room again.
		}
	}
}

// noteOverflow accounts for shed events and, at most once per
// interval, pushes a bus.overflow marker into the stream. Caller
// holds s.mu.
func (s *subscriber) noteOverflow(n int) {
	total := s.droppedTotal.Add(int64(n))
	recordBusDrops(n)

	now := time.Now()
	last := s.lastMarker.Load()
	if now.UnixNano()-last < int64(overflowMarkerInterval) {
		return
	}
	if !s.lastMarker.CompareAndSwap(last, now.UnixNano()) {
		return
	}

	slog.Warn("bus.overflow", "subscriber", s.id, "dropped", n, "dropped_total", total)
	marker := Event{
		Type:    EventBusOverflow,
		TS:      now.UTC(),
		Payload: OverflowPayload{Dropped: n, DroppedTotal: total},
	}
	for {
		select {
		case s.queue <- marker:
			return
		default:
		}
		select {
		case <-s.queue:
			s.droppedTotal.Add(1)
			recordBusDrops(1)
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}
