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
package bus

import (
	"fmt"
	"testing"
	"time"
)

func drainAvailable(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishDeliversMatchingTopic(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(Filter{Topics: []EventType{EventJobProgress}})
	defer sub.Close()

	b.Publish(Event{Type: EventJobProgress, Payload: JobProgressPayload{JobID: "j1", Phase: "chunking", Fraction: 0.5}})
	b.Publish(Event{Type: EventCrawlPage, Payload: CrawlPagePayload{URL: "https://example.com"}})

	got := drainAvailable(sub)
	if len(got) != 1 {
		t.Fatalf("delivered %d events, want 1", len(got))
	}
	if got[0].Type != EventJobProgress {
		t.Errorf("event type = %s, want job.progress", got[0].Type)
	}
	if got[0].TS.IsZero() {
		t.Error("event TS should be stamped on publish")
	}
	payload, ok := got[0].Payload.(JobProgressPayload)
	if !ok {
		t.Fatalf("payload type = %T, want JobProgressPayload", got[0].Payload)
	}
	if payload.JobID != "j1" || payload.Fraction != 0.5 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestPublishFiltersByProject(t *testing.T) {
	b := New()
	defer b.Close()

	scoped := b.Subscribe(Filter{Project: "proj-a"})
	defer scoped.Close()
	all := b.Subscribe(Filter{})
	defer all.Close()

	b.Publish(Event{Type: EventJobState, ProjectID: "proj-a"})
	b.Publish(Event{Type: EventJobState, ProjectID: "proj-b"})
	// Global events reach project-scoped subscribers too.
	b.Publish(Event{Type: EventStoreStats})

	if got := drainAvailable(scoped); len(got) != 2 {
		t.Errorf("scoped subscriber got %d events, want 2", len(got))
	}
	if got := drainAvailable(all); len(got) != 3 {
		t.Errorf("unscoped subscriber got %d events, want 3", len(got))
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(Filter{})
	defer sub.Close()

	total := DefaultQueueSize + 2
	for i := 0; i < total; i++ {
		b.Publish(Event{Type: EventJobProgress, Payload: JobProgressPayload{JobID: fmt.Sprintf("j%d", i)}})
	}

	got := drainAvailable(sub)
	if len(got) != DefaultQueueSize {
		t.Fatalf("drained %d events, want %d", len(got), DefaultQueueSize)
	}

	var overflow *Event
	for i := range got {
		if got[i].Type == EventBusOverflow {
			overflow = &got[i]
			break
		}
	}
	if overflow == nil {
		t.Fatal("no bus.overflow marker in stream")
	}
	if op, ok := overflow.Payload.(OverflowPayload); !ok || op.Dropped < 1 {
		t.Errorf("overflow payload = %+v", overflow.Payload)
	}

	// Oldest events were shed, the newest survived.
	first, ok := got[0].Payload.(JobProgressPayload)
	if !ok {
		t.Fatalf("first payload type = %T", got[0].Payload)
	}
	if first.JobID == "j0" {
		t.Error("oldest event survived overflow, drop-oldest not applied")
	}
	last, ok := got[len(got)-1].Payload.(JobProgressPayload)
	if !ok {
		t.Fatalf("last payload type = %T", got[len(got)-1].Payload)
	}
	if want := fmt.Sprintf("j%d", total-1); last.JobID != want {
		t.Errorf("last event = %s, want %s", last.JobID, want)
	}
	if sub.Dropped() < 2 {
		t.Errorf("Dropped() = %d, want at least 2", sub.Dropped())
	}
}

func TestOverflowMarkerBypassesTopicFilter(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(Filter{Topics: []EventType{EventJobProgress}})
	defer sub.Close()

	for i := 0; i < DefaultQueueSize+1; i++ {
		b.Publish(Event{Type: EventJobProgress})
	}

	found := false
	for _, ev := range drainAvailable(sub) {
		if ev.Type == EventBusOverflow {
			found = true
			break
		}
	}
	if !found {
		t.Error("overflow marker missing for topic-filtered subscriber")
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(Filter{})
	sub.Close()
	sub.Close() // idempotent

	b.Publish(Event{Type: EventError, Payload: ErrorPayload{Message: "late"}})

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("received event after Close")
		}
	case <-time.After(50 * time.Millisecond):
		t.Error("channel should be closed")
	}
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{})

	b.Publish(Event{Type: EventJobState})
	b.Close()
	b.Close() // idempotent
	b.Publish(Event{Type: EventJobState})

	// Queued events drain, then the channel reports closed.
	var got []Event
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 {
		t.Errorf("drained %d events, want the 1 published before Close", len(got))
	}

	late := b.Subscribe(Filter{})
	if _, ok := <-late.Events(); ok {
		t.Error("subscription on a closed bus should be born closed")
	}
}
