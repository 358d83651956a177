package realtime

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

type chanSub struct {
	ch chan domain.Event
}

func newChanSub(buf int) *chanSub { return &chanSub{ch: make(chan domain.Event, buf)} }

func (s *chanSub) Send(ev domain.Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *chanSub) next(t *testing.T) domain.Event {
	t.Helper()
	select {
	case ev := <-s.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func (s *chanSub) expectNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-s.ch:
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(NewRegistry(), nil, log.New())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func taskEvent(kind, owner, taskID string) domain.Event {
	return domain.Event{Kind: kind, OwnerID: owner, TaskID: taskID}
}

func TestHubDeliversToRoom(t *testing.T) {
	hub := startHub(t)
	sub := newChanSub(8)
	hub.Attach("s1", sub)
	hub.Join("s1", "alice")

	hub.Publish(taskEvent(domain.TaskCreated, "alice", "t1"), "")
	ev := sub.next(t)
	if ev.Kind != domain.TaskCreated || ev.TaskID != "t1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestHubExcludesOriginSession(t *testing.T) {
	hub := startHub(t)
	origin := newChanSub(8)
	other := newChanSub(8)
	hub.Attach("s1", origin)
	hub.Attach("s2", other)
	hub.Join("s1", "alice")
	hub.Join("s2", "alice")

	hub.Publish(taskEvent(domain.TaskUpdated, "alice", "t1"), "s1")

	if ev := other.next(t); ev.TaskID != "t1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	origin.expectNone(t)
}

func TestHubNeverCrossesRooms(t *testing.T) {
	hub := startHub(t)
	alice := newChanSub(8)
	bob := newChanSub(8)
	hub.Attach("sa", alice)
	hub.Attach("sb", bob)
	hub.Join("sa", "alice")
	hub.Join("sb", "bob")

	hub.Publish(taskEvent(domain.TaskCreated, "alice", "t1"), "")

	if ev := alice.next(t); ev.OwnerID != "alice" {
		t.Fatalf("unexpected event %+v", ev)
	}
	bob.expectNone(t)
}

func TestHubUnjoinedSessionReceivesNothing(t *testing.T) {
	hub := startHub(t)
	sub := newChanSub(8)
	hub.Attach("s1", sub)

	hub.Publish(taskEvent(domain.TaskCreated, "alice", "t1"), "")
	sub.expectNone(t)
}

func TestHubDetachedSessionReceivesNothing(t *testing.T) {
	hub := startHub(t)
	sub := newChanSub(8)
	hub.Attach("s1", sub)
	hub.Join("s1", "alice")
	hub.Detach("s1")

	hub.Publish(taskEvent(domain.TaskCreated, "alice", "t1"), "")
	sub.expectNone(t)
}

func TestHubSameTaskEventsKeepOrder(t *testing.T) {
	hub := startHub(t)
	sub := newChanSub(16)
	hub.Attach("s1", sub)
	hub.Join("s1", "alice")

	for i := 0; i < 10; i++ {
		ev := taskEvent(domain.TaskUpdated, "alice", "t1")
		ev.Timestamp = int64(i + 1)
		hub.Publish(ev, "")
	}
	for i := 0; i < 10; i++ {
		ev := sub.next(t)
		if ev.Timestamp != int64(i+1) {
			t.Fatalf("event %d arrived out of order: ts=%d", i, ev.Timestamp)
		}
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	hub := startHub(t)
	stuck := newChanSub(0) // never read, zero buffer
	healthy := newChanSub(8)
	hub.Attach("s1", stuck)
	hub.Attach("s2", healthy)
	hub.Join("s1", "alice")
	hub.Join("s2", "alice")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			hub.Publish(taskEvent(domain.TaskUpdated, "alice", fmt.Sprintf("t%d", i)), "")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	// The healthy subscriber still gets events.
	if ev := healthy.next(t); ev.OwnerID != "alice" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

// Room isolation must hold over arbitrary join/leave/publish interleavings:
// a session that only ever joins its own user's room must never observe
// another owner's event.
func TestHubIsolationUnderRandomInterleavings(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	owners := []string{"alice", "bob", "carol"}

	for round := 0; round < 20; round++ {
		hub := startHub(t)

		type trackedSub struct {
			owner string
			sub   *chanSub
		}
		subs := make([]trackedSub, 0, 9)
		for i, owner := range owners {
			for j := 0; j < 3; j++ {
				s := newChanSub(256)
				id := fmt.Sprintf("s-%d-%d", i, j)
				hub.Attach(id, s)
				subs = append(subs, trackedSub{owner: owner, sub: s})
				// Join/leave churn interleaved with publishes below.
				hub.Join(id, owner)
			}
		}

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(seed int64) {
				defer wg.Done()
				local := rand.New(rand.NewSource(seed))
				for k := 0; k < 100; k++ {
					owner := owners[local.Intn(len(owners))]
					switch local.Intn(4) {
					case 0:
						// Sessions only ever rejoin their own owner's room.
						oi := local.Intn(3)
						hub.Join(fmt.Sprintf("s-%d-%d", oi, local.Intn(3)), owners[oi])
					case 1:
						hub.Detach(fmt.Sprintf("s-%d-%d", local.Intn(3), local.Intn(3)))
					default:
						hub.Publish(taskEvent(domain.TaskUpdated, owner, fmt.Sprintf("t%d", k)), "")
					}
				}
			}(rng.Int63())
		}
		wg.Wait()
		time.Sleep(50 * time.Millisecond)

		for _, ts := range subs {
			for {
				select {
				case ev := <-ts.sub.ch:
					if ev.OwnerID != ts.owner {
						t.Fatalf("round %d: session of %s received event for %s", round, ts.owner, ev.OwnerID)
					}
					continue
				default:
				}
				break
			}
		}
	}
}
