package realtime

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// Subscriber receives fan-out events for one transport session. Send must
// not block; it reports whether the session accepted the event.
type Subscriber interface {
	Send(ev domain.Event) bool
}

type envelope struct {
	event   domain.Event
	exclude string
	// remote marks envelopes that arrived over the bridge so they are not
	// republished.
	remote bool
}

// Hub routes mutation events to the live sessions of the owning identity's
// room. Delivery is fire-and-forget: a slow or offline session receives
// nothing, and correctness is restored by that client's next full fetch.
//
// A single dispatcher goroutine drains the publish queue, so events for one
// task are delivered in the order they were published.
type Hub struct {
	registry *Registry
	bridge   *Bridge
	logger   *log.Logger

	mu   sync.RWMutex
	subs map[string]Subscriber

	events chan envelope
}

func NewHub(registry *Registry, bridge *Bridge, logger *log.Logger) *Hub {
	return &Hub{
		registry: registry,
		bridge:   bridge,
		logger:   logger,
		subs:     make(map[string]Subscriber),
		events:   make(chan envelope, 256),
	}
}

// Run drains the publish queue until ctx is cancelled. It must be running
// for Publish to have any effect.
func (h *Hub) Run(ctx context.Context) {
	if h.bridge != nil {
		go h.bridge.run(ctx, h.enqueueRemote)
	}
	for {
		select {
		case env := <-h.events:
			h.dispatch(ctx, env)
		case <-ctx.Done():
			return
		}
	}
}

// Attach registers the subscriber under its transport id. The session is
// not in any room until it joins.
func (h *Hub) Attach(transportID string, sub Subscriber) {
	h.mu.Lock()
	h.subs[transportID] = sub
	h.mu.Unlock()
}

// Detach removes the subscriber and its room binding. Called on disconnect;
// safe to call twice.
func (h *Hub) Detach(transportID string) {
	h.mu.Lock()
	delete(h.subs, transportID)
	h.mu.Unlock()
	h.registry.Leave(transportID)
}

// Join binds the session to the room named by identity.
func (h *Hub) Join(transportID, identity string) {
	h.registry.Join(transportID, identity)
}

// Publish delivers ev to every session in the owner's room except
// excludeTransportID. It never blocks: when the queue is saturated the
// event is dropped and subscribers catch up on their next full fetch.
func (h *Hub) Publish(ev domain.Event, excludeTransportID string) {
	select {
	case h.events <- envelope{event: ev, exclude: excludeTransportID}:
	default:
		h.logger.WithFields(log.Fields{"kind": ev.Kind, "task": ev.TaskID}).Warn("fan-out queue saturated, event dropped")
	}
}

func (h *Hub) enqueueRemote(ev domain.Event, exclude string) {
	select {
	case h.events <- envelope{event: ev, exclude: exclude, remote: true}:
	default:
		h.logger.WithFields(log.Fields{"kind": ev.Kind, "task": ev.TaskID}).Warn("fan-out queue saturated, bridged event dropped")
	}
}

func (h *Hub) dispatch(ctx context.Context, env envelope) {
	for _, id := range h.registry.SessionsInRoom(env.event.OwnerID) {
		if id == env.exclude {
			continue
		}
		h.mu.RLock()
		sub := h.subs[id]
		h.mu.RUnlock()
		if sub == nil {
			continue
		}
		if !sub.Send(env.event) {
			h.logger.WithFields(log.Fields{"session": id, "kind": env.event.Kind}).Debug("subscriber buffer full, event dropped")
		}
	}
	if !env.remote && h.bridge != nil {
		if err := h.bridge.broadcast(ctx, env.event, env.exclude); err != nil {
			h.logger.WithError(err).Error("bridge publish failed")
		}
	}
}
