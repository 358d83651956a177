package realtime

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const bridgeChannel = "taskboard:events"

// Bridge relays fan-out events between server instances over a Redis
// channel, so that a mutation accepted on one instance reaches sessions
// connected to another. Each instance tags outgoing envelopes with its own
// origin id and skips them on receipt; the excluded transport id travels
// with the envelope because the originating session may be connected to a
// different instance than the one that handled the mutation.
type Bridge struct {
	client *redis.Client
	origin string
	logger *log.Logger
}

func NewBridge(client *redis.Client, logger *log.Logger) *Bridge {
	return &Bridge{client: client, origin: uuid.NewString(), logger: logger}
}

type bridgeEnvelope struct {
	Origin  string       `json:"origin"`
	Exclude string       `json:"exclude,omitempty"`
	Event   domain.Event `json:"event"`
}

func (b *Bridge) broadcast(ctx context.Context, ev domain.Event, exclude string) error {
	payload, err := sonic.Marshal(bridgeEnvelope{Origin: b.origin, Exclude: exclude, Event: ev})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, bridgeChannel, payload).Err()
}

func (b *Bridge) run(ctx context.Context, deliver func(ev domain.Event, exclude string)) {
	sub := b.client.Subscribe(ctx, bridgeChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env bridgeEnvelope
			if err := sonic.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.WithError(err).Error("bridge envelope decode failed")
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			deliver(env.Event, env.Exclude)
		case <-ctx.Done():
			return
		}
	}
}
