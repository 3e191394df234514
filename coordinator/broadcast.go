package coordinator

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
)

type changeMessage struct {
	InstanceID string            `json:"instanceId"`
	EntityType domain.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
}

// Broadcaster tells the other instances which records this instance changed
// in the shared Local Store.
type Broadcaster struct {
	rc         *redis.Client
	channel    string
	instanceID string
	logger     *log.Logger
}

// NewBroadcaster creates a Broadcaster on the scope's change channel.
func NewBroadcaster(rc *redis.Client, scope, instanceID string, logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Broadcaster{rc: rc, channel: "prism:" + scope + ":changes", instanceID: instanceID, logger: logger}
}

// Publish announces a change to one record.
func (b *Broadcaster) Publish(ctx context.Context, kind domain.EntityType, id string) error {
	data, err := sonic.Marshal(changeMessage{InstanceID: b.instanceID, EntityType: kind, EntityID: id})
	if err != nil {
		return err
	}
	return b.rc.Publish(ctx, b.channel, data).Err()
}

// Listen calls handler for every change published by another instance until
// ctx is cancelled. A dropped subscription is re-established.
func (b *Broadcaster) Listen(ctx context.Context, handler func(ctx context.Context, kind domain.EntityType, id string)) {
	for {
		sub := b.rc.Subscribe(ctx, b.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev changeMessage
				if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
					b.logger.WithError(err).Error("unable to parse change message")
					continue
				}
				if ev.InstanceID == b.instanceID || !ev.EntityType.Valid() {
					continue
				}
				handler(ctx, ev.EntityType, ev.EntityID)
			}
		}
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("change channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
