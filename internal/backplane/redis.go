// Package backplane fans room frames out across service instances so
// members of one room connected to different instances see each other's
// events. Delivery is best-effort, matching the in-process broadcast.
package backplane

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "collab.room."

// envelope wraps a frame with its origin instance id so an instance can
// ignore its own publications.
type envelope struct {
	Origin  string          `json:"origin"`
	EntryID int64           `json:"entryId"`
	Frame   json.RawMessage `json:"frame"`
}

// Redis is a pub/sub backplane over one Redis server. Implements
// collab.Backplane.
type Redis struct {
	client *redis.Client
	origin string
	log    *zap.Logger
}

func NewRedis(addr string, log *zap.Logger) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		origin: uuid.NewString(),
		log:    log,
	}
}

// Publish sends a room frame to every other instance.
func (b *Redis) Publish(ctx context.Context, entryID int64, frame []byte) error {
	payload, err := json.Marshal(envelope{
		Origin:  b.origin,
		EntryID: entryID,
		Frame:   frame,
	})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channelPrefix+strconv.FormatInt(entryID, 10), payload).Err()
}

// Run subscribes to all room channels and hands remote frames to
// deliver. Blocks until ctx is cancelled.
func (b *Redis) Run(ctx context.Context, deliver func(entryID int64, frame []byte)) error {
	sub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("backplane: bad envelope", zap.Error(err))
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			deliver(env.EntryID, env.Frame)
		}
	}
}

func (b *Redis) Close() error {
	return b.client.Close()
}
