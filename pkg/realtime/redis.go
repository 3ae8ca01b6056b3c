package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/rhythm/pkg/observability"
)

const channelPrefix = "rhythm:project:"

// RedisTransport fans messages out across processes over Redis pub/sub.
// Every process subscribes to the project channel pattern and delivers
// arriving messages to its local sink, so a publish from any process
// reaches every live session, including the publisher's own.
type RedisTransport struct {
	client *redis.Client
	sink   Sink
	logger *observability.Logger

	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// NewRedisTransport creates the pub/sub transport and starts its receive
// loop. The context bounds the initial subscription handshake.
func NewRedisTransport(ctx context.Context, client *redis.Client, sink Sink, logger *observability.Logger) (*RedisTransport, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	pubsub := client.PSubscribe(ctx, channelPrefix+"*")
	// Block until the subscription is live so no publishes are lost
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	t := &RedisTransport{
		client: client,
		sink:   sink,
		logger: logger,
		pubsub: pubsub,
		done:   make(chan struct{}),
	}
	go t.receive()
	return t, nil
}

func (t *RedisTransport) Name() string { return "redis" }

// JoinGroup and LeaveGroup are no-ops: the pattern subscription already
// covers every project channel
func (t *RedisTransport) JoinGroup(context.Context, int64, int64) error  { return nil }
func (t *RedisTransport) LeaveGroup(context.Context, int64, int64) error { return nil }

// SendToGroup publishes the message to the project's channel
func (t *RedisTransport) SendToGroup(ctx context.Context, projectID int64, msg *Message) error {
	return t.publish(ctx, projectID, msg)
}

// SendToUser publishes on the same project channel; the target filter
// carried in the message routes it to the single recipient on whichever
// process holds that session, since every process subscribes to the pattern.
func (t *RedisTransport) SendToUser(ctx context.Context, _ int64, msg *Message) error {
	return t.publish(ctx, msg.ProjectID, msg)
}

func (t *RedisTransport) publish(ctx context.Context, projectID int64, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	channel := fmt.Sprintf("%s%d", channelPrefix, projectID)
	if err := t.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// receive pumps subscribed messages into the local sink until Close
func (t *RedisTransport) receive() {
	ch := t.pubsub.Channel()
	for {
		select {
		case <-t.done:
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				t.logger.WithError(err).WithField("channel", raw.Channel).
					Warn("dropping undecodable realtime message")
				continue
			}
			t.sink.DeliverLocal(&msg)
		}
	}
}

// Close stops the receive loop and tears down the subscription
func (t *RedisTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.pubsub.Close()
	})
	return err
}
