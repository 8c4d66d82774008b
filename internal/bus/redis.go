package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	relayerrors "github.com/fluxdesk/relay/internal/errors"
)

// RedisBus implements the C3 interface over Redis pub/sub, the cross-
// instance transport named in the examples' broker stack. Publishes are
// fire-and-forget; a network blip drops the message, consistent with the
// bus's best-effort contract (§4.3).
type RedisBus struct {
	client *redis.Client
	log    *logrus.Entry

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBus wraps an existing client.
func NewRedisBus(client *redis.Client, log *logrus.Entry) *RedisBus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisBus{client: client, log: log}
}

func (b *RedisBus) PublishCommand(ctx context.Context, msg CommandEnvelope) error {
	return b.publish(ctx, ChannelCommand, msg)
}

func (b *RedisBus) PublishFrameAck(ctx context.Context, msg FrameAckEnvelope) error {
	return b.publish(ctx, ChannelFrameAck, msg)
}

func (b *RedisBus) PublishFrameData(ctx context.Context, msg FrameDataEnvelope) error {
	return b.publish(ctx, ChannelFrameData, msg)
}

func (b *RedisBus) PublishCatalogChanged(ctx context.Context, msg CatalogChangedEnvelope) error {
	return b.publish(ctx, ChannelCatalogChanged, msg)
}

func (b *RedisBus) PublishCommandResult(ctx context.Context, msg CommandResultEnvelope) error {
	return b.publish(ctx, ChannelCommandResult, msg)
}

func (b *RedisBus) publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return relayerrors.NewStoreError("bus_publish_encode", false, err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		// Transient: a Redis blip should not fail the caller's request path
		// (frames are best-effort; a command whose publish fails is still
		// picked up by the producer's poll_commands).
		return relayerrors.NewStoreError("bus_publish", true, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handlers) error {
	pubsub := b.client.Subscribe(ctx, ChannelCommand, ChannelFrameAck, ChannelFrameData, ChannelCatalogChanged, ChannelCommandResult)
	if _, err := pubsub.Receive(ctx); err != nil {
		return relayerrors.NewStoreError("bus_subscribe", true, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.pubsub = pubsub
	b.cancel = cancel
	b.mu.Unlock()

	go b.dispatchLoop(loopCtx, pubsub, h)
	return nil
}

func (b *RedisBus) dispatchLoop(ctx context.Context, pubsub *redis.PubSub, h Handlers) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg, h)
		}
	}
}

func (b *RedisBus) dispatch(msg *redis.Message, h Handlers) {
	switch msg.Channel {
	case ChannelCommand:
		if h.OnCommand == nil {
			return
		}
		var env CommandEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.log.WithError(err).Warn("bus: malformed control.command payload")
			return
		}
		h.OnCommand(env)
	case ChannelFrameAck:
		if h.OnFrameAck == nil {
			return
		}
		var env FrameAckEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.log.WithError(err).Warn("bus: malformed control.frame_ack payload")
			return
		}
		h.OnFrameAck(env)
	case ChannelFrameData:
		if h.OnFrameData == nil {
			return
		}
		var env FrameDataEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.log.WithError(err).Warn("bus: malformed frame.data payload")
			return
		}
		h.OnFrameData(env)
	case ChannelCatalogChanged:
		if h.OnCatalogChanged == nil {
			return
		}
		var env CatalogChangedEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.log.WithError(err).Warn("bus: malformed catalog.changed payload")
			return
		}
		h.OnCatalogChanged(env)
	case ChannelCommandResult:
		if h.OnCommandResult == nil {
			return
		}
		var env CommandResultEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.log.WithError(err).Warn("bus: malformed control.command_result payload")
			return
		}
		h.OnCommandResult(env)
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
