package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"diffsync-server/internal/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event announces that the canonical content of a document changed on Node.
type Event struct {
	Node       string `json:"node"`
	DocumentID string `json:"id"`
}

func EncodeEvent(e Event) (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}
	return string(raw), nil
}

func DecodeEvent(payload string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if e.DocumentID == "" {
		return Event{}, fmt.Errorf("event without document id")
	}
	return e, nil
}

// HandlerFunc is called for every document changed on another node.
type HandlerFunc func(ctx context.Context, documentID string) error

// Relay spreads document changes between server nodes sharing a store.
type Relay struct {
	rdb     *redis.Client
	channel string
	node    string
	logger  *zap.Logger
}

func New(rdb *redis.Client, channel, node string, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		rdb:     rdb,
		channel: channel,
		node:    node,
		logger:  logger.Named("relay"),
	}
}

func (r *Relay) Ping(ctx context.Context) error {
	if _, err := r.rdb.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

func (r *Relay) Publish(ctx context.Context, documentID string) error {
	payload, err := EncodeEvent(Event{Node: r.node, DocumentID: documentID})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	metrics.RelayEvents.WithLabelValues("published").Inc()
	return nil
}

// Run subscribes to the relay channel and calls handle for events published
// by other nodes until ctx is done.
func (r *Relay) Run(ctx context.Context, handle HandlerFunc) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	r.logger.Info("subscribed", zap.String("channel", r.channel), zap.String("node", r.node))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.dispatch(ctx, msg.Payload, handle)
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, payload string, handle HandlerFunc) {
	event, err := DecodeEvent(payload)
	if err != nil {
		r.logger.Warn("dropping relay event", zap.String("payload", payload), zap.Error(err))
		return
	}
	if event.Node == r.node {
		return
	}

	metrics.RelayEvents.WithLabelValues("received").Inc()

	if err := handle(ctx, event.DocumentID); err != nil {
		r.logger.Warn("failed to handle relay event",
			zap.String("document_id", event.DocumentID),
			zap.String("from", event.Node),
			zap.Error(err),
		)
	}
}
