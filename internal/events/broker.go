package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	redisclient "github.com/darkspere/agent-router/internal/redis"
)

const (
	TopicHealth   = "health"
	TopicFailover = "failover"
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	Topic  string
	Events chan Event
	Done   chan struct{}
}

// Broker fans routing events (worker health transitions, failovers) out to
// SSE subscribers across all router instances via Redis pub/sub.
type Broker struct {
	redis   *redisclient.Client
	clients map[string]map[*Client]bool // topic -> set of clients
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Client]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Broker) Subscribe(topic string) *Client {
	client := &Client{
		Topic:  topic,
		Events: make(chan Event, 100),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[topic] == nil {
		b.clients[topic] = make(map[*Client]bool)
		go b.subscribeToRedis(topic)
	}
	b.clients[topic][client] = true
	clientCount := len(b.clients[topic])
	b.mu.Unlock()

	log.Info().
		Str("topic", topic).
		Int("clientCount", clientCount).
		Msg("event client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if clients, ok := b.clients[client.Topic]; ok {
		delete(clients, client)
		close(client.Done)

		if len(clients) == 0 {
			delete(b.clients, client.Topic)
		}

		log.Info().
			Str("topic", client.Topic).
			Int("clientCount", len(clients)).
			Msg("event client unsubscribed")
	}
}

func (b *Broker) Publish(ctx context.Context, topic string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	channel := redisclient.EventChannel(topic)
	return b.redis.Publish(ctx, channel, data).Err()
}

// PublishJSON marshals payload as the event data and publishes it. Publish
// failures are logged, not propagated: event delivery is best-effort and
// must never fail the routing operation that produced the event.
func (b *Broker) PublishJSON(ctx context.Context, topic, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to marshal event payload")
		return
	}
	if err := b.Publish(ctx, topic, Event{Type: eventType, Data: data}); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to publish event")
	}
}

func (b *Broker) subscribeToRedis(topic string) {
	channel := redisclient.EventChannel(topic)
	pubsub := b.redis.Subscribe(b.ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("topic", topic).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(topic, event)
		}
	}
}

func (b *Broker) broadcast(topic string, event Event) {
	b.mu.RLock()
	clients := b.clients[topic]
	b.mu.RUnlock()

	for client := range clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("topic", topic).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
}
