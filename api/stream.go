package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

const streamKeepAliveInterval = 30 * time.Second

// UpdateMessage crosses the Redis fan-out channel between instances. Board
// events carry no payload; each instance re-reads the board and serves its
// own clients from its own store view. Alert events carry the alert.
type UpdateMessage struct {
	BoardID string        `json:"boardId"`
	Event   string        `json:"event,omitempty"`
	Alert   *domain.Alert `json:"alert,omitempty"`
}

const (
	updateEventBoard = "board"
	updateEventAlert = "alert"
)

// RedisPublisher publishes board updates over a Redis channel so every
// instance sees them.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) PublishUpdate(ctx context.Context, msg UpdateMessage) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, string(data)).Err()
}

type streamEvent struct {
	name string
	data []byte
}

// Broker fans board and alert events out to connected stream clients, keyed
// by board.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan streamEvent]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan streamEvent]struct{})}
}

func (b *Broker) subscribe(boardID string) chan streamEvent {
	ch := make(chan streamEvent, 8)
	b.mu.Lock()
	m, ok := b.subs[boardID]
	if !ok {
		m = make(map[chan streamEvent]struct{})
		b.subs[boardID] = m
	}
	m[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) unsubscribe(boardID string, ch chan streamEvent) {
	b.mu.Lock()
	if m, ok := b.subs[boardID]; ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, boardID)
		}
	}
	b.mu.Unlock()
}

// boards lists the boards with at least one subscriber.
func (b *Broker) boards() []string {
	b.mu.Lock()
	out := make([]string, 0, len(b.subs))
	for id := range b.subs {
		out = append(out, id)
	}
	b.mu.Unlock()
	return out
}

// broadcast delivers the event to every subscriber of the board. Slow clients
// drop events rather than block the broker.
func (b *Broker) broadcast(boardID, event string, data []byte) {
	b.mu.Lock()
	for ch := range b.subs[boardID] {
		select {
		case ch <- streamEvent{name: event, data: data}:
		default:
		}
	}
	b.mu.Unlock()
}

func streamBoard(store Store, auth Authenticator, broker *Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		// EventSource cannot set headers, so the token may ride the query
		// string instead.
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		id, err := auth.IdentityFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		// Write an initial comment to ensure headers are flushed to the client.
		if _, err := c.Response().Write([]byte(":ok\n\n")); err != nil {
			return nil
		}
		flusher.Flush()

		ctx := c.Request().Context()
		ch := broker.subscribe(id.UserID)
		defer broker.unsubscribe(id.UserID, ch)

		tasks, err := store.LoadTasks(ctx, id.UserID)
		if err != nil {
			c.Logger().Error(err)
			return err
		}
		data, err := sonic.Marshal(newBoardResponse(domain.BuildBoard(tasks)))
		if err != nil {
			c.Logger().Error(err)
			return err
		}
		if err := writeEvent(c, flusher, streamEvent{name: updateEventBoard, data: data}); err != nil {
			return nil
		}

		ticker := time.NewTicker(streamKeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-ch:
				if err := writeEvent(c, flusher, ev); err != nil {
					return nil
				}
			case <-ticker.C:
				// Send a comment as a heartbeat to keep the connection alive.
				if _, err := c.Response().Write([]byte(":keepalive\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

func writeEvent(c echo.Context, flusher http.Flusher, ev streamEvent) error {
	if _, err := c.Response().Write([]byte("event: " + ev.name + "\n")); err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := c.Response().Write(ev.data); err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// SubscribeUpdates listens for board updates on the Redis channel and
// broadcasts fresh payloads to stream clients. It reconnects until ctx is
// canceled.
func SubscribeUpdates(ctx context.Context, logger *log.Logger, rc *redis.Client, store Store, channel string, broker *Broker) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				handleUpdateMessage(ctx, logger, store, broker, msg.Payload)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

func handleUpdateMessage(ctx context.Context, logger *log.Logger, store Store, broker *Broker, payload string) {
	var msg UpdateMessage
	if err := sonic.Unmarshal([]byte(payload), &msg); err != nil {
		logger.Errorf("unable to parse update: %v", err)
		return
	}
	if msg.BoardID == "" {
		return
	}
	switch msg.Event {
	case updateEventAlert:
		if msg.Alert == nil {
			return
		}
		data, err := sonic.Marshal(msg.Alert)
		if err != nil {
			logger.Errorf("marshal alert: %v", err)
			return
		}
		broker.broadcast(msg.BoardID, updateEventAlert, data)
	default:
		tasks, err := store.LoadTasks(ctx, msg.BoardID)
		if err != nil {
			logger.Errorf("load board: %v", err)
			return
		}
		data, err := sonic.Marshal(newBoardResponse(domain.BuildBoard(tasks)))
		if err != nil {
			logger.Errorf("marshal board: %v", err)
			return
		}
		broker.broadcast(msg.BoardID, updateEventBoard, data)
	}
}
