package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/config"
	"github.com/dennisdiepolder/livedesk/internal/eventbus"
	"github.com/dennisdiepolder/livedesk/internal/metrics"
	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Subscriber is the part of the event bus a client reads from
type Subscriber interface {
	Subscribe(topic string, done <-chan struct{}) *eventbus.Subscription
}

// Settings are the connection timings and limits
type Settings struct {
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
}

// SettingsFromConfig copies the websocket settings out of the server config
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		PongWait:       cfg.PongWait,
		PingPeriod:     cfg.PingPeriod,
		WriteWait:      cfg.WriteWait,
		MaxMessageSize: cfg.MaxMessageSize,
	}
}

// Client is a middleman between the websocket connection and the event bus
type Client struct {
	// Unique client ID
	id string

	// The hub this client belongs to
	hub *Hub

	// The websocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages. Never closed; done ends the writer.
	send chan []byte

	settings Settings
	logger   zerolog.Logger

	// The party this connection acts as
	party types.Party

	bus Subscriber

	// Inbound frame handler, nil for receive-only clients
	handle func(c *Client, message []byte)

	// Called once when the connection goes away
	onClose func()

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	subs   map[string]*eventbus.Subscription
	joined map[int64]struct{}
}

// NewClient creates a new Client
func NewClient(hub *Hub, conn *websocket.Conn, bus Subscriber, party types.Party, settings Settings, logger zerolog.Logger) *Client {
	clientID := uuid.New().String()
	return &Client{
		id:       clientID,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		settings: settings,
		logger: logger.With().
			Str("client_id", clientID).
			Str("role", string(party.Role)).
			Str("party_id", party.ID).
			Logger(),
		party:  party,
		bus:    bus,
		done:   make(chan struct{}),
		subs:   make(map[string]*eventbus.Subscription),
		joined: make(map[int64]struct{}),
	}
}

// Party returns the party the connection acts as
func (c *Client) Party() types.Party { return c.party }

// Subscribe starts forwarding a topic to the connection. Subscribing twice is a no-op.
func (c *Client) Subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}
	if _, ok := c.subs[topic]; ok {
		return
	}
	sub := c.bus.Subscribe(topic, c.done)
	c.subs[topic] = sub
	go c.forward(sub)
}

// Unsubscribe stops forwarding a topic
func (c *Client) Unsubscribe(topic string) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if ok {
		sub.Cancel()
	}
}

// Topics lists the subscribed topics
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	return topics
}

// join records a conversation the client follows
func (c *Client) join(id int64) {
	c.mu.Lock()
	c.joined[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) leave(id int64) {
	c.mu.Lock()
	delete(c.joined, id)
	c.mu.Unlock()
}

// joinedIDs lists the followed conversations, kept after close
func (c *Client) joinedIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	return ids
}

// forward copies one subscription's envelopes into the send buffer. When the
// bus drops the feed while the client still wants it, the connection is
// closed so the peer reconnects and catches up from storage.
func (c *Client) forward(sub *eventbus.Subscription) {
	for env := range sub.C() {
		data, err := json.Marshal(env)
		if err != nil {
			c.logger.Error().Err(err).Str("type", string(env.Type)).Msg("failed to marshal envelope")
			continue
		}
		if !c.safeSend(data) {
			return
		}
	}

	c.mu.Lock()
	wanted := c.subs[sub.Topic()] == sub
	c.mu.Unlock()
	select {
	case <-c.done:
	default:
		if wanted {
			c.logger.Warn().Str("topic", sub.Topic()).Msg("subscription dropped, closing connection")
			c.close()
		}
	}
}

// sendJSON marshals v and queues it
func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal frame")
		return
	}
	c.safeSend(data)
}

// safeSend queues a message without blocking. A full buffer closes the client.
func (c *Client) safeSend(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- message:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn().Msg("client send buffer full, closing connection")
		c.close()
		return false
	}
}

// close ends the client: subscriptions are cancelled, the connection is
// closed and onClose runs. Safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]*eventbus.Subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			sub.Cancel()
		}

		if c.conn != nil {
			c.conn.Close()
		}
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// readPump pumps messages from the websocket connection to the command handler
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.close()
	}()

	c.conn.SetReadLimit(c.settings.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				metrics.Get().RecordWebSocketError()
				c.logger.Error().Err(err).Msg("websocket read error")
			}
			break
		}
		metrics.Get().RecordWebSocketMessage()
		if c.handle != nil {
			c.handle(c, message)
		}
	}
}

// writePump pumps messages from the send buffer to the websocket connection
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.settings.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			// One frame per envelope; clients parse each frame as a JSON object
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
