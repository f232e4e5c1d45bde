package nats

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/smazurov/blockparty/internal/streams"
)

// DefaultRequestTimeout bounds the current-record request made on subscribe.
const DefaultRequestTimeout = time.Second

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = errors.New("not connected to NATS")

// Client is the config channel between sources and sinks.
//
// Records are published on SubjectRecord(path). The client remembers the
// last body it published per path and answers requests on
// SubjectRecordGet(path) with it, so a sink that subscribes after the
// source published still receives the current record.
type Client struct {
	url            string
	name           string
	conn           *nats.Conn
	logger         *slog.Logger
	requestTimeout time.Duration

	mu        sync.RWMutex
	connected bool
	records   map[string][]byte
	getSubs   map[string]*nats.Subscription
}

// NewClient creates a new NATS client. Name identifies the connection on the server.
func NewClient(url, name string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		url:            url,
		name:           name,
		logger:         logger.With("component", "nats-client"),
		requestTimeout: DefaultRequestTimeout,
		records:        make(map[string][]byte),
		getSubs:        make(map[string]*nats.Subscription),
	}
}

// SetRequestTimeout overrides DefaultRequestTimeout.
func (c *Client) SetRequestTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestTimeout = d
}

// Connect establishes a connection to the NATS server.
// Subscriptions survive reconnects; nats.go replays them.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	opts := []nats.Option{
		nats.Name(c.name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1), // Infinite reconnects
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			if err != nil {
				c.logger.Warn("NATS disconnected", "error", err)
			} else {
				c.logger.Debug("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.mu.Lock()
			c.connected = true
			c.mu.Unlock()
			c.logger.Info("NATS reconnected")
		}),
		nats.ConnectHandler(func(_ *nats.Conn) {
			c.logger.Debug("NATS connected")
		}),
	}

	conn, err := nats.Connect(c.url, opts...)
	if err != nil {
		c.logger.Warn("Failed to connect to NATS", "url", c.url, "error", err)
		return fmt.Errorf("connect %s: %w", c.url, err)
	}

	c.conn = conn
	c.connected = true
	c.logger.Info("Connected to NATS", "url", c.url)
	return nil
}

// PublishStream publishes props as the record at path and keeps it as the
// answer for current-record requests.
func (c *Client) PublishStream(path string, props streams.StreamProperties) error {
	data, err := MarshalRecord(props)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil || !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.records[path] = data
	if _, ok := c.getSubs[path]; !ok {
		sub, err := conn.Subscribe(SubjectRecordGet(path), c.answerGet(path))
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("serve %s: %w", SubjectRecordGet(path), err)
		}
		c.getSubs[path] = sub
	}
	c.mu.Unlock()

	if err := conn.Publish(SubjectRecord(path), data); err != nil {
		return fmt.Errorf("publish %s: %w", SubjectRecord(path), err)
	}
	c.logger.Debug("Published record", "path", path, "subject", SubjectRecord(path))
	return nil
}

func (c *Client) answerGet(path string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		c.mu.RLock()
		data := c.records[path]
		c.mu.RUnlock()

		if data == nil {
			return
		}
		if err := msg.Respond(data); err != nil {
			c.logger.Warn("Failed to answer record request", "path", path, "error", err)
		}
	}
}

// SubscribeStream delivers every update of the record at path. The current
// record, if anyone serves it, is requested once and delivered unless a live
// update arrived first. Malformed records are logged and dropped.
func (c *Client) SubscribeStream(path string, onUpdate func(streams.StreamProperties)) (func(), error) {
	c.mu.RLock()
	conn := c.conn
	timeout := c.requestTimeout
	c.mu.RUnlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	var mu sync.Mutex
	live := false
	closed := false

	deliver := func(data []byte, current bool) {
		props, err := UnmarshalRecord(data)
		if err != nil {
			c.logger.Warn("Dropping malformed record", "path", path, "error", err)
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if closed || (current && live) {
			return
		}
		if !current {
			live = true
		}
		onUpdate(props)
	}

	sub, err := conn.Subscribe(SubjectRecord(path), func(msg *nats.Msg) {
		deliver(msg.Data, false)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", SubjectRecord(path), err)
	}

	go func() {
		msg, err := conn.Request(SubjectRecordGet(path), nil, timeout)
		if err != nil {
			c.logger.Debug("No current record", "path", path, "error", err)
			return
		}
		deliver(msg.Data, true)
	}()

	c.logger.Debug("Subscribed to record", "path", path, "subject", SubjectRecord(path))
	return func() {
		mu.Lock()
		closed = true
		mu.Unlock()
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.logger.Debug("Failed to unsubscribe", "path", path, "error", err)
		}
	}, nil
}

// SubscribeStates delivers the state messages of every service.
func (c *Client) SubscribeStates(onState func(StateMessage)) (func(), error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	sub, err := conn.Subscribe(SubjectStatePrefix+".>", func(msg *nats.Msg) {
		m, err := UnmarshalState(msg.Data)
		if err != nil {
			c.logger.Warn("Failed to unmarshal state", "error", err, "subject", msg.Subject)
			return
		}
		onState(m)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// publish sends data on subject.
// No-op if not connected (graceful degradation).
func (c *Client) publish(subject string, data []byte) {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()

	if conn == nil || !connected {
		return
	}

	if err := conn.Publish(subject, data); err != nil {
		c.logger.Warn("Failed to publish", "subject", subject, "error", err)
	}
}

// IsConnected returns true if connected to NATS.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.conn != nil
}

// Close closes the NATS connection and stops answering record requests.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for path, sub := range c.getSubs {
		_ = sub.Unsubscribe()
		delete(c.getSubs, path)
	}

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	c.connected = false
	c.logger.Debug("NATS client closed")
}
