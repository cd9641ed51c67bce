// Package websocket provides a read-only WebSocket stream client with automatic reconnection
package websocket

import (
	"context"
	"sync"
	"time"

	"skytrader/internal/core"
	"skytrader/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler handles incoming WebSocket messages
type MessageHandler func(message []byte)

// Options tunes reconnection and heartbeat. Zero values take defaults.
type Options struct {
	ReconnectWait  time.Duration
	PingInterval   time.Duration
	PingWait       time.Duration
	PongWait       time.Duration
	OnConnected    func()
	OnDisconnected func(err error)
}

// Client is a resilient WebSocket stream reader
type Client struct {
	url     string
	handler MessageHandler
	opts    Options
	logger  core.ILogger

	conn *websocket.Conn
	mu   sync.Mutex

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
}

// NewClient creates a new WebSocket client
func NewClient(url string, handler MessageHandler, logger core.ILogger, opts Options) *Client {
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PingWait <= 0 {
		opts.PingWait = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}

	meter := telemetry.GetMeter("ws-client")
	msgCounter, _ := meter.Int64Counter("skytrader_ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("skytrader_ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))

	return &Client{
		url:         url,
		handler:     handler,
		opts:        opts,
		logger:      logger.WithField("component", "ws_client"),
		tracer:      telemetry.GetTracer("ws-client"),
		msgCounter:  msgCounter,
		connCounter: connCounter,
	}
}

// Run connects and delivers messages until ctx is cancelled, reconnecting
// after every dial failure or dropped connection.
func (c *Client) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := c.connect(ctx); err != nil {
			c.logger.Error("WebSocket connect failed", "url", c.url, "error", err)
		} else {
			if c.opts.OnConnected != nil {
				c.opts.OnConnected()
			}

			heartbeatCtx, heartbeatCancel := context.WithCancel(ctx)
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.heartbeat(heartbeatCtx)
			}()

			// Unblock ReadMessage on shutdown
			stop := context.AfterFunc(ctx, c.closeConn)
			err := c.readLoop(ctx)
			stop()
			heartbeatCancel()

			if ctx.Err() == nil && c.opts.OnDisconnected != nil {
				c.opts.OnDisconnected(err)
			}
		}

		select {
		case <-ctx.Done():
			c.closeConn()
			return ctx.Err()
		case <-time.After(c.opts.ReconnectWait):
		}
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			var err error
			if conn != nil {
				err = conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(c.opts.PingWait))
			}
			c.mu.Unlock()

			if conn == nil {
				return
			}
			if err != nil {
				// A failed ping closes the connection so the read loop reconnects
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "WS Connect",
		trace.WithAttributes(attribute.String("ws.url", c.url)),
	)
	defer span.End()

	c.connCounter.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	pongWait := c.opts.PongWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	defer c.closeConn()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		// Any data frame proves the peer is alive
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		c.msgCounter.Add(ctx, 1)
		if c.handler != nil {
			c.handler(message)
		}
	}
}
