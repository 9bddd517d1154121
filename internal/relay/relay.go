// Package relay links broker processes over a websocket peer connection so
// entity updates emitted on one process reach subscribers on another. Frames
// travel snappy-compressed; a missing or unreachable peer degrades to
// single-process delivery.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/gorilla/websocket"

	"talentpulse/streamer/internal/logging"
)

// Handler consumes one inbound relay frame after decompression.
type Handler func(frame []byte)

const (
	outboundBuffer  = 256
	initialBackoff  = 500 * time.Millisecond
	maxBackoff      = 30 * time.Second
	writeTimeout    = 10 * time.Second
	handshakePeriod = 10 * time.Second
)

// ErrClosed reports publishing on a closed client.
var ErrClosed = errors.New("relay client is closed")

// ErrBufferFull reports outbound backpressure. The frame is dropped; relay
// delivery is best effort.
var ErrBufferFull = errors.New("relay outbound buffer full")

// Client maintains the peer connection with reconnect backoff.
type Client struct {
	peerURL  string
	handler  Handler
	logger   *logging.Logger
	dialer   *websocket.Dialer
	outbound chan []byte

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a client for the peer URL. The handler runs on the read
// loop goroutine and must not block.
func New(peerURL string, handler Handler, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.L()
	}
	dialer := &websocket.Dialer{HandshakeTimeout: handshakePeriod}
	return &Client{
		peerURL:  peerURL,
		handler:  handler,
		logger:   logger,
		dialer:   dialer,
		outbound: make(chan []byte, outboundBuffer),
	}
}

// Start launches the connection loop. It returns immediately; connection
// failures are retried with exponential backoff until ctx ends or Close is
// called.
func (c *Client) Start(ctx context.Context) {
	if c == nil || c.peerURL == "" {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()
	go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := c.dialer.DialContext(ctx, c.peerURL, nil)
		if err != nil {
			c.logger.Warn("relay peer unreachable",
				logging.String("peer", c.peerURL),
				logging.Duration("retry_in", backoff),
				logging.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("relay peer connected", logging.String("peer", c.peerURL))
		backoff = initialBackoff
		c.serve(ctx, conn)
	}
}

// serve pumps both directions until either side fails, then returns so the
// run loop reconnects.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	// Closing the connection is the only way to unblock ReadMessage when
	// the context ends or the writer fails.
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopped:
		}
	}()

	readDone := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-readDone:
				return
			case frame, ok := <-c.outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.BinaryMessage, snappy.Encode(nil, frame)); err != nil {
					c.logger.Warn("relay write failed", logging.Error(err))
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, compressed, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("relay read failed", logging.Error(err))
			}
			break
		}
		frame, err := snappy.Decode(nil, compressed)
		if err != nil {
			c.logger.Warn("discarding undecodable relay frame", logging.Error(err))
			continue
		}
		if c.handler != nil {
			c.handler(frame)
		}
	}
	close(readDone)

	_ = conn.Close()
	<-writeDone
}

// Publish queues one frame for the peer. Frames are dropped rather than
// blocking the dispatch path when the peer is slow or absent.
func (c *Client) Publish(frame []byte) error {
	if c == nil {
		return ErrClosed
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case c.outbound <- append([]byte(nil), frame...):
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops the connection loop and waits for it to exit.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}
