package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/tmaxmax/go-sse"
)

const (
	endpointEvent = "endpoint"
	messageEvent  = "message"
)

// SSEClient implements the Transport interface using Server-Sent Events. The
// inbound half is a long-lived event stream opened with a GET against the connect
// URL; the outbound half POSTs messages to the session endpoint the server
// announces in its first event. Connect blocks until that endpoint arrives, so
// Send is valid as soon as Connect returns.
type SSEClient struct {
	connectURL string
	httpClient *http.Client
	logger     *slog.Logger

	maxPayloadSize int

	messageURL string
	body       io.ReadCloser

	done       chan struct{}
	readClosed chan struct{}

	connected bool
	closeOnce sync.Once
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be
// received from the server.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(c *SSEClient) {
		c.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSEClient.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(c *SSEClient) {
		c.logger = logger
	}
}

// NewSSEClient creates a transport that connects to the event stream at
// connectURL. If httpClient is nil, http.DefaultClient is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &SSEClient{
		connectURL:     connectURL,
		httpClient:     httpClient,
		logger:         slog.Default(),
		maxPayloadSize: 1024 * 1024,
		done:           make(chan struct{}),
		readClosed:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Connect implements the Transport interface. It opens the event stream, starts
// the listener feeding handler, and blocks until the server announces the
// message endpoint or ctx expires.
func (c *SSEClient) Connect(ctx context.Context, handler MessageHandler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	c.body = resp.Body
	c.connected = true

	ready := make(chan error, 1)
	go c.listen(handler, ready)

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		c.body.Close()
		return ctx.Err()
	}
}

// Send implements the Transport interface by POSTing the message to the session
// endpoint announced by the server.
func (c *SSEClient) Send(ctx context.Context, msg JSONRPCMessage) error {
	if c.messageURL == "" {
		return errors.New("not connected")
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body)
	}
	return nil
}

// Close implements the Transport interface by closing the event stream and
// waiting for the listener to drain. Close is idempotent.
func (c *SSEClient) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if !c.connected {
			return
		}
		c.body.Close()

		select {
		case <-c.readClosed:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (c *SSEClient) listen(handler MessageHandler, ready chan<- error) {
	defer close(c.readClosed)

	// The listener outlives Connect's context; handler invocations are bounded
	// by the transport's own lifetime instead.
	ctx := context.Background()

	endpointSet := false
	for ev, err := range sse.Read(c.body, &sse.ReadConfig{MaxEventSize: c.maxPayloadSize}) {
		if err != nil {
			select {
			case <-c.done:
			default:
				if !endpointSet {
					ready <- fmt.Errorf("failed to read event stream: %w", err)
					return
				}
				c.logger.Error("event stream terminated", slog.String("err", err.Error()))
			}
			return
		}

		switch ev.Type {
		case endpointEvent:
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("invalid message endpoint: %w", err)
				return
			}
			base, err := url.Parse(c.connectURL)
			if err != nil {
				ready <- fmt.Errorf("invalid connect URL: %w", err)
				return
			}
			c.messageURL = base.ResolveReference(u).String()
			endpointSet = true
			ready <- nil
		case messageEvent:
			if !endpointSet {
				c.logger.Warn("received message event before endpoint event")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				c.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}

			if out := handler(ctx, msg); out != nil {
				if err := c.Send(ctx, *out); err != nil {
					c.logger.Error("failed to send handler reply", slog.String("err", err.Error()))
				}
			}
		default:
			c.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}

	if !endpointSet {
		ready <- errors.New("event stream ended before endpoint event")
	}
}
