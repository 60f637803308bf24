package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pipebridge/pipebridge/rpc"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client is a frontend-side connection to the bridge gateway. Responses are
// correlated to calls by envelope id; everything else arriving on the
// websocket (external-application broadcasts) is delivered on Events.
type Client struct {
	Logger *zap.SugaredLogger

	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	nextID int64

	mu      sync.Mutex
	pending map[string]chan *rpc.Message

	events chan *rpc.Message

	closeConnOnce sync.Once
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("bridge_client").Sugar()
	}
}

// DialClient connects to the bridge's /ws endpoint at url.
func DialClient(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing bridge WebSocket: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		Logger:  logger.Named("bridge_client").Sugar(),
		conn:    wsConn,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan *rpc.Message),
		events:  make(chan *rpc.Message, 16),
	}
	for _, o := range opts {
		o(c)
	}

	go c.readMessages()
	return c, nil
}

// Events delivers envelopes that are not responses to this client's own
// calls, i.e. external-application broadcasts.
func (c *Client) Events() <-chan *rpc.Message {
	return c.events
}

// CallBackend issues a local-method request on the backend-api channel and
// waits for the response.
func (c *Client) CallBackend(ctx context.Context, method string, params any) (*rpc.Message, error) {
	return c.call(ctx, eventBackendAPI, method, params)
}

// CallExternal issues a request on the external-api channel and waits for
// the response, whether it is relayed from the external application or
// synthesized by the bridge.
func (c *Client) CallExternal(ctx context.Context, method string, params any) (*rpc.Message, error) {
	return c.call(ctx, eventExternalAPI, method, params)
}

// NotifyExternal sends a notification (no id) on the external-api channel.
// No response will ever arrive for it.
func (c *Client) NotifyExternal(ctx context.Context, method string, params any) error {
	msg, err := envelope(nil, method, params)
	if err != nil {
		return err
	}
	return c.Send(ctx, eventExternalAPI, msg)
}

// Send writes one raw envelope on the given channel without registering for
// a response.
func (c *Client) Send(ctx context.Context, event string, msg *rpc.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	return wsjson.Write(ctx, c.conn, eventFrame{Event: event, Data: b})
}

func (c *Client) call(ctx context.Context, event, method string, params any) (*rpc.Message, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	idRaw, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("marshaling id: %w", err)
	}
	msg, err := envelope(idRaw, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *rpc.Message, 1)
	key := string(idRaw)
	c.mu.Lock()
	c.pending[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.Send(ctx, event, msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *Client) readMessages() {
	defer c.cancel()
	for {
		var frame eventFrame
		err := wsjson.Read(c.ctx, c.conn, &frame)
		if websocket.CloseStatus(err) != -1 {
			c.Logger.Debug("bridge closed the connection")
			return
		}
		if err != nil {
			c.Logger.Debugf("message reader got error: %s", err)
			c.close(websocket.StatusInternalError, err.Error())
			return
		}
		if frame.Event != eventAPIResponse {
			c.Logger.Debugf("unexpected event %q from bridge", frame.Event)
			continue
		}
		msg, err := rpc.Parse(frame.Data)
		if err != nil {
			c.Logger.Debugf("malformed envelope from bridge: %s", err)
			continue
		}
		c.deliver(msg)
	}
}

// deliver routes a response to its waiting caller, or onto the events
// channel when nothing was waiting for that id.
func (c *Client) deliver(msg *rpc.Message) {
	isResponse := msg.Method == "" && len(msg.ID) > 0
	if isResponse {
		c.mu.Lock()
		ch, ok := c.pending[string(msg.ID)]
		c.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}
	select {
	case c.events <- msg:
	case <-c.ctx.Done():
	}
}

func (c *Client) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	c.closeConnOnce.Do(func() {
		if err := c.conn.Close(code, reason); err != nil {
			c.Logger.Debugf("error closing conn: %s", err)
		}
	})
}

// Close tears the client down.
func (c *Client) Close() error {
	c.cancel()
	c.close(websocket.StatusNormalClosure, "")
	return nil
}

func envelope(id json.RawMessage, method string, params any) (*rpc.Message, error) {
	msg := &rpc.Message{JSONRPC: rpc.Version, ID: id, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		msg.Params = b
	}
	return msg, nil
}
