package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pipebridge/pipebridge/link"
	"github.com/pipebridge/pipebridge/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type stubSender struct {
	connected bool
	status    link.Status
	sent      []*rpc.Message
}

func (s *stubSender) Connected() bool { return s.connected }

func (s *stubSender) Send(msg *rpc.Message) link.Status {
	s.sent = append(s.sent, msg)
	return s.status
}

// newSessionPair builds a real websocket between a gateway session and a
// frontend-side conn.
func newSessionPair(t *testing.T) (*session, *websocket.Conn) {
	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accepting WebSocket conn: %s", err)
			return
		}
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clientConn, _, err := websocket.Dial(ctx, srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close(websocket.StatusNormalClosure, "") })

	return &session{id: "s1", log: zap.NewNop().Sugar(), conn: <-serverCh}, clientConn
}

func testRelay(sender envelopeSender) *relay {
	r := newRelay(zap.NewNop().Sugar(), newConnState(link.New("127.0.0.1:0")))
	r.sender = sender
	return r
}

func readAPIResponse(t *testing.T, conn *websocket.Conn) *rpc.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame eventFrame
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	require.Equal(t, eventAPIResponse, frame.Event)
	msg, err := rpc.Parse(frame.Data)
	require.NoError(t, err)
	return msg
}

func assertNoResponse(t *testing.T, conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	var frame eventFrame
	err := wsjson.Read(ctx, conn, &frame)
	require.Error(t, err, "unexpected frame: %+v", frame)
}

func TestForwardSendFailure(t *testing.T) {
	sess, clientConn := newSessionPair(t)
	sender := &stubSender{connected: true, status: link.StatusFailed}
	r := testRelay(sender)

	// peer is attached but the write fails: requests get the synthesized
	// send-failure response with the originating id
	req := &rpc.Message{JSONRPC: rpc.Version, ID: json.RawMessage("9"), Method: "ping"}
	assert.False(t, r.forward(context.Background(), sess, req))

	resp := readAPIResponse(t, clientConn)
	assert.Equal(t, "9", string(resp.ID))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeServiceUnavailable, resp.Error.Code)
	assert.Equal(t, "Error while sending a message to the external application", resp.Error.Message)

	// notifications fail the same way but stay silent
	notif := &rpc.Message{JSONRPC: rpc.Version, Method: "progress_change"}
	assert.False(t, r.forward(context.Background(), sess, notif))
	assertNoResponse(t, clientConn)

	// both envelopes reached the send attempt
	require.Len(t, sender.sent, 2)
}

func TestForwardDisconnected(t *testing.T) {
	sess, clientConn := newSessionPair(t)
	sender := &stubSender{connected: false}
	r := testRelay(sender)

	req := &rpc.Message{JSONRPC: rpc.Version, ID: json.RawMessage("2"), Method: "ping"}
	assert.False(t, r.forward(context.Background(), sess, req))

	resp := readAPIResponse(t, clientConn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "External application is disconnected", resp.Error.Message)

	// nothing is ever handed to the link without a peer
	assert.Empty(t, sender.sent)
}

func TestForwardSent(t *testing.T) {
	sess, clientConn := newSessionPair(t)
	sender := &stubSender{connected: true, status: link.StatusSent}
	r := testRelay(sender)

	req := &rpc.Message{JSONRPC: rpc.Version, ID: json.RawMessage("3"), Method: "ping"}
	assert.True(t, r.forward(context.Background(), sess, req))

	// no synthesized response on success; the reply, if any, comes back
	// through the inbound drain
	assertNoResponse(t, clientConn)
	require.Len(t, sender.sent, 1)
}
