package link

import (
	"bytes"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/pipebridge/pipebridge/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.NoError(t, writeFrame(&buf, payload))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := readFrame(&buf)
	require.ErrorContains(t, err, "exceeds limit")
}

func TestAcceptNotListening(t *testing.T) {
	l := New("127.0.0.1:0")
	status, err := l.AcceptWithTimeout(time.Second)
	assert.Equal(t, StatusFailed, status)
	require.ErrorIs(t, err, ErrNotListening)
}

func TestAcceptTimeout(t *testing.T) {
	l := New("127.0.0.1:0")
	require.NoError(t, l.Initialize())
	defer l.Disconnect()

	status, err := l.AcceptWithTimeout(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, status)
	assert.False(t, l.Connected())
}

func TestAcceptSendReceive(t *testing.T) {
	l := New("127.0.0.1:0")
	require.NoError(t, l.Initialize())
	defer l.Disconnect()

	peerCh := make(chan net.Conn, 1)
	go func() {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			t.Errorf("dialing link: %s", err)
			return
		}
		peerCh <- conn
	}()

	status, err := l.AcceptWithTimeout(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusConnected, status)
	assert.True(t, l.Connected())

	peer := <-peerCh
	defer peer.Close()

	// bridge -> external application
	out := &rpc.Message{JSONRPC: rpc.Version, ID: json.RawMessage("1"), Method: "dataflow_run"}
	require.Equal(t, StatusSent, l.Send(out))

	b, err := readFrame(peer)
	require.NoError(t, err)
	got, err := rpc.Parse(b)
	require.NoError(t, err)
	assert.Equal(t, "dataflow_run", got.Method)
	assert.Equal(t, "1", string(got.ID))

	// external application -> bridge
	reply := []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)
	require.NoError(t, writeFrame(peer, reply))

	in, err := l.Receive()
	require.NoError(t, err)
	assert.Equal(t, "1", string(in.ID))
	assert.NotNil(t, in.Result)
}

func TestDisconnect(t *testing.T) {
	l := New("127.0.0.1:0")
	require.NoError(t, l.Initialize())

	go func() {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err == nil {
			// held open until the link tears it down
			defer conn.Close()
			buf := make([]byte, 1)
			conn.Read(buf)
		}
	}()

	status, err := l.AcceptWithTimeout(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusConnected, status)

	l.Disconnect()
	assert.False(t, l.Connected())
	assert.Equal(t, StatusFailed, l.Send(&rpc.Message{Method: "ping"}))
	assert.Nil(t, l.Addr())
}

func TestReceiveMarksDisconnectedOnPeerLoss(t *testing.T) {
	l := New("127.0.0.1:0")
	require.NoError(t, l.Initialize())
	defer l.Disconnect()

	peerCh := make(chan net.Conn, 1)
	go func() {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			t.Errorf("dialing link: %s", err)
			return
		}
		peerCh <- conn
	}()

	status, err := l.AcceptWithTimeout(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusConnected, status)

	peer := <-peerCh
	peer.Close()

	_, err = l.Receive()
	require.Error(t, err)
	assert.False(t, l.Connected())
}

func TestReinitializeReplacesPeer(t *testing.T) {
	l := New("127.0.0.1:0")
	require.NoError(t, l.Initialize())
	defer l.Disconnect()

	go net.Dial("tcp", l.Addr().String())
	status, err := l.AcceptWithTimeout(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusConnected, status)

	// the reconnect sequence: disconnect, reinitialize, accept again
	l.Disconnect()
	require.NoError(t, l.Initialize())
	assert.False(t, l.Connected())

	go net.Dial("tcp", l.Addr().String())
	status, err = l.AcceptWithTimeout(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusConnected, status)
	assert.True(t, l.Connected())
}
