// Package link is the bridge's adapter over the point-to-point channel to the
// single external application. It accepts at most one peer on a TCP listener
// and exchanges length-prefixed JSON-RPC envelopes with it. The rest of the
// bridge only sees the adapter surface: Initialize, AcceptWithTimeout, Send,
// Receive, Disconnect, Connected.
package link

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pipebridge/pipebridge/rpc"
	"go.uber.org/zap"
)

// Status is the outcome of an accept or send operation.
type Status int

const (
	StatusConnected Status = iota + 1
	StatusTimedOut
	StatusSent
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusTimedOut:
		return "timed out"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown status %d", int(s))
}

// maxFrameSize bounds a single envelope. Dataflow documents can be large but
// anything past this is a framing error, not data.
const maxFrameSize = 64 << 20

var ErrNotListening = errors.New("link is not listening")

// Link owns the listener and the single peer connection. Re-initialization
// must be serialized by the caller: Disconnect, join any reader, then
// Initialize again. Concurrent Initialize calls are undefined.
type Link struct {
	log  *zap.SugaredLogger
	addr string

	mu        sync.Mutex
	listener  net.Listener
	conn      net.Conn
	connected bool

	wmu sync.Mutex
}

type Option func(l *Link)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Link) {
		l.log = logger.Named("link").Sugar()
	}
}

// New builds a Link that will listen on addr. Nothing is bound until
// Initialize is called.
func New(addr string, opts ...Option) *Link {
	l := &Link{
		log:  zap.NewNop().Sugar(),
		addr: addr,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Initialize binds the listener, replacing any previous one. The link moves
// to the Listening state; any previous peer connection is dropped.
func (l *Link) Initialize() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.connected = false
	if l.listener != nil {
		l.listener.Close()
		l.listener = nil
	}

	listener, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", l.addr, err)
	}
	l.listener = listener
	l.log.Debugf("listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound listener address, or nil if the link is not
// listening. Useful when initialized with port 0.
func (l *Link) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// AcceptWithTimeout waits up to d for the external application to connect.
// On success the link moves to the Connected state, replacing any previous
// peer. A timeout is a normal outcome, not an error.
func (l *Link) AcceptWithTimeout(d time.Duration) (Status, error) {
	l.mu.Lock()
	listener := l.listener
	l.mu.Unlock()
	if listener == nil {
		return StatusFailed, ErrNotListening
	}

	tcpListener, ok := listener.(*net.TCPListener)
	if ok {
		if err := tcpListener.SetDeadline(time.Now().Add(d)); err != nil {
			return StatusFailed, fmt.Errorf("setting accept deadline: %w", err)
		}
	}

	conn, err := listener.Accept()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return StatusTimedOut, nil
		}
		return StatusFailed, fmt.Errorf("accepting peer: %w", err)
	}

	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
	}
	l.conn = conn
	l.connected = true
	l.mu.Unlock()

	l.log.Debugf("external application connected from %s", conn.RemoteAddr())
	return StatusConnected, nil
}

// Connected reports whether a peer is currently attached.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Send writes one envelope to the peer. Failures mark the link disconnected.
func (l *Link) Send(msg *rpc.Message) Status {
	l.mu.Lock()
	conn := l.conn
	connected := l.connected
	l.mu.Unlock()
	if !connected || conn == nil {
		return StatusFailed
	}

	b, err := json.Marshal(msg)
	if err != nil {
		l.log.Debugf("marshaling envelope: %s", err)
		return StatusFailed
	}

	l.wmu.Lock()
	err = writeFrame(conn, b)
	l.wmu.Unlock()
	if err != nil {
		l.log.Debugf("writing frame: %s", err)
		l.markDisconnected(conn)
		return StatusFailed
	}
	return StatusSent
}

// Receive blocks until the peer delivers one envelope or the connection
// drops. On error the link is marked disconnected.
func (l *Link) Receive() (*rpc.Message, error) {
	l.mu.Lock()
	conn := l.conn
	connected := l.connected
	l.mu.Unlock()
	if !connected || conn == nil {
		return nil, errors.New("link is not connected")
	}

	b, err := readFrame(conn)
	if err != nil {
		l.markDisconnected(conn)
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	msg, err := rpc.Parse(b)
	if err != nil {
		l.markDisconnected(conn)
		return nil, err
	}
	return msg, nil
}

// Disconnect drops the peer and the listener. The link moves to the
// Disconnected state; Initialize must be called before accepting again.
func (l *Link) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	if l.listener != nil {
		l.listener.Close()
		l.listener = nil
	}
	l.connected = false
}

// markDisconnected clears the connected flag only if conn is still the
// current peer, so a stale reader cannot clobber a replacement link.
func (l *Link) markDisconnected(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == conn {
		l.connected = false
	}
}

// Wire framing: a 4-byte little-endian length prefix followed by the JSON
// payload, matching the external communication library.

func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
