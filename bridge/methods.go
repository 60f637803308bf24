package bridge

import (
	"context"
	"fmt"

	"github.com/pipebridge/pipebridge/link"
	"github.com/pipebridge/pipebridge/rpc"
	"go.uber.org/zap"
)

// methodFunc is a local method handler. A nil result with a nil error yields
// a response with a null result (used by the graceful reconnect abort).
type methodFunc func(ctx context.Context) (any, *rpc.Error)

// methodRegistry maps method names to handlers. It is populated once at
// bridge construction; unknown names produce a method-not-found response.
type methodRegistry struct {
	log     *zap.SugaredLogger
	methods map[string]methodFunc
}

func newMethodRegistry(log *zap.SugaredLogger) *methodRegistry {
	return &methodRegistry{
		log:     log,
		methods: make(map[string]methodFunc),
	}
}

func (r *methodRegistry) register(name string, fn methodFunc) {
	r.methods[name] = fn
}

// dispatch runs the named handler and shapes its outcome into exactly one
// response envelope addressed by the request's id.
func (r *methodRegistry) dispatch(ctx context.Context, req *rpc.Message) *rpc.Message {
	fn, ok := r.methods[req.Method]
	if !ok {
		r.log.Debugf("unknown local method %q", req.Method)
		return rpc.NewErrorResponse(req.ID, rpc.CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}

	result, rpcErr := fn(ctx)
	if rpcErr != nil {
		return &rpc.Message{JSONRPC: rpc.Version, ID: req.ID, Error: rpcErr}
	}
	resp, err := rpc.NewResponse(req.ID, result)
	if err != nil {
		r.log.Errorf("marshaling result of %q: %s", req.Method, err)
		return rpc.NewErrorResponse(req.ID, rpc.CodeParseError, "unable to encode result")
	}
	return resp
}

type connStatus struct {
	Connected bool `json:"connected"`
}

type statusResult struct {
	Status connStatus `json:"status"`
}

type frontendsResult struct {
	Connections int `json:"connections"`
}

// statusGet reports whether the external application is attached. Never fails.
func (b *Bridge) statusGet(ctx context.Context) (any, *rpc.Error) {
	return statusResult{Status: connStatus{Connected: b.st.link.Connected()}}, nil
}

// connectedFrontendsGet reports the number of connected browser clients.
func (b *Bridge) connectedFrontendsGet(ctx context.Context) (any, *rpc.Error) {
	return frontendsResult{Connections: b.st.frontendCount()}, nil
}

// externalAppConnect (re)establishes the external connection. Calling it
// while already connected is an idempotent no-op. The whole
// disconnect/join/reinitialize/accept sequence runs under the reconnect
// mutex so concurrent callers cannot race on the link.
func (b *Bridge) externalAppConnect(ctx context.Context) (any, *rpc.Error) {
	st := b.st
	st.reconnectMu.Lock()
	defer st.reconnectMu.Unlock()

	if st.link.Connected() {
		return struct{}{}, nil
	}

	st.link.Disconnect()
	st.joinDrain()
	if err := st.link.Initialize(); err != nil {
		b.log.Errorf("reinitializing link: %s", err)
		return nil, &rpc.Error{Code: rpc.CodeServiceUnavailable, Message: "External application did not connect"}
	}

	type acceptResult struct {
		status link.Status
		err    error
	}
	for {
		acceptCh := make(chan acceptResult, 1)
		go func() {
			status, err := st.link.AcceptWithTimeout(b.acceptTimeout)
			acceptCh <- acceptResult{status: status, err: err}
		}()

		select {
		case <-st.stopCh:
			// Stop was requested before a peer showed up: graceful
			// abort, no result and no error. The in-flight accept is
			// unblocked by Stop closing the listener.
			return nil, nil
		case res := <-acceptCh:
			if res.status == link.StatusConnected {
				// New peer, so a new drain goroutine has to be
				// spawned to pump its messages out to the
				// browser clients.
				b.relay.startDrain()
				return struct{}{}, nil
			}
			if res.status == link.StatusTimedOut {
				continue
			}
			if st.shouldStop() {
				return nil, nil
			}
			// Hard accept failure, e.g. the listener was torn down
			// underneath us. Retrying cannot help.
			b.log.Errorf("waiting for external application: %s", res.err)
			return nil, &rpc.Error{Code: rpc.CodeServiceUnavailable, Message: "External application did not connect"}
		}
	}
}
