package bridge

import (
	"context"

	"github.com/pipebridge/pipebridge/link"
	"github.com/pipebridge/pipebridge/rpc"
	"go.uber.org/zap"
)

// envelopeSender is the slice of the link the relay's outbound path uses.
type envelopeSender interface {
	Connected() bool
	Send(msg *rpc.Message) link.Status
}

// relay forwards envelopes between browser clients and the external link.
// Browser-to-external traffic is forwarded as-is; external-to-browser traffic
// is broadcast to every connected session and correlated client-side by id.
type relay struct {
	log    *zap.SugaredLogger
	st     *connState
	sender envelopeSender
}

func newRelay(log *zap.SugaredLogger, st *connState) *relay {
	return &relay{log: log, st: st, sender: st.link}
}

// forward pushes one envelope from a browser session to the external
// application. Requests that cannot be delivered get a synthesized
// service-unavailable response; notifications are dropped silently. The
// return value reports delivery for logging only.
func (r *relay) forward(ctx context.Context, sess *session, msg *rpc.Message) bool {
	isRequest := msg.IsRequest()

	if !r.sender.Connected() {
		if isRequest {
			sess.writeResponse(ctx, rpc.NewErrorResponse(msg.ID, rpc.CodeServiceUnavailable, "External application is disconnected"))
		}
		return false
	}

	if status := r.sender.Send(msg); status != link.StatusSent {
		r.log.Debugf("sending envelope to external application: %s", status)
		if isRequest {
			sess.writeResponse(ctx, rpc.NewErrorResponse(msg.ID, rpc.CodeServiceUnavailable, "Error while sending a message to the external application"))
		}
		return false
	}
	return true
}

// startDrain spawns the goroutine that pumps inbound messages from the
// external link out to all connected browser clients. It joins the previous
// drain goroutine first; the caller must hold the reconnect mutex when the
// link is being replaced.
func (r *relay) startDrain() {
	done := make(chan struct{})
	prev := r.st.setDrainDone(done)
	if prev != nil {
		<-prev
	}
	go r.drain(done)
}

// drain reads until the link drops. A read fault ends the task; the link is
// already marked disconnected at that point, which status_get then reports.
func (r *relay) drain(done chan struct{}) {
	defer close(done)
	for {
		msg, err := r.st.link.Receive()
		if err != nil {
			r.log.Debugf("inbound drain stopped: %s", err)
			return
		}
		r.broadcast(msg)
	}
}

// broadcast fans one external-application message out to every connected
// browser client.
func (r *relay) broadcast(msg *rpc.Message) {
	sessions := r.st.sessionList()
	r.log.Debugf("broadcasting envelope to %d frontends", len(sessions))
	for _, sess := range sessions {
		sess.writeResponse(context.Background(), msg)
	}
}
