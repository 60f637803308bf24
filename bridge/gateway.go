package bridge

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/pipebridge/pipebridge/rpc"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event names on the browser websocket. Requests come in on backend-api or
// external-api; everything going back out is an api-response.
const (
	eventBackendAPI  = "backend-api"
	eventExternalAPI = "external-api"
	eventAPIResponse = "api-response"
)

// readLimit bounds a single frontend message. Dataflow envelopes can carry
// whole documents, so this is far above the websocket default.
const readLimit = 16 << 20

// eventFrame is the unit on the browser websocket: an event name plus an
// opaque JSON-RPC envelope.
type eventFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// session is one connected browser client. Its id only exists to address
// responses back to the originating client.
type session struct {
	id   string
	log  *zap.SugaredLogger
	conn *websocket.Conn
}

// writeResponse emits one api-response frame to this client.
func (s *session) writeResponse(ctx context.Context, msg *rpc.Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		s.log.Errorf("marshaling response envelope: %s", err)
		return
	}
	if err := wsjson.Write(ctx, s.conn, eventFrame{Event: eventAPIResponse, Data: b}); err != nil {
		s.log.Debugf("writing response to frontend: %s", err)
	}
}

// handleWS upgrades a browser connection and pumps its messages until it
// disconnects. Connect/disconnect are what drive the frontend counter; the
// websocket transport guarantees they pair up.
func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		b.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)

	sess := &session{
		id:   uuid.NewString(),
		log:  b.log.Named("session"),
		conn: wsConn,
	}
	b.st.addSession(sess)
	defer b.st.removeSession(sess)
	b.log.Debugf("frontend %s connected", sess.id)

	ctx := r.Context()
	for {
		var frame eventFrame
		err := wsjson.Read(ctx, wsConn, &frame)
		if websocket.CloseStatus(err) != -1 {
			b.log.Debugf("frontend %s disconnected", sess.id)
			return
		}
		if err != nil {
			b.log.Debugf("reading from frontend %s: %s", sess.id, err)
			wsConn.Close(websocket.StatusInternalError, "read error")
			return
		}
		b.handleFrame(ctx, sess, frame)
	}
}

// handleFrame routes one inbound frame. Nothing here may propagate a fault
// out of the handler; every recoverable failure becomes a response envelope.
func (b *Bridge) handleFrame(ctx context.Context, sess *session, frame eventFrame) {
	switch frame.Event {
	case eventBackendAPI:
		msg, err := rpc.Parse(frame.Data)
		if err != nil {
			b.log.Debugf("malformed backend-api envelope from %s: %s", sess.id, err)
			sess.writeResponse(ctx, rpc.NewErrorResponse(nil, rpc.CodeParseError, "Parse error"))
			return
		}
		sess.writeResponse(ctx, b.registry.dispatch(ctx, msg))
	case eventExternalAPI:
		msg, err := rpc.Parse(frame.Data)
		if err != nil {
			b.log.Debugf("malformed external-api envelope from %s: %s", sess.id, err)
			sess.writeResponse(ctx, rpc.NewErrorResponse(nil, rpc.CodeParseError, "Parse error"))
			return
		}
		if !b.relay.forward(ctx, sess, msg) {
			b.log.Debugf("failed to relay envelope from frontend %s", sess.id)
		}
	default:
		b.log.Debugf("unknown event %q from frontend %s", frame.Event, sess.id)
	}
}
