package bridge

import (
	"sync"

	"github.com/pipebridge/pipebridge/link"
)

// connState is the single shared record behind every handler: the current
// external link, the connected browser sessions, and the stop flag. It is
// handed to the registry, gateway, and relay at construction instead of
// living in a package global.
type connState struct {
	mu        sync.Mutex
	link      *link.Link
	sessions  map[string]*session
	frontends int

	stopCh   chan struct{}
	stopOnce sync.Once

	// reconnectMu serializes the disconnect/join/reinitialize/accept
	// sequence so concurrent external_app_connect calls cannot
	// double-initialize the link.
	reconnectMu sync.Mutex

	// drainDone is closed when the inbound drain goroutine exits. It must
	// be waited on before the link is reinitialized.
	drainDone chan struct{}
}

func newConnState(l *link.Link) *connState {
	return &connState{
		link:     l,
		sessions: make(map[string]*session),
		stopCh:   make(chan struct{}),
	}
}

func (s *connState) addSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
	s.frontends++
}

func (s *connState) removeSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.id]; !ok {
		return
	}
	delete(s.sessions, sess.id)
	s.frontends--
}

func (s *connState) frontendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frontends
}

// sessionList snapshots the connected sessions for fan-out.
func (s *connState) sessionList() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// stop raises the process-wide stop signal. It is set once and never
// cleared; the reconnect wait selects on it for cancellation.
func (s *connState) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *connState) shouldStop() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// setDrainDone installs the done channel of a freshly started drain
// goroutine, returning the previous one so the caller can join it.
func (s *connState) setDrainDone(done chan struct{}) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.drainDone
	s.drainDone = done
	return prev
}

// joinDrain waits for any in-flight drain goroutine to finish. The link must
// already be disconnected, otherwise the reader may block indefinitely.
func (s *connState) joinDrain() {
	s.mu.Lock()
	done := s.drainDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}
