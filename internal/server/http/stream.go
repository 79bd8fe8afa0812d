package http

import (
	"sync"

	"tracedash/internal/dashboard"
	"tracedash/internal/trace"
)

// snapshotMailbox holds at most one undelivered snapshot. A newer snapshot
// replaces an undelivered older one and an older one never replaces a newer
// one, so a slow client never blocks the store's notification path.
type snapshotMailbox struct {
	mu     sync.Mutex
	latest *trace.Record
	ready  chan struct{}
}

func newSnapshotMailbox() *snapshotMailbox {
	return &snapshotMailbox{ready: make(chan struct{}, 1)}
}

func (m *snapshotMailbox) put(rec trace.Record) {
	m.mu.Lock()
	if m.latest != nil && progress(*m.latest) > progress(rec) {
		m.mu.Unlock()
		return
	}
	m.latest = &rec
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *snapshotMailbox) take() (trace.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return trace.Record{}, false
	}
	rec := *m.latest
	m.latest = nil
	return rec, true
}

// progress orders snapshots of one trace. Every mutation either appends a
// step or makes the trace terminal, so the value strictly increases.
func progress(rec trace.Record) int {
	p := 2 * len(rec.Steps)
	if rec.Status.IsTerminal() {
		p++
	}
	return p
}

// traceStream feeds one client connection with snapshots of one trace.
type traceStream struct {
	traceID     string
	mailbox     *snapshotMailbox
	unsubscribe func()
	sent        int
	last        trace.Status

	endOnce sync.Once
	ended   chan struct{}
}

// openTraceStream subscribes to traceID and queues its current snapshot.
// It returns false when the trace is unknown. A trace that is neither
// terminal nor polled any more ends the stream right after that snapshot.
func openTraceStream(session *dashboard.Session, traceID string) (*traceStream, bool) {
	stream := &traceStream{
		traceID: traceID,
		mailbox: newSnapshotMailbox(),
		sent:    -1,
		ended:   make(chan struct{}),
	}
	stream.unsubscribe = session.SubscribeUntilEnd(traceID, stream.mailbox.put, stream.end)

	rec, ok := session.GetTrace(traceID)
	if !ok {
		stream.unsubscribe()
		return nil, false
	}
	stream.last = rec.Status
	stream.mailbox.put(rec)
	if !rec.Status.IsTerminal() && !session.IsLive(traceID) {
		stream.end()
	}
	return stream, true
}

// next returns the pending snapshot if it is newer than the last one sent.
func (s *traceStream) next() (trace.Record, bool) {
	rec, ok := s.mailbox.take()
	if !ok || progress(rec) <= s.sent {
		return trace.Record{}, false
	}
	s.sent = progress(rec)
	s.last = rec.Status
	return rec, true
}

func (s *traceStream) ready() <-chan struct{} {
	return s.mailbox.ready
}

// end marks that no further snapshot will arrive.
func (s *traceStream) end() {
	s.endOnce.Do(func() { close(s.ended) })
}

// done is closed once the trace was cleared, evicted or found orphaned.
func (s *traceStream) done() <-chan struct{} {
	return s.ended
}

// status is the status of the newest snapshot handed out by next.
func (s *traceStream) status() trace.Status {
	return s.last
}

func (s *traceStream) close() {
	s.unsubscribe()
}
