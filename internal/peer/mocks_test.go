package peer_test

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/tutorhive/backend/internal/models"
	"github.com/tutorhive/backend/internal/peer"
)

// fakeConn is an in-memory Conn that records everything the orchestrator does
// and lets tests fire transport callbacks.
type fakeConn struct {
	mu sync.Mutex

	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	replaced   []webrtc.TrackLocal
	replaceErr error
	closed     bool

	offers        int
	restartOffers int

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(*webrtc.TrackRemote)
}

func (c *fakeConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	if iceRestart {
		c.restartOffers++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *fakeConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localDesc = &desc
	return nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteDesc = &desc
	return nil
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDesc != nil
}

func (c *fakeConn) AddTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, track)
	return nil
}

func (c *fakeConn) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replaceErr != nil {
		return c.replaceErr
	}
	c.replaced = append(c.replaced, track)
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = fn
}

func (c *fakeConn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *fakeConn) OnTrack(fn func(*webrtc.TrackRemote)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) fireState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (c *fakeConn) fireCandidate(candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

func (c *fakeConn) appliedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(c.candidates))
	copy(out, c.candidates)
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) restartOfferCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartOffers
}

// connTracker hands out fakeConns in creation order.
type connTracker struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (t *connTracker) factory() peer.ConnFactory {
	return func() (peer.Conn, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		conn := &fakeConn{}
		t.conns = append(t.conns, conn)
		return conn, nil
	}
}

func (t *connTracker) get(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[i]
}

func (t *connTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// fakeSignaler records outgoing signaling messages.
type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
}

type sentSignal struct {
	target  uuid.UUID
	kind    models.SignalKind
	payload json.RawMessage
}

func (s *fakeSignaler) SendSignal(target uuid.UUID, kind models.SignalKind, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentSignal{target: target, kind: kind, payload: payload})
	return nil
}

func (s *fakeSignaler) byKind(kind models.SignalKind) []sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentSignal
	for _, m := range s.sent {
		if m.kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// stateRecorder collects link state notifications.
type stateRecorder struct {
	mu     sync.Mutex
	states []peer.LinkState
}

func (r *stateRecorder) record(_ uuid.UUID, state peer.LinkState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) sequence() []peer.LinkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]peer.LinkState, len(r.states))
	copy(out, r.states)
	return out
}

func (r *stateRecorder) has(state peer.LinkState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == state {
			return true
		}
	}
	return false
}

// fakeTrack satisfies webrtc.TrackLocal for attach and replace tests.
type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}

func (t *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *fakeTrack) ID() string                            { return t.id }
func (t *fakeTrack) RID() string                           { return "" }
func (t *fakeTrack) StreamID() string                      { return "test-stream" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType             { return t.kind }
