package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/tutorhive/backend/internal/models"
)

var (
	// ErrClosed is returned once the orchestrator has been shut down.
	ErrClosed = errors.New("orchestrator closed")
)

// Signaler sends targeted signaling messages through the relay.
type Signaler interface {
	SendSignal(target uuid.UUID, kind models.SignalKind, payload json.RawMessage) error
}

// Orchestrator maintains exactly one PeerLink per remote participant and
// drives its negotiation state machine. Entry points serialize on one lock,
// mirroring the event-callback model the relay protocol assumes: each
// presence or signaling event is handled to completion before the next.
type Orchestrator struct {
	localID  uuid.UUID
	signaler Signaler
	dial     ConnFactory
	logger   *zap.Logger

	mu          sync.Mutex
	links       map[uuid.UUID]*PeerLink
	localTracks []webrtc.TrackLocal
	closed      bool

	onLinkState func(remote uuid.UUID, state LinkState)
	onTrack     func(remote uuid.UUID, track *webrtc.TrackRemote)
}

// NewOrchestrator creates a peer connection orchestrator for the local user.
func NewOrchestrator(localID uuid.UUID, signaler Signaler, dial ConnFactory, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		localID:  localID,
		signaler: signaler,
		dial:     dial,
		logger:   logger,
		links:    make(map[uuid.UUID]*PeerLink),
	}
}

// SetLinkStateHandler installs a callback for aggregate link status changes.
// Callbacks fire in transition order and must not block; the orchestrator's
// lock is released before each invocation.
func (o *Orchestrator) SetLinkStateHandler(fn func(remote uuid.UUID, state LinkState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onLinkState = fn
}

// SetTrackHandler installs a callback fired when a remote media track arrives.
func (o *Orchestrator) SetTrackHandler(fn func(remote uuid.UUID, track *webrtc.TrackRemote)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onTrack = fn
}

// SetLocalTracks sets the capture tracks attached to every new link. An
// empty set means view-only mode; links are still established.
func (o *Orchestrator) SetLocalTracks(tracks ...webrtc.TrackLocal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.localTracks = tracks
}

// HandleMemberJoined starts negotiation with a newly arrived participant.
// The pre-existing member always initiates, so two parties never race each
// other with simultaneous offers. Idempotent when a link already exists.
func (o *Orchestrator) HandleMemberJoined(remote uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	link, created, err := o.ensureLinkLocked(remote)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return o.sendOfferLocked(link, false)
}

// HandleMemberLeft closes and discards the link for a departed participant,
// along with any buffered candidates.
func (o *Orchestrator) HandleMemberLeft(remote uuid.UUID) {
	o.mu.Lock()
	link := o.links[remote]
	if link != nil {
		delete(o.links, remote)
		link.close()
	}
	o.mu.Unlock()
	if link != nil {
		o.notifyState(remote, LinkClosed)
	}
}

// HandleSignal applies one relayed signaling message from a remote peer.
func (o *Orchestrator) HandleSignal(env models.SignalEnvelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	switch env.Kind {
	case models.SignalOffer:
		return o.handleOfferLocked(env.FromUserID, env.Payload)
	case models.SignalAnswer:
		return o.handleAnswerLocked(env.FromUserID, env.Payload)
	case models.SignalCandidate:
		return o.handleCandidateLocked(env.FromUserID, env.Payload)
	default:
		return fmt.Errorf("unknown signal kind %q", env.Kind)
	}
}

// ReplaceVideoTrack swaps the outgoing video track on every active link in
// place, without renegotiation. Used for the camera/screen-share toggle; the
// swap is atomic per link.
func (o *Orchestrator) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	var firstErr error
	for remote, link := range o.links {
		if link.state == LinkClosed {
			continue
		}
		if err := link.conn.ReplaceVideoTrack(track); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("replace track for %s: %w", remote, err)
		}
	}
	for i, t := range o.localTracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			o.localTracks[i] = track
			return firstErr
		}
	}
	o.localTracks = append(o.localTracks, track)
	return firstErr
}

// LinkState returns the last-known status for the link to remote.
func (o *Orchestrator) LinkState(remote uuid.UUID) (LinkState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	link, ok := o.links[remote]
	if !ok {
		return "", false
	}
	return link.state, true
}

// Close tears down every link. Responses to any in-flight negotiation are
// discarded when they arrive.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for remote, link := range o.links {
		link.close()
		delete(o.links, remote)
	}
}

func (o *Orchestrator) handleOfferLocked(from uuid.UUID, payload json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}
	link, _, err := o.ensureLinkLocked(from)
	if err != nil {
		return err
	}
	if err := link.conn.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("apply offer from %s: %w", from, err)
	}
	o.drainPendingLocked(link)

	answer, err := link.conn.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", from, err)
	}
	if err := link.conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("apply local answer for %s: %w", from, err)
	}
	link.state = LinkNegotiating
	data, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return o.signaler.SendSignal(from, models.SignalAnswer, data)
}

func (o *Orchestrator) handleAnswerLocked(from uuid.UUID, payload json.RawMessage) error {
	link, ok := o.links[from]
	if !ok {
		// Answer with no outstanding offer: the link was closed while the
		// response was in flight. Discard, not fatal.
		o.logger.Debug("answer discarded, no link", zap.String("from", from.String()))
		return nil
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := link.conn.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("apply answer from %s: %w", from, err)
	}
	o.drainPendingLocked(link)
	return nil
}

func (o *Orchestrator) handleCandidateLocked(from uuid.UUID, payload json.RawMessage) error {
	link, ok := o.links[from]
	if !ok {
		o.logger.Debug("candidate discarded, no link", zap.String("from", from.String()))
		return nil
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if !link.conn.HasRemoteDescription() {
		// Transport may reorder across message kinds; hold the candidate
		// until the remote description lands.
		link.pending = append(link.pending, candidate)
		return nil
	}
	if err := link.conn.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("apply candidate from %s: %w", from, err)
	}
	return nil
}

func (o *Orchestrator) drainPendingLocked(link *PeerLink) {
	for _, candidate := range link.pending {
		if err := link.conn.AddICECandidate(candidate); err != nil {
			o.logger.Warn("buffered candidate rejected",
				zap.String("remote", link.RemoteUserID.String()), zap.Error(err))
		}
	}
	link.pending = nil
}

// ensureLinkLocked returns the link for remote, creating it on first use.
// Duplicate creation attempts return the existing link.
func (o *Orchestrator) ensureLinkLocked(remote uuid.UUID) (*PeerLink, bool, error) {
	if link, ok := o.links[remote]; ok {
		return link, false, nil
	}
	conn, err := o.dial()
	if err != nil {
		return nil, false, fmt.Errorf("create peer connection: %w", err)
	}
	link := &PeerLink{RemoteUserID: remote, conn: conn, state: LinkNew}
	for _, track := range o.localTracks {
		if err := conn.AddTrack(track); err != nil {
			_ = conn.Close()
			return nil, false, fmt.Errorf("attach local track: %w", err)
		}
	}
	conn.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		o.sendCandidate(remote, candidate)
	})
	conn.OnStateChange(func(state webrtc.PeerConnectionState) {
		o.handleConnStateChange(remote, state)
	})
	conn.OnTrack(func(track *webrtc.TrackRemote) {
		o.mu.Lock()
		fn := o.onTrack
		o.mu.Unlock()
		if fn != nil {
			fn(remote, track)
		}
	})
	o.links[remote] = link
	return link, true, nil
}

func (o *Orchestrator) sendOfferLocked(link *PeerLink, iceRestart bool) error {
	offer, err := link.conn.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", link.RemoteUserID, err)
	}
	if err := link.conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("apply local offer for %s: %w", link.RemoteUserID, err)
	}
	if link.state != LinkReconnecting {
		link.state = LinkNegotiating
	}
	data, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return o.signaler.SendSignal(link.RemoteUserID, models.SignalOffer, data)
}

func (o *Orchestrator) sendCandidate(remote uuid.UUID, candidate webrtc.ICECandidateInit) {
	data, err := json.Marshal(candidate)
	if err != nil {
		return
	}
	if err := o.signaler.SendSignal(remote, models.SignalCandidate, data); err != nil {
		o.logger.Debug("candidate send failed", zap.String("remote", remote.String()), zap.Error(err))
	}
}

// handleConnStateChange maps transport states onto the link state machine.
// On failure the link gets exactly one ICE restart per episode; a second
// failure closes it and surfaces through the state handler.
func (o *Orchestrator) handleConnStateChange(remote uuid.UUID, state webrtc.PeerConnectionState) {
	o.mu.Lock()
	link, ok := o.links[remote]
	if !ok || link.state == LinkClosed {
		o.mu.Unlock()
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		link.restarted = false
		link.state = LinkConnected
		o.mu.Unlock()
		o.notifyState(remote, LinkConnected)

	case webrtc.PeerConnectionStateDisconnected:
		if link.state == LinkConnected {
			link.state = LinkReconnecting
			o.mu.Unlock()
			o.notifyState(remote, LinkReconnecting)
			return
		}
		o.mu.Unlock()

	case webrtc.PeerConnectionStateFailed:
		if !link.restarted {
			link.restarted = true
			link.state = LinkReconnecting
			err := o.sendOfferLocked(link, true)
			o.mu.Unlock()
			if err != nil {
				o.logger.Warn("ice restart offer failed", zap.String("remote", remote.String()), zap.Error(err))
			}
			o.notifyState(remote, LinkReconnecting)
			return
		}
		delete(o.links, remote)
		link.close()
		o.mu.Unlock()
		o.logger.Warn("link failed after ice restart", zap.String("remote", remote.String()))
		o.notifyState(remote, LinkFailed)

	default:
		o.mu.Unlock()
	}
}

// notifyState runs the state callback outside the lock. Invocation is
// synchronous so rapid transitions are observed in order.
func (o *Orchestrator) notifyState(remote uuid.UUID, state LinkState) {
	o.mu.Lock()
	fn := o.onLinkState
	o.mu.Unlock()
	if fn != nil {
		fn(remote, state)
	}
}
