package peer

import (
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// LinkState is the aggregate status of one PeerLink.
type LinkState string

const (
	LinkNew          LinkState = "new"
	LinkNegotiating  LinkState = "negotiating"
	LinkConnected    LinkState = "connected"
	LinkReconnecting LinkState = "reconnecting"
	LinkFailed       LinkState = "failed"
	LinkClosed       LinkState = "closed"
)

// Conn is the minimal peer connection surface the orchestrator drives.
// Production uses the pion adapter; tests substitute fakes.
type Conn interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	AddTrack(track webrtc.TrackLocal) error
	ReplaceVideoTrack(track webrtc.TrackLocal) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(*webrtc.TrackRemote))
	Close() error
}

// ConnFactory creates one peer connection per PeerLink.
type ConnFactory func() (Conn, error)

// PeerLink is the local representation of the media relationship with one
// remote participant. At most one exists per remote user; fields are guarded
// by the orchestrator's lock.
type PeerLink struct {
	RemoteUserID uuid.UUID

	conn  Conn
	state LinkState

	// Candidates that arrived before the remote description; applied in
	// arrival order once it is set.
	pending []webrtc.ICECandidateInit

	// restarted marks that the single ICE restart for the current failure
	// episode has been spent. Cleared when the link reconnects.
	restarted bool
}

// State returns the link's last-known aggregate status.
func (l *PeerLink) State() LinkState {
	return l.state
}

func (l *PeerLink) close() {
	if l.state == LinkClosed {
		return
	}
	l.state = LinkClosed
	l.pending = nil
	_ = l.conn.Close()
}
