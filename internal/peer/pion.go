package peer

import (
	"errors"

	"github.com/pion/webrtc/v3"
)

// ErrNoVideoSender is returned by ReplaceVideoTrack when the connection has
// no outgoing video track to swap.
var ErrNoVideoSender = errors.New("no outgoing video sender")

var defaultICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// ICEServersFromURLs builds the ICE server list from config URLs, falling
// back to a public STUN server.
func ICEServersFromURLs(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u != "" {
			out = append(out, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	if len(out) == 0 {
		return defaultICE
	}
	return out
}

// PionFactory returns a ConnFactory backed by pion PeerConnections with the
// default codec set.
func PionFactory(iceServers []webrtc.ICEServer) ConnFactory {
	if len(iceServers) == 0 {
		iceServers = defaultICE
	}
	cfg := webrtc.Configuration{ICEServers: iceServers}
	return func() (Conn, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
		api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionConn{pc: pc}, nil
	}
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return c.pc.CreateOffer(opts)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) error {
	_, err := c.pc.AddTrack(track)
	return err
}

func (c *pionConn) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	for _, sender := range c.pc.GetSenders() {
		t := sender.Track()
		if t != nil && t.Kind() == webrtc.RTPCodecTypeVideo {
			return sender.ReplaceTrack(track)
		}
	}
	return ErrNoVideoSender
}

func (c *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON())
	})
}

func (c *pionConn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) OnTrack(fn func(*webrtc.TrackRemote)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
