package peer_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tutorhive/backend/internal/models"
	"github.com/tutorhive/backend/internal/peer"
)

const (
	waitTimeout  = 2 * time.Second
	waitInterval = 5 * time.Millisecond
)

func newTestOrchestrator() (*peer.Orchestrator, *connTracker, *fakeSignaler) {
	tracker := &connTracker{}
	signaler := &fakeSignaler{}
	orch := peer.NewOrchestrator(uuid.New(), signaler, tracker.factory(), zap.NewNop())
	return orch, tracker, signaler
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestMemberJoinedInitiatesOffer(t *testing.T) {
	orch, tracker, signaler := newTestOrchestrator()
	remote := uuid.New()

	require.NoError(t, orch.HandleMemberJoined(remote))

	offers := signaler.byKind(models.SignalOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, remote, offers[0].target)

	conn := tracker.get(0)
	assert.NotNil(t, conn.localDesc)
	state, ok := orch.LinkState(remote)
	require.True(t, ok)
	assert.Equal(t, peer.LinkNegotiating, state)
}

func TestMemberJoinedIsIdempotent(t *testing.T) {
	orch, tracker, signaler := newTestOrchestrator()
	remote := uuid.New()

	require.NoError(t, orch.HandleMemberJoined(remote))
	require.NoError(t, orch.HandleMemberJoined(remote))

	assert.Equal(t, 1, tracker.count(), "one connection per remote")
	assert.Len(t, signaler.byKind(models.SignalOffer), 1, "no duplicate offer")
}

func TestIncomingOfferProducesAnswer(t *testing.T) {
	orch, tracker, signaler := newTestOrchestrator()
	remote := uuid.New()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote"}
	require.NoError(t, orch.HandleSignal(models.SignalEnvelope{
		FromUserID: remote,
		Kind:       models.SignalOffer,
		Payload:    mustMarshal(t, offer),
	}))

	conn := tracker.get(0)
	require.NotNil(t, conn.remoteDesc)
	assert.Equal(t, "v=0 remote", conn.remoteDesc.SDP)
	require.NotNil(t, conn.localDesc)
	assert.Equal(t, webrtc.SDPTypeAnswer, conn.localDesc.Type)

	answers := signaler.byKind(models.SignalAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, remote, answers[0].target)
}

func TestAnswerCompletesNegotiation(t *testing.T) {
	orch, tracker, _ := newTestOrchestrator()
	remote := uuid.New()
	require.NoError(t, orch.HandleMemberJoined(remote))

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	require.NoError(t, orch.HandleSignal(models.SignalEnvelope{
		FromUserID: remote,
		Kind:       models.SignalAnswer,
		Payload:    mustMarshal(t, answer),
	}))

	conn := tracker.get(0)
	require.NotNil(t, conn.remoteDesc)
	assert.Equal(t, "v=0 answer", conn.remoteDesc.SDP)
}

func TestAnswerWithoutLinkIsIgnored(t *testing.T) {
	orch, tracker, signaler := newTestOrchestrator()

	err := orch.HandleSignal(models.SignalEnvelope{
		FromUserID: uuid.New(),
		Kind:       models.SignalAnswer,
		Payload:    mustMarshal(t, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}),
	})
	require.NoError(t, err, "stale answer is discarded, not an error")
	assert.Zero(t, tracker.count(), "no link is created for a stray answer")
	assert.Empty(t, signaler.sent)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	orch, tracker, _ := newTestOrchestrator()
	remote := uuid.New()
	require.NoError(t, orch.HandleMemberJoined(remote))
	conn := tracker.get(0)

	// Candidates outrunning the answer are held, in order.
	for i := 0; i < 3; i++ {
		require.NoError(t, orch.HandleSignal(models.SignalEnvelope{
			FromUserID: remote,
			Kind:       models.SignalCandidate,
			Payload:    mustMarshal(t, webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate-%d", i)}),
		}))
	}
	assert.Empty(t, conn.appliedCandidates())

	require.NoError(t, orch.HandleSignal(models.SignalEnvelope{
		FromUserID: remote,
		Kind:       models.SignalAnswer,
		Payload:    mustMarshal(t, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}),
	}))

	applied := conn.appliedCandidates()
	require.Len(t, applied, 3)
	for i, c := range applied {
		assert.Equal(t, fmt.Sprintf("candidate-%d", i), c.Candidate)
	}

	// Later candidates skip the buffer.
	require.NoError(t, orch.HandleSignal(models.SignalEnvelope{
		FromUserID: remote,
		Kind:       models.SignalCandidate,
		Payload:    mustMarshal(t, webrtc.ICECandidateInit{Candidate: "candidate-late"}),
	}))
	applied = conn.appliedCandidates()
	require.Len(t, applied, 4)
	assert.Equal(t, "candidate-late", applied[3].Candidate)
}

func TestCandidateWithoutLinkIsIgnored(t *testing.T) {
	orch, tracker, _ := newTestOrchestrator()

	err := orch.HandleSignal(models.SignalEnvelope{
		FromUserID: uuid.New(),
		Kind:       models.SignalCandidate,
		Payload:    mustMarshal(t, webrtc.ICECandidateInit{Candidate: "stray"}),
	})
	require.NoError(t, err)
	assert.Zero(t, tracker.count())
}

func TestMemberLeftClosesLinkAndDropsBuffer(t *testing.T) {
	orch, tracker, _ := newTestOrchestrator()
	states := &stateRecorder{}
	orch.SetLinkStateHandler(states.record)

	remote := uuid.New()
	require.NoError(t, orch.HandleMemberJoined(remote))
	require.NoError(t, orch.HandleSignal(models.SignalEnvelope{
		FromUserID: remote,
		Kind:       models.SignalCandidate,
		Payload:    mustMarshal(t, webrtc.ICECandidateInit{Candidate: "pending"}),
	}))

	orch.HandleMemberLeft(remote)

	conn := tracker.get(0)
	assert.True(t, conn.isClosed())
	_, ok := orch.LinkState(remote)
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		return states.has(peer.LinkClosed)
	}, waitTimeout, waitInterval)

	// A candidate for the departed peer does nothing.
	require.NoError(t, orch.HandleSignal(models.SignalEnvelope{
		FromUserID: remote,
		Kind:       models.SignalCandidate,
		Payload:    mustMarshal(t, webrtc.ICECandidateInit{Candidate: "late"}),
	}))
	assert.Empty(t, conn.appliedCandidates())
}

func TestLocalTracksAttachedToNewLinks(t *testing.T) {
	orch, tracker, _ := newTestOrchestrator()
	audio := &fakeTrack{id: "audio", kind: webrtc.RTPCodecTypeAudio}
	video := &fakeTrack{id: "camera", kind: webrtc.RTPCodecTypeVideo}
	orch.SetLocalTracks(audio, video)

	require.NoError(t, orch.HandleMemberJoined(uuid.New()))

	conn := tracker.get(0)
	require.Len(t, conn.tracks, 2)
	assert.Equal(t, webrtc.TrackLocal(audio), conn.tracks[0])
	assert.Equal(t, webrtc.TrackLocal(video), conn.tracks[1])
}

func TestReplaceVideoTrackAppliesToEveryLink(t *testing.T) {
	orch, tracker, _ := newTestOrchestrator()
	orch.SetLocalTracks(&fakeTrack{id: "camera", kind: webrtc.RTPCodecTypeVideo})

	remoteA, remoteB := uuid.New(), uuid.New()
	require.NoError(t, orch.HandleMemberJoined(remoteA))
	require.NoError(t, orch.HandleMemberJoined(remoteB))

	screen := &fakeTrack{id: "screen", kind: webrtc.RTPCodecTypeVideo}
	require.NoError(t, orch.ReplaceVideoTrack(screen))

	for i := 0; i < 2; i++ {
		conn := tracker.get(i)
		require.Len(t, conn.replaced, 1)
		assert.Equal(t, webrtc.TrackLocal(screen), conn.replaced[0])
	}

	// New links created after the toggle carry the screen track.
	require.NoError(t, orch.HandleMemberJoined(uuid.New()))
	conn := tracker.get(2)
	require.Len(t, conn.tracks, 1)
	assert.Equal(t, webrtc.TrackLocal(screen), conn.tracks[0])
}

func TestFailureTriggersSingleIceRestart(t *testing.T) {
	orch, tracker, signaler := newTestOrchestrator()
	states := &stateRecorder{}
	orch.SetLinkStateHandler(states.record)

	remote := uuid.New()
	require.NoError(t, orch.HandleMemberJoined(remote))
	conn := tracker.get(0)

	conn.fireState(webrtc.PeerConnectionStateConnected)
	require.Eventually(t, func() bool {
		return states.has(peer.LinkConnected)
	}, waitTimeout, waitInterval)

	// First failure: exactly one restart offer.
	conn.fireState(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool {
		return states.has(peer.LinkReconnecting)
	}, waitTimeout, waitInterval)
	assert.Equal(t, 1, conn.restartOfferCount())
	assert.Len(t, signaler.byKind(models.SignalOffer), 2, "initial offer plus restart offer")

	// Second failure in the same episode: no more retries, surface failure.
	conn.fireState(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool {
		return states.has(peer.LinkFailed)
	}, waitTimeout, waitInterval)
	assert.Equal(t, 1, conn.restartOfferCount())
	assert.True(t, conn.isClosed())
	_, ok := orch.LinkState(remote)
	assert.False(t, ok, "failed link is discarded")
}

func TestRestartBudgetResetsAfterReconnect(t *testing.T) {
	orch, tracker, _ := newTestOrchestrator()
	remote := uuid.New()
	require.NoError(t, orch.HandleMemberJoined(remote))
	conn := tracker.get(0)

	conn.fireState(webrtc.PeerConnectionStateConnected)
	conn.fireState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, 1, conn.restartOfferCount())

	// Recovery ends the failure episode; the next one gets its own restart.
	conn.fireState(webrtc.PeerConnectionStateConnected)
	conn.fireState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, 2, conn.restartOfferCount())

	state, ok := orch.LinkState(remote)
	require.True(t, ok)
	assert.Equal(t, peer.LinkReconnecting, state)
}

func TestStateNotificationsArriveInOrder(t *testing.T) {
	orch, tracker, _ := newTestOrchestrator()
	states := &stateRecorder{}
	orch.SetLinkStateHandler(states.record)

	remote := uuid.New()
	require.NoError(t, orch.HandleMemberJoined(remote))
	conn := tracker.get(0)

	// Rapid flapping must surface in exactly the transition order.
	conn.fireState(webrtc.PeerConnectionStateConnected)
	conn.fireState(webrtc.PeerConnectionStateDisconnected)
	conn.fireState(webrtc.PeerConnectionStateConnected)
	conn.fireState(webrtc.PeerConnectionStateFailed)

	assert.Equal(t, []peer.LinkState{
		peer.LinkConnected,
		peer.LinkReconnecting,
		peer.LinkConnected,
		peer.LinkReconnecting,
	}, states.sequence())
}

func TestDisconnectedMarksReconnecting(t *testing.T) {
	orch, tracker, _ := newTestOrchestrator()
	states := &stateRecorder{}
	orch.SetLinkStateHandler(states.record)

	remote := uuid.New()
	require.NoError(t, orch.HandleMemberJoined(remote))
	conn := tracker.get(0)

	conn.fireState(webrtc.PeerConnectionStateConnected)
	conn.fireState(webrtc.PeerConnectionStateDisconnected)

	require.Eventually(t, func() bool {
		return states.has(peer.LinkReconnecting)
	}, waitTimeout, waitInterval)
	state, ok := orch.LinkState(remote)
	require.True(t, ok)
	assert.Equal(t, peer.LinkReconnecting, state)
}

func TestLocalCandidatesForwardedToSignaler(t *testing.T) {
	orch, tracker, signaler := newTestOrchestrator()
	remote := uuid.New()
	require.NoError(t, orch.HandleMemberJoined(remote))

	tracker.get(0).fireCandidate(webrtc.ICECandidateInit{Candidate: "host 10.0.0.1"})

	sent := signaler.byKind(models.SignalCandidate)
	require.Len(t, sent, 1)
	assert.Equal(t, remote, sent[0].target)
	var c webrtc.ICECandidateInit
	require.NoError(t, json.Unmarshal(sent[0].payload, &c))
	assert.Equal(t, "host 10.0.0.1", c.Candidate)
}

func TestCloseShutsDownEverything(t *testing.T) {
	orch, tracker, _ := newTestOrchestrator()
	remoteA, remoteB := uuid.New(), uuid.New()
	require.NoError(t, orch.HandleMemberJoined(remoteA))
	require.NoError(t, orch.HandleMemberJoined(remoteB))

	orch.Close()

	assert.True(t, tracker.get(0).isClosed())
	assert.True(t, tracker.get(1).isClosed())
	assert.ErrorIs(t, orch.HandleMemberJoined(uuid.New()), peer.ErrClosed)
	assert.ErrorIs(t, orch.ReplaceVideoTrack(&fakeTrack{id: "x", kind: webrtc.RTPCodecTypeVideo}), peer.ErrClosed)
}
