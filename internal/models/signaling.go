package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// SignalKind discriminates the three WebRTC signaling message types.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Valid reports whether k is one of the known signal kinds.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalCandidate:
		return true
	}
	return false
}

// SignalEnvelope is a targeted signaling message. The payload is opaque to
// the relay: offers and answers carry {type, sdp}, candidates carry an
// ICECandidateInit. Never persisted; relayed at-most-once, best effort.
type SignalEnvelope struct {
	TargetUserID uuid.UUID       `json:"target_user_id,omitempty"` // set by the sender
	FromUserID   uuid.UUID       `json:"from_user_id,omitempty"`   // stamped by the relay
	Kind         SignalKind      `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
}
