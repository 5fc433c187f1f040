package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the closed set of frame types carried on a leg stream.
type Kind string

const (
	KindAudio           Kind = "audio"
	KindText            Kind = "text"
	KindTranscript      Kind = "transcript"
	KindCoaching        Kind = "coaching"
	KindIntelligence    Kind = "intelligence"
	KindPing            Kind = "ping"
	KindPong            Kind = "pong"
	KindConnected       Kind = "connected"
	KindPeerJoined      Kind = "peer_joined"
	KindPeerLeft        Kind = "peer_left"
	KindRequestCoaching Kind = "request_coaching"
	KindEnd             Kind = "end"
	KindCallEnded       Kind = "call_ended"
	KindError           Kind = "error"
)

// ErrUnknownEnvelope marks an ingress frame whose kind is outside the closed set.
var ErrUnknownEnvelope = errors.New("unknown envelope kind")

// ErrMalformed marks a frame that is not a valid JSON envelope at all.
var ErrMalformed = errors.New("malformed envelope")

var knownKinds = map[Kind]struct{}{
	KindAudio: {}, KindText: {}, KindTranscript: {}, KindCoaching: {},
	KindIntelligence: {}, KindPing: {}, KindPong: {}, KindConnected: {},
	KindPeerJoined: {}, KindPeerLeft: {}, KindRequestCoaching: {},
	KindEnd: {}, KindCallEnded: {}, KindError: {},
}

// Entity is the wire form of a single extracted intelligence entity.
type Entity struct {
	Kind        string  `json:"kind"`
	Value       string  `json:"value"`
	Confidence  float64 `json:"confidence"`
	FirstSeenAt int64   `json:"first_seen_at"` // unix ms
}

// Snapshot is the wire form of the session's aggregate intelligence state.
type Snapshot struct {
	Entities    []Entity `json:"entities"`
	Tactics     []string `json:"tactics"`
	ThreatScore float64  `json:"threat_score"`
	UpdatedAt   int64    `json:"updated_at"` // unix ms
}

// Envelope is one framed message on the duplex stream. The Kind field selects
// which of the remaining fields are meaningful; everything else is omitted on
// the wire. Audio payloads travel base64-encoded, which encoding/json does for
// []byte automatically.
type Envelope struct {
	Kind Kind `json:"kind"`

	// audio
	Codec   string `json:"codec,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	Source  string `json:"source,omitempty"`

	// transcript / text
	Speaker    string  `json:"speaker,omitempty"`
	Text       string  `json:"text,omitempty"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	StartedAt  int64   `json:"started_at,omitempty"` // unix ms
	EndedAt    int64   `json:"ended_at,omitempty"`   // unix ms

	// coaching
	Strategy   string    `json:"strategy,omitempty"`
	Intent     string    `json:"intent,omitempty"`
	Audio      []byte    `json:"audio,omitempty"`
	AudioCodec string    `json:"audio_codec,omitempty"`
	Snapshot   *Snapshot `json:"updated_snapshot,omitempty"`

	// intelligence
	EntitiesDelta []Entity `json:"entities_delta,omitempty"`
	TacticsDelta  []string `json:"tactics_delta,omitempty"`
	ThreatScore   float64  `json:"threat_score,omitempty"`

	// connected / peer_joined / peer_left
	Role           string `json:"role,omitempty"`
	CallID         string `json:"call_id,omitempty"`
	WaitingForPeer bool   `json:"waiting_for_peer,omitempty"`

	// call_ended
	Reason     string `json:"reason,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Decode parses one wire frame. A frame that is not JSON, or that lacks a kind,
// fails with ErrMalformed; a well-formed frame with a kind outside the closed
// set fails with ErrUnknownEnvelope and the partially decoded envelope is still
// returned so the caller can echo the offending kind back.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	if _, ok := knownKinds[e.Kind]; !ok {
		return e, fmt.Errorf("%w: %q", ErrUnknownEnvelope, e.Kind)
	}
	return e, nil
}

// Encode renders the envelope as one JSON wire frame.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Error builds an egress error envelope.
func Error(code, message string) Envelope {
	return Envelope{Kind: KindError, Code: code, Message: message}
}
