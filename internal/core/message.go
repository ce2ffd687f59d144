package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/classmesh/internal/domain"
)

type MessageType string

const (
	TypeJoin           MessageType = "join"
	TypeLeave          MessageType = "leave"
	TypeStateUpdate    MessageType = "state-update"
	TypeOffer          MessageType = "offer"
	TypeAnswer         MessageType = "answer"
	TypeCandidate      MessageType = "candidate"
	TypeChat           MessageType = "chat"
	TypeRecordingStart MessageType = "recording-start"
	TypeRecordingStop  MessageType = "recording-stop"
	TypeModerate       MessageType = "moderate"
	TypeHeartbeat      MessageType = "heartbeat"
)

// Payload is the closed set of control message bodies. Switch on the
// concrete type to handle every case.
type Payload interface {
	Type() MessageType
	payload()
}

type Join struct {
	DisplayName string      `json:"displayName"`
	Role        domain.Role `json:"role"`
	// InstanceID changes when the sender restarts; a join with a new
	// instance means the sender lost its peer connections.
	InstanceID string `json:"instanceId"`
}

type Leave struct {
	Reason string `json:"reason,omitempty"`
}

type StateUpdate struct {
	domain.MediaFlags
}

// Generation identifies the sender's peer connection towards the receiver.
// It starts at 1 and grows each time the sender rebuilds that connection,
// which tells the receiver its own end is stale.
type Generation = uint64

type Offer struct {
	SDP webrtc.SessionDescription `json:"sdp"`
	// Revision grows monotonically per sender. Offers at or below the last
	// accepted revision for a link are stale.
	Revision   uint64     `json:"revision"`
	Generation Generation `json:"generation"`
}

type Answer struct {
	SDP webrtc.SessionDescription `json:"sdp"`
	// Revision echoes the offer this answers.
	Revision   uint64     `json:"revision"`
	Generation Generation `json:"generation"`
	// Withdrawn is the revision of the answerer's own offer it rolled back
	// to accept this one. Offers up to it will never be answered.
	Withdrawn uint64 `json:"withdrawn,omitempty"`
}

type Candidate struct {
	Candidate  webrtc.ICECandidateInit `json:"candidate"`
	Generation Generation              `json:"generation"`
}

type Chat struct {
	Text string `json:"text"`
}

type RecordingStart struct{}

type RecordingStop struct{}

type ModerationAction string

const (
	ModerationMute    ModerationAction = "mute"
	ModerationPromote ModerationAction = "promote"
	ModerationDemote  ModerationAction = "demote"
	ModerationRemove  ModerationAction = "remove"
)

type Moderate struct {
	Action ModerationAction `json:"action"`
	Target domain.UserID    `json:"target"`
}

type Heartbeat struct{}

func (Join) Type() MessageType           { return TypeJoin }
func (Leave) Type() MessageType          { return TypeLeave }
func (StateUpdate) Type() MessageType    { return TypeStateUpdate }
func (Offer) Type() MessageType          { return TypeOffer }
func (Answer) Type() MessageType         { return TypeAnswer }
func (Candidate) Type() MessageType      { return TypeCandidate }
func (Chat) Type() MessageType           { return TypeChat }
func (RecordingStart) Type() MessageType { return TypeRecordingStart }
func (RecordingStop) Type() MessageType  { return TypeRecordingStop }
func (Moderate) Type() MessageType       { return TypeModerate }
func (Heartbeat) Type() MessageType      { return TypeHeartbeat }

func (Join) payload()           {}
func (Leave) payload()          {}
func (StateUpdate) payload()    {}
func (Offer) payload()          {}
func (Answer) payload()         {}
func (Candidate) payload()      {}
func (Chat) payload()           {}
func (RecordingStart) payload() {}
func (RecordingStop) payload()  {}
func (Moderate) payload()       {}
func (Heartbeat) payload()      {}

// ControlMessage is the envelope broadcast over the signaling channel.
// Delivery is at least once and unordered.
type ControlMessage struct {
	ID       string
	SenderID domain.UserID
	// TargetID is set for directed messages (offer, answer, candidate,
	// presence replies). Empty means broadcast.
	TargetID domain.UserID
	SentAt   time.Time
	Payload  Payload
}

// NewMessage stamps a fresh id and send time.
func NewMessage(sender domain.UserID, p Payload) ControlMessage {
	return ControlMessage{
		ID:       uuid.NewString(),
		SenderID: sender,
		SentAt:   time.Now().UTC(),
		Payload:  p,
	}
}

// To returns a copy of m directed at target.
func (m ControlMessage) To(target domain.UserID) ControlMessage {
	m.TargetID = target
	return m
}

func (m ControlMessage) Type() MessageType {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Type()
}

// Directed reports whether m is addressed to a single participant.
func (m ControlMessage) Directed() bool { return m.TargetID != "" }

type wireMessage struct {
	ID       string          `json:"id"`
	Type     MessageType     `json:"type"`
	SenderID domain.UserID   `json:"senderId"`
	TargetID domain.UserID   `json:"targetId,omitempty"`
	SentAt   time.Time       `json:"sentAt"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (m ControlMessage) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, ErrEmptyPayload
	}
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", m.Payload.Type(), err)
	}
	return json.Marshal(wireMessage{
		ID:       m.ID,
		Type:     m.Payload.Type(),
		SenderID: m.SenderID,
		TargetID: m.TargetID,
		SentAt:   m.SentAt,
		Payload:  raw,
	})
}

func (m *ControlMessage) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	*m = ControlMessage{
		ID:       w.ID,
		SenderID: w.SenderID,
		TargetID: w.TargetID,
		SentAt:   w.SentAt,
		Payload:  p,
	}
	return nil
}

func decodePayload(t MessageType, raw json.RawMessage) (Payload, error) {
	switch t {
	case TypeJoin:
		return decodeAs[Join](raw)
	case TypeLeave:
		return decodeAs[Leave](raw)
	case TypeStateUpdate:
		return decodeAs[StateUpdate](raw)
	case TypeOffer:
		return decodeAs[Offer](raw)
	case TypeAnswer:
		return decodeAs[Answer](raw)
	case TypeCandidate:
		return decodeAs[Candidate](raw)
	case TypeChat:
		return decodeAs[Chat](raw)
	case TypeRecordingStart:
		return decodeAs[RecordingStart](raw)
	case TypeRecordingStop:
		return decodeAs[RecordingStop](raw)
	case TypeModerate:
		return decodeAs[Moderate](raw)
	case TypeHeartbeat:
		return decodeAs[Heartbeat](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, t)
	}
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", p.Type(), err)
		}
	}
	return p, nil
}

// Decode parses one wire frame.
func Decode(data []byte) (ControlMessage, error) {
	var m ControlMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// Encode renders m as a wire frame.
func Encode(m ControlMessage) (Frame, error) {
	return json.Marshal(m)
}
